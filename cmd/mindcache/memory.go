package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindcache/mindcache/internal/mindcache"
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Persist a new memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		content, _ := cmd.Flags().GetString("content")
		importanceStr, _ := cmd.Flags().GetString("importance")
		ttlStr, _ := cmd.Flags().GetString("ttl")
		metadataStr, _ := cmd.Flags().GetString("metadata")
		requestID, _ := cmd.Flags().GetString("request-id")

		req := mindcache.SaveRequest{
			UserID:    userID,
			SessionID: sessionID,
			Content:   content,
			RequestID: requestID,
		}
		if importanceStr != "" {
			var v float64
			if _, err := fmt.Sscanf(importanceStr, "%g", &v); err != nil {
				return fmt.Errorf("invalid --importance: %w", err)
			}
			req.Importance = &v
		}
		if ttlStr != "" {
			d, err := time.ParseDuration(ttlStr)
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			req.TTL = &d
		}
		if metadataStr != "" {
			var md map[string]any
			if err := json.Unmarshal([]byte(metadataStr), &md); err != nil {
				return fmt.Errorf("invalid --metadata JSON: %w", err)
			}
			req.Metadata = md
		}

		return withCoordinator(func(c *mindcache.Coordinator) error {
			m, err := c.Save(req)
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Fetch a memory by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		return withCoordinator(func(c *mindcache.Coordinator) error {
			m, err := c.Get(id)
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a single memory by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		return withCoordinator(func(c *mindcache.Coordinator) error {
			return c.Delete(id)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Stream every memory owned by a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		return withCoordinator(func(c *mindcache.Coordinator) error {
			memories, err := c.ExportUser(userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, m := range memories {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	saveCmd.Flags().String("user", "", "user id (required)")
	saveCmd.Flags().String("session", "", "session id (required)")
	saveCmd.Flags().String("content", "", "memory content (required)")
	saveCmd.Flags().String("importance", "", "importance in [0,1], default 0.5")
	saveCmd.Flags().String("ttl", "", "time to live, e.g. 24h")
	saveCmd.Flags().String("metadata", "", "metadata as a JSON object")
	saveCmd.Flags().String("request-id", "", "idempotency key for retried saves")
	saveCmd.MarkFlagRequired("user")
	saveCmd.MarkFlagRequired("session")
	saveCmd.MarkFlagRequired("content")

	getCmd.Flags().String("id", "", "memory id (required)")
	getCmd.MarkFlagRequired("id")

	deleteCmd.Flags().String("id", "", "memory id (required)")
	deleteCmd.MarkFlagRequired("id")

	exportCmd.Flags().String("user", "", "user id (required)")
	exportCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(saveCmd, getCmd, deleteCmd, exportCmd)
}
