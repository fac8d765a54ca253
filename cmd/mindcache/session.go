package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mindcache/mindcache/internal/mindcache"
)

var createSessionCmd = &cobra.Command{
	Use:   "create-session",
	Short: "Register a new, empty session",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		metadataStr, _ := cmd.Flags().GetString("metadata")
		var metadata map[string]any
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &metadata); err != nil {
				return fmt.Errorf("invalid --metadata JSON: %w", err)
			}
		}
		return withCoordinator(func(c *mindcache.Coordinator) error {
			sess, err := c.CreateSession(userID, name, metadata)
			if err != nil {
				return err
			}
			return printJSON(cmd, sess)
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List a user's sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		return withCoordinator(func(c *mindcache.Coordinator) error {
			return printJSON(cmd, c.Sessions(userID))
		})
	},
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Build a deterministic summary of a session's memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		return withCoordinator(func(c *mindcache.Coordinator) error {
			summary, err := c.Summarize(sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

var deleteSessionCmd = &cobra.Command{
	Use:   "delete-session",
	Short: "Delete every memory in a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		return withCoordinator(func(c *mindcache.Coordinator) error {
			n, err := c.DeleteSession(userID, sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"memories_deleted": n})
		})
	},
}

func init() {
	createSessionCmd.Flags().String("user", "", "user id (required)")
	createSessionCmd.Flags().String("name", "", "optional session name")
	createSessionCmd.Flags().String("metadata", "", "metadata as a JSON object")
	createSessionCmd.MarkFlagRequired("user")

	sessionsCmd.Flags().String("user", "", "user id (required)")
	sessionsCmd.MarkFlagRequired("user")

	summarizeCmd.Flags().String("session", "", "session id (required)")
	summarizeCmd.MarkFlagRequired("session")

	deleteSessionCmd.Flags().String("user", "", "user id (required)")
	deleteSessionCmd.Flags().String("session", "", "session id (required)")
	deleteSessionCmd.MarkFlagRequired("user")
	deleteSessionCmd.MarkFlagRequired("session")

	rootCmd.AddCommand(createSessionCmd, sessionsCmd, summarizeCmd, deleteSessionCmd)
}
