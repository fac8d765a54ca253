package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindcache/mindcache/internal/mindcache"
	"github.com/mindcache/mindcache/internal/store"
)

var recallCmd = &cobra.Command{
	Use:   "recall",
	Short: "Query memories by user, session, time range, importance and text",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		query, _ := cmd.Flags().GetString("query")
		keywordsStr, _ := cmd.Flags().GetString("keywords")
		minImportance, _ := cmd.Flags().GetFloat64("min-importance")
		limit, _ := cmd.Flags().GetInt("limit")
		dateFromStr, _ := cmd.Flags().GetString("date-from")
		dateToStr, _ := cmd.Flags().GetString("date-to")

		filter := store.Filter{
			UserID:        userID,
			SessionID:     sessionID,
			Query:         query,
			MinImportance: minImportance,
			Limit:         limit,
		}
		if keywordsStr != "" {
			filter.Keywords = strings.Split(keywordsStr, ",")
		}
		if dateFromStr != "" {
			t, err := time.Parse(time.RFC3339, dateFromStr)
			if err != nil {
				return fmt.Errorf("invalid --date-from: %w", err)
			}
			filter.DateFrom = &t
		}
		if dateToStr != "" {
			t, err := time.Parse(time.RFC3339, dateToStr)
			if err != nil {
				return fmt.Errorf("invalid --date-to: %w", err)
			}
			filter.DateTo = &t
		}

		return withCoordinator(func(c *mindcache.Coordinator) error {
			results, err := c.Recall(filter)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		})
	},
}

func init() {
	recallCmd.Flags().String("user", "", "user id (required)")
	recallCmd.Flags().String("session", "", "restrict to a single session")
	recallCmd.Flags().String("query", "", "free-text query")
	recallCmd.Flags().String("keywords", "", "comma-separated keywords (AND with query)")
	recallCmd.Flags().Float64("min-importance", 0, "minimum importance in [0,1]")
	recallCmd.Flags().Int("limit", store.DefaultLimit, "maximum results")
	recallCmd.Flags().String("date-from", "", "RFC3339 lower bound on created_at")
	recallCmd.Flags().String("date-to", "", "RFC3339 upper bound on created_at")
	recallCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(recallCmd)
}
