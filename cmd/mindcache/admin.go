package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mindcache/mindcache/internal/mindcache"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report engine-health counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *mindcache.Coordinator) error {
			stats := c.Stats()
			fmt.Fprintln(cmd.OutOrStdout(), stats.String())
			return nil
		})
	},
}

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Force an immediate decay sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *mindcache.Coordinator) error {
			stats := c.RunDecay()
			return printJSON(cmd, stats)
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd, decayCmd)
}
