package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// printJSON writes v to the command's stdout as indented JSON, the CLI's
// single output format for machine-readable results.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
