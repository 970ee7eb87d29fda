package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/mcp-acp/services/policy"
)

// policySummary describes a validated policy document
type policySummary struct {
	File          string `json:"file"`
	Version       string `json:"version"`
	Checksum      string `json:"checksum"`
	DefaultEffect string `json:"default_effect"`
	Rules         int    `json:"rules"`
}

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy document tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a policy document without activating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}

			summary := policySummary{
				File:          args[0],
				Version:       rs.Version,
				Checksum:      rs.Checksum,
				DefaultEffect: string(rs.DefaultEffect),
				Rules:         len(rs.Rules),
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), summary)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy %s is valid\n", summary.File)
			fmt.Fprintf(out, "  Version:        %s\n", summary.Version)
			fmt.Fprintf(out, "  Checksum:       %s\n", summary.Checksum)
			fmt.Fprintf(out, "  Default effect: %s\n", summary.DefaultEffect)
			fmt.Fprintf(out, "  Rules:          %d\n", summary.Rules)
			return nil
		},
	})
	return cmd
}
