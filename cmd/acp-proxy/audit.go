package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services/audit"
)

// auditSummary reports the outcome of validating one stream file
type auditSummary struct {
	Stream string `json:"stream"`
	File   string `json:"file"`
	Valid  int    `json:"valid_records"`
	Error  string `json:"error,omitempty"`
	Line   int    `json:"line,omitempty"`
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit stream tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <stream> <file>",
		Short: "Check every record of a JSONL audit file against its stream schema",
		Long: `Check every record of a JSONL audit file against its stream schema.
Stream is one of auth, operations or config_history. Use - to read stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := models.ParseAuditStream(args[0])
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("failed to open audit file: %w", err)
				}
				defer f.Close()
				r = f
			}

			n, verr := audit.ValidateStream(stream, r)
			summary := auditSummary{
				Stream: string(stream),
				File:   args[1],
				Valid:  n,
			}
			if verr != nil {
				summary.Error = verr.Error()
				var lineErr *audit.LineError
				if errors.As(verr, &lineErr) {
					summary.Line = lineErr.Line
				}
			}

			if opts.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
			} else if verr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d valid %s records\n", summary.File, n, stream)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d valid %s records before the first failure\n", summary.File, n, stream)
			}
			return verr
		},
	})
	return cmd
}
