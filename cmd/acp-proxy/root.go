package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// rootOptions holds flags shared by every subcommand
type rootOptions struct {
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "acp-proxy",
		Short: "MCP access-control proxy",
		Long: `acp-proxy sits between MCP clients and a tool-serving backend. Every
JSON-RPC request is authenticated, evaluated against a policy and, when
the policy asks for it, held until a human approves it. Each decision is
recorded in append-only JSONL audit streams.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	cmd.AddCommand(
		newServeCmd(),
		newPolicyCmd(opts),
		newAuditCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

// writeJSON prints v as indented JSON
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
