package cmd

import (
	"github.com/spf13/cobra"

	"github.com/redloop/redloop/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client inspect TDD sessions natively. Configure with:

  {
    "mcpServers": {
      "redloop": { "command": "redloop", "args": ["mcp"] }
    }
  }

Available tools: tdd_list_sessions, tdd_session_status, tdd_cycle_state,
tdd_session_history, tdd_session_rules, tdd_run_sweep`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := getStore()
		if err != nil {
			return err
		}
		eng := engineFor(st)
		srv := mcp.NewServer(st, eng.sv)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
