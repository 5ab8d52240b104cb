package cmd

import (
	"github.com/spf13/cobra"

	"healthwatch/internal/feed"
	"healthwatch/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets a coding agent query healthwatch natively for live issues and
past diagnostic reports. Configure with:

  {
    "mcpServers": {
      "healthwatch": { "command": "healthwatch", "args": ["mcp"] }
    }
  }

Available tools: healthwatch_list_issues, healthwatch_session_status,
healthwatch_list_reports, healthwatch_get_report`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := buildFeedSource()
		if err != nil {
			return err
		}
		poller := feed.NewPoller(source, 0)
		if err := poller.Refresh(cmd.Context()); err != nil {
			return err
		}

		st, err := getStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		// No session registry over stdio; sessions live in the serve process.
		srv := mcp.NewServer(poller, nil, st)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
