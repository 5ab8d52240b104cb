package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"healthwatch/internal/output"
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List currently unhealthy resources from the feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuesRun()
	},
}

func init() {
	rootCmd.AddCommand(issuesCmd)
}

func issuesRun() error {
	source, err := buildFeedSource()
	if err != nil {
		return err
	}
	issues, err := source.Snapshot(rootCmd.Context())
	if err != nil {
		return err
	}

	if len(issues) == 0 {
		ui.Info("No unhealthy resources")
		return nil
	}

	table := ui.Table([]string{"SEVERITY", "TYPE", "NAMESPACE", "RESOURCE", "CONTAINER", "UNHEALTHY FOR", "MESSAGE"})
	for _, issue := range issues {
		msg := issue.Message
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_ = table.Append([]string{
			output.SeverityColor(string(issue.Severity)),
			issue.IssueType,
			issue.Namespace,
			issue.ResourceName,
			issue.Container,
			formatTimespan(issue.UnhealthyTimespan),
			msg,
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "\n%d unhealthy resource(s)\n", len(issues))
	return nil
}

// formatTimespan renders a duration the way kubectl does: 42m, 3h12m, 2d4h.
func formatTimespan(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
