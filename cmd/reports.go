package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reportsCmd = &cobra.Command{
	Use:   "reports [id]",
	Short: "List completed diagnostic reports, or show one by id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return reportShowRun(args[0])
		}
		return reportsListRun()
	},
}

var reportsIssueKey string

func init() {
	reportsCmd.Flags().StringVar(&reportsIssueKey, "issue", "", "Filter by issue key (namespace:resourceType:name:container)")
	rootCmd.AddCommand(reportsCmd)
}

func reportsListRun() error {
	st, err := getStore()
	if err != nil {
		return err
	}

	reports, err := st.ListReports(rootCmd.Context(), reportsIssueKey)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		ui.Info("No reports")
		return nil
	}

	table := ui.Table([]string{"ID", "ISSUE", "ROOT CAUSE", "CREATED"})
	for _, r := range reports {
		cause := r.RootCause
		if len(cause) > 60 {
			cause = cause[:57] + "..."
		}
		_ = table.Append([]string{r.ID, r.IssueKey, cause, r.CreatedAt.Format("2006-01-02 15:04")})
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "\n%d report(s)\n", len(reports))
	return nil
}

func reportShowRun(id string) error {
	st, err := getStore()
	if err != nil {
		return err
	}

	r, err := st.GetReport(rootCmd.Context(), id)
	if err != nil {
		return err
	}

	ui.Info("Report %s (%s)", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(ui.Out, "\nIssue:      %s\n", r.IssueKey)
	fmt.Fprintf(ui.Out, "Issue type: %s\n", r.IssueType)
	fmt.Fprintf(ui.Out, "Root cause: %s\n", r.RootCause)
	fmt.Fprintf(ui.Out, "\nSolution:\n%s\n", r.Solution)
	return nil
}
