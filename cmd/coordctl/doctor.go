package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"goa.design/coordctl/internal/taskmanager"
)

func newDoctorCmd() *cobra.Command {
	var repair bool
	var taskFile string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate (and optionally repair) a task file's hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(taskFile, repair)
		},
	}
	cmd.Flags().StringVar(&taskFile, "task-file", "coordctl-tasks.json", "path to the task manager's JSON store")
	cmd.Flags().BoolVar(&repair, "repair", false, "attempt to repair detected issues")

	return cmd
}

func runDoctor(taskFile string, repair bool) error {
	mgr, err := taskmanager.New(taskFile)
	if err != nil {
		return fmt.Errorf("coordctl doctor: open task file: %w", err)
	}

	report := mgr.ValidateHierarchy()
	if report.Valid {
		fmt.Println("hierarchy OK, no issues found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tTASK ID\tDETAIL")
	for _, issue := range report.Issues {
		fmt.Fprintf(w, "%s\t%s\t%s\n", issue.Type, issue.TaskID, issue.Detail)
	}
	w.Flush()

	if !repair {
		return fmt.Errorf("coordctl doctor: %d issue(s) found, rerun with --repair to fix", report.IssueCount)
	}

	fixed, err := mgr.RepairHierarchy()
	if err != nil {
		return fmt.Errorf("coordctl doctor: repair failed: %w", err)
	}
	fmt.Printf("repaired %d issue(s)\n", fixed)
	return nil
}
