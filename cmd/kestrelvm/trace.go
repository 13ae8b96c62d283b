package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelos/kestrel/recording"
)

var traceCmd = &cobra.Command{
	Use:   "trace [database]",
	Short: "Print the fault trace recorded by a previous demo run.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrace,
}

func init() {
	traceCmd.Flags().Int("limit", 50, "maximum number of tasks to print")
	traceCmd.Flags().String("kind", "", "only print tasks of this kind")

	rootCmd.AddCommand(traceCmd)
}

// traceRow mirrors the rows the DB tracer writes.
type traceRow struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Where     string
	StartTime int64
	EndTime   int64
}

func runTrace(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	kind, _ := cmd.Flags().GetString("kind")

	reader := recording.NewReader(args[0])
	defer reader.Close()

	reader.MapTable("fault_trace", traceRow{})

	params := recording.QueryParams{
		Limit:   limit,
		OrderBy: "StartTime",
	}
	if kind != "" {
		params.Where = "Kind = ?"
		params.Args = []any{kind}
	}

	rows, total, err := reader.Query(
		context.Background(), "fault_trace", params)
	if err != nil {
		return err
	}

	for _, row := range rows {
		task := row.(*traceRow)
		duration := time.Duration(task.EndTime - task.StartTime)
		fmt.Printf("%-24s %-8s %-24s %-16s %s\n",
			task.ID, task.Kind, task.What, task.Where, duration)
	}
	fmt.Printf("%d of %d tasks\n", len(rows), total)

	return nil
}
