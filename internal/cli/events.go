package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factoryctl/internal/analytics"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the event journal",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled status events for a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		taskID, _ := cmd.Flags().GetString("task")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		journal, cleanup, err := a.openJournal(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := journal.ListEvents(ctx, taskID, limit)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			for _, e := range events {
				fmt.Fprintln(cmd.OutOrStdout(), string(e.Raw))
			}
			return nil
		}
		if len(events) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No events for task %s.\n", taskID)
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-20s %-14s %-12s %-10s %-5s %s\n", "RECEIVED", "TYPE", "STATUS", "STAGE", "PCT", "MESSAGE")
		for _, e := range events {
			pct := "-"
			if e.Progress != nil {
				pct = fmt.Sprintf("%d", *e.Progress)
			}
			fmt.Fprintf(w, "%-20s %-14s %-12s %-10s %-5s %s\n",
				e.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
				e.Type, dash(e.Status), dash(e.CurrentStage), pct, e.Message)
		}
		return nil
	},
}

var eventsSubmissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "List journaled submissions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		journal, cleanup, err := a.openJournal(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		subs, err := journal.ListSubmissions(ctx, limit)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, _ := json.MarshalIndent(subs, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(subs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No submissions found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-20s %-8s %-8s %-24s %s\n", "SUBMITTED", "TASK", "PIPELINE", "NAME", "STAGES")
		for _, s := range subs {
			fmt.Fprintf(w, "%-20s %-8s %-8s %-24s %s\n",
				s.SubmittedAt.Local().Format("2006-01-02 15:04:05"),
				s.TaskID, dash(s.PipelineID), s.Name, strings.Join(s.Stages, ","))
		}
		return nil
	},
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stage durations and task outcomes from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		window, _ := cmd.Flags().GetDuration("since")

		ctx := cmd.Context()
		journal, cleanup, err := a.openJournal(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := journal.EventsSince(ctx, time.Now().Add(-window))
		if err != nil {
			return err
		}
		durations := analytics.StageDurations(events)
		outcomes := analytics.TaskOutcomes(events)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(map[string]any{
				"stage_durations": durations,
				"outcomes":        outcomes,
			}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Tasks: %d  completed: %d  failed: %d  cancelled: %d  running: %d  success: %.1f%%\n\n",
			outcomes.Tasks, outcomes.Completed, outcomes.Failed, outcomes.Cancelled, outcomes.Running, outcomes.Success)
		if len(durations) == 0 {
			fmt.Fprintln(w, "No completed stages in this window.")
			return nil
		}
		fmt.Fprintf(w, "%-12s %-6s %-8s %-8s %s\n", "STAGE", "COUNT", "AVG(m)", "P50(m)", "P95(m)")
		for _, d := range durations {
			fmt.Fprintf(w, "%-12s %-6d %-8.1f %-8.1f %.1f\n", d.Stage, d.Count, d.Avg, d.P50, d.P95)
		}
		return nil
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	eventsListCmd.Flags().String("task", "", "Task ID")
	eventsListCmd.Flags().Int("limit", 100, "Maximum number of events")
	eventsListCmd.Flags().Bool("json", false, "Print raw JSON frames")
	eventsListCmd.MarkFlagRequired("task")

	eventsSubmissionsCmd.Flags().Int("limit", 20, "Maximum number of submissions")
	eventsSubmissionsCmd.Flags().Bool("json", false, "Print as JSON")

	eventsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "Only consider events from this far back")
	eventsStatsCmd.Flags().String("format", "text", "Output format: text or json")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsSubmissionsCmd)
	eventsCmd.AddCommand(eventsStatsCmd)
}
