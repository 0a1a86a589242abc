package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factoryctl/internal/api"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work with tasks on the pipeline service",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task's status, usage and errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		t, err := a.apiClient().GetTask(cmd.Context(), api.ID(args[0]))
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(t, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Task:      %s\n", t.ID)
		fmt.Fprintf(w, "Pipeline:  %s\n", t.PipelineID)
		fmt.Fprintf(w, "Status:    %s\n", t.Status)
		if t.CurrentStage != "" {
			fmt.Fprintf(w, "Stage:     %s\n", t.CurrentStage)
		}
		fmt.Fprintf(w, "Tokens:    %d estimated, %d used\n", t.EstimatedTokens, t.ActualTokens)
		fmt.Fprintf(w, "Cost:      $%.4f estimated, $%.4f spent\n", t.EstimatedCost, t.ActualCost)
		if t.CreatedAt != "" {
			fmt.Fprintf(w, "Created:   %s\n", t.CreatedAt)
		}
		if t.CompletedAt != "" {
			fmt.Fprintf(w, "Completed: %s\n", t.CompletedAt)
		}
		if t.ErrorMessage != "" {
			fmt.Fprintf(w, "Error:     %s\n", t.ErrorMessage)
		}

		if a.cfg.Journal.DatabaseURL == "" {
			return nil
		}
		ctx := cmd.Context()
		journal, cleanup, err := a.openJournal(ctx)
		if err != nil {
			a.logger.Warn("journal unavailable", "error", err)
			return nil
		}
		defer cleanup()
		last, err := journal.LatestEvent(ctx, string(t.ID))
		if err != nil {
			return err
		}
		if last != nil {
			fmt.Fprintf(w, "Last event: %s %s at %s\n", last.Type, dash(last.Status),
				last.ReceivedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		t, err := a.apiClient().CancelTask(cmd.Context(), api.ID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s\n", t.ID, t.Status)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		client := a.apiClient()
		var tasks []api.Task
		if running, _ := cmd.Flags().GetBool("running"); running {
			tasks, err = client.RunningTasks(cmd.Context())
		} else {
			var f api.TaskFilter
			f.Status, _ = cmd.Flags().GetString("status")
			pipelineID, _ := cmd.Flags().GetString("pipeline")
			f.PipelineID = api.ID(pipelineID)
			f.Limit, _ = cmd.Flags().GetInt("limit")
			tasks, err = client.ListTasks(cmd.Context(), f)
		}
		if err != nil {
			return err
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			data, _ := json.MarshalIndent(tasks, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-8s %-8s %-17s %-10s %-8s %s\n", "TASK", "PIPELINE", "STATUS", "STAGE", "TOKENS", "CREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%-8s %-8s %-17s %-10s %-8d %s\n",
				t.ID, dash(string(t.PipelineID)), t.Status, dash(t.CurrentStage), t.ActualTokens, dash(t.CreatedAt))
		}
		return nil
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Show per-stage execution logs for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		logs, err := a.apiClient().TaskLogs(cmd.Context(), api.ID(args[0]))
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No stage logs for task %s.\n", args[0])
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-10s %-10s %-20s %-9s %-8s %s\n", "STAGE", "STATUS", "STARTED", "DURATION", "TOKENS", "ERROR")
		for _, l := range logs {
			duration := "-"
			if l.DurationSeconds != nil {
				duration = fmt.Sprintf("%.1fs", *l.DurationSeconds)
			}
			fmt.Fprintf(w, "%-10s %-10s %-20s %-9s %-8d %s\n",
				l.Stage, l.Status, dash(l.StartedAt), duration, l.InputTokens+l.OutputTokens, l.ErrorMessage)
		}
		return nil
	},
}

var taskApprovalsCmd = &cobra.Command{
	Use:   "approvals <task-id>",
	Short: "List a task's review checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		approvals, err := a.apiClient().ListApprovals(cmd.Context(), api.ID(args[0]))
		if err != nil {
			return err
		}
		if len(approvals) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No approvals for task %s.\n", args[0])
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-6s %-16s %-10s %-9s %s\n", "ID", "CHECKPOINT", "AGENT", "STATUS", "SUMMARY")
		for _, ap := range approvals {
			fmt.Fprintf(w, "%-6s %-16s %-10s %-9s %s\n", ap.ID, ap.Checkpoint, ap.AgentName, ap.Status, ap.Summary)
		}
		return nil
	},
}

// decide resolves the approval to act on: --approval when given, otherwise
// the task's newest pending approval.
func decide(cmd *cobra.Command, taskID string, approve bool) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	client := a.apiClient()
	ctx := cmd.Context()

	approvalID, _ := cmd.Flags().GetString("approval")
	if approvalID == "" {
		pending, err := client.PendingApproval(ctx, api.ID(taskID))
		if err != nil {
			return err
		}
		approvalID = string(pending.ID)
	}

	var d api.Decision
	d.UserName, _ = cmd.Flags().GetString("user")
	d.Comment, _ = cmd.Flags().GetString("comment")

	var act *api.ApprovalAction
	if approve {
		act, err = client.Approve(ctx, api.ID(approvalID), d)
	} else {
		act, err = client.Reject(ctx, api.ID(approvalID), d)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approval %s %s\n", approvalID, act.Action)
	return nil
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve the checkpoint a task is waiting on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], true)
	},
}

var taskRejectCmd = &cobra.Command{
	Use:   "reject <task-id>",
	Short: "Reject the checkpoint a task is waiting on and send feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], false)
	},
}

func init() {
	taskShowCmd.Flags().String("format", "text", "Output format: text or json")

	taskListCmd.Flags().String("status", "", "Only tasks with this status")
	taskListCmd.Flags().String("pipeline", "", "Only tasks of this pipeline")
	taskListCmd.Flags().Int("limit", 20, "Maximum number of tasks")
	taskListCmd.Flags().Bool("running", false, "Only tasks that have not finished")
	taskListCmd.Flags().String("format", "text", "Output format: text or json")

	for _, c := range []*cobra.Command{taskApproveCmd, taskRejectCmd} {
		c.Flags().String("approval", "", "Approval id (default: the task's pending approval)")
		c.Flags().String("user", "", "Name recorded with the decision")
		c.Flags().String("comment", "", "Comment for the agent")
	}
	taskRejectCmd.MarkFlagRequired("comment")

	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskLogsCmd)
	taskCmd.AddCommand(taskApprovalsCmd)
	taskCmd.AddCommand(taskApproveCmd)
	taskCmd.AddCommand(taskRejectCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
