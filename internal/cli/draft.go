package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factoryctl/internal/api"
	"github.com/lucasnoah/factoryctl/internal/db"
	"github.com/lucasnoah/factoryctl/internal/pipeline"
	"github.com/lucasnoah/factoryctl/internal/stage"
)

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Create and edit local pipeline drafts",
}

var draftNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create an empty draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("description")
		d, err := a.store.Create(args[0], desc)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created draft %q (%s)\n", d.Name, d.ID)
		return nil
	},
}

var draftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		drafts, err := a.store.List(status)
		if err != nil {
			return fmt.Errorf("list drafts: %w", err)
		}

		if len(drafts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No drafts found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-8s %-24s %-10s %-8s %-40s %s\n", "ID", "NAME", "STATUS", "TASK", "STAGES", "UPDATED")
		fmt.Fprintf(w, "%-8s %-24s %-10s %-8s %-40s %s\n",
			strings.Repeat("-", 8),
			strings.Repeat("-", 24),
			strings.Repeat("-", 10),
			strings.Repeat("-", 8),
			strings.Repeat("-", 40),
			strings.Repeat("-", 7))
		for _, d := range drafts {
			stages := strings.Join(d.Enabled, ",")
			if stages == "" {
				stages = "-"
			}
			task := d.TaskID
			if task == "" {
				task = "-"
			}
			fmt.Fprintf(w, "%-8s %-24s %-10s %-8s %-40s %s\n",
				shortID(d.ID), d.Name, d.Status, task, stages, d.UpdatedAt)
		}
		return nil
	},
}

var draftShowCmd = &cobra.Command{
	Use:   "show <draft>",
	Short: "Show a draft's stages and configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(d, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Draft:    %s (%s)\n", d.Name, d.ID)
		if d.Description != "" {
			fmt.Fprintf(w, "About:    %s\n", d.Description)
		}
		fmt.Fprintf(w, "Status:   %s\n", d.Status)
		if last, ok := d.LastSubmission(); ok {
			fmt.Fprintf(w, "Last run: task %s, pipeline %s at %s\n", last.TaskID, last.PipelineID, last.SubmittedAt)
		}
		fmt.Fprintf(w, "Updated:  %s\n\n", d.UpdatedAt)

		fmt.Fprintf(w, "%-12s %-8s %-11s %s\n", "STAGE", "ENABLED", "CONFIGURED", "CONFIG")
		for _, s := range e.Stages() {
			enabled := "no"
			switch {
			case e.IsEnabled(s.ID):
				enabled = "yes"
			case e.CanEnable(s.ID):
				enabled = "next"
			}
			configured := "no"
			if e.IsConfigured(s.ID) {
				configured = "yes"
			}
			fmt.Fprintf(w, "%-12s %-8s %-11s %s\n", s.ID, enabled, configured, formatConfig(e.Config(s.ID)))
		}

		if e.IsReadyToSubmit() {
			fmt.Fprintln(w, "\nReady to submit.")
			return nil
		}
		printProblems(w, e.Validate())
		return nil
	},
}

var draftEnableCmd = &cobra.Command{
	Use:   "enable <draft> <stage>...",
	Short: "Enable stages in sequence order",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0])
		if err != nil {
			return err
		}
		for _, id := range args[1:] {
			r := e.SetEnabled(id, true)
			if !r.OK {
				return fmt.Errorf("cannot enable %s: %w", id, r.Err())
			}
			if len(r.Changed) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already enabled\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Enabled %s\n", id)
			}
		}
		if _, err := a.store.Save(d.ID, e); err != nil {
			return err
		}
		return nil
	},
}

var draftDisableCmd = &cobra.Command{
	Use:   "disable <draft> <stage>",
	Short: "Disable a stage (and, by default, every stage after it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		policyName, _ := cmd.Flags().GetString("policy")
		policy, err := parsePolicy(policyName)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0], stage.WithDisablePolicy(policy))
		if err != nil {
			return err
		}
		r := e.SetEnabled(args[1], false)
		if !r.OK {
			return fmt.Errorf("cannot disable %s: %w", args[1], r.Err())
		}
		if len(r.Changed) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already disabled\n", args[1])
			return nil
		}
		if _, err := a.store.Save(d.ID, e); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disabled %s\n", strings.Join(r.Changed, ", "))
		return nil
	},
}

var draftSetCmd = &cobra.Command{
	Use:   "set <draft> <stage> [key=value]...",
	Short: "Set or unset configuration fields of a stage",
	Long: `Set configuration fields of a stage. Values are parsed using the field's
kind: integers, booleans (true/false), or comma separated lists.

  factoryctl draft set my-draft scribe requirement_text="Add SSO login"
  factoryctl draft set my-draft architect tech_stack=go,postgres granularity=4
  factoryctl draft set my-draft forge --unset repo_path`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0])
		if err != nil {
			return err
		}
		s, ok := e.Stage(args[1])
		if !ok {
			return fmt.Errorf("%w %q", stage.ErrUnknownStage, args[1])
		}
		unset, _ := cmd.Flags().GetStringSlice("unset")
		if len(args) == 2 && len(unset) == 0 {
			return fmt.Errorf("nothing to set: pass key=value pairs or --unset")
		}

		partial, err := parseAssignments(s, args[2:])
		if err != nil {
			return err
		}
		for _, k := range unset {
			if _, ok := s.Field(k); !ok {
				return unknownFieldError(s, k)
			}
			partial[k] = nil
		}
		if err := e.SetConfig(s.ID, partial); err != nil {
			return err
		}
		if _, err := a.store.Save(d.ID, e); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", s.ID, formatConfig(e.Config(s.ID)))
		if !e.IsEnabled(s.ID) {
			fmt.Fprintf(cmd.OutOrStdout(), "note: %s is not enabled\n", s.ID)
		}
		return nil
	},
}

var draftEstimateCmd = &cobra.Command{
	Use:   "estimate <draft>",
	Short: "Estimate tokens and cost for the enabled stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()

		remote, _ := cmd.Flags().GetBool("remote")
		if remote {
			last, ok := d.LastSubmission()
			if !ok || last.PipelineID == "" {
				return fmt.Errorf("draft %s has not been submitted", d.Name)
			}
			est, err := a.apiClient().EstimatePipeline(cmd.Context(), api.ID(last.PipelineID))
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Pipeline %s (%s)\n", est.PipelineID, est.PipelineName)
			ids := make([]string, 0, len(est.Estimates))
			for id := range est.Estimates {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(w, "  %-12s %8d tokens  $%.4f\n", id, est.Estimates[id].EstimatedTokens, est.Estimates[id].EstimatedCost)
			}
			fmt.Fprintf(w, "  %-12s %8d tokens  $%.4f\n", "total", est.TotalTokens, est.TotalCost)
			return nil
		}

		est := e.Estimate()
		if len(est.PerStage) == 0 {
			fmt.Fprintln(w, "No stages enabled.")
			return nil
		}
		for _, se := range est.PerStage {
			fmt.Fprintf(w, "  %-12s %8d tokens  $%.4f\n", se.Stage, se.Tokens, se.Cost)
		}
		fmt.Fprintf(w, "  %-12s %8d tokens  $%.4f\n", "total", est.TotalTokens, est.TotalCost)
		return nil
	},
}

var draftPayloadCmd = &cobra.Command{
	Use:   "payload <draft>",
	Short: "Print the submission payload the draft would send",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0])
		if err != nil {
			return err
		}
		p := e.BuildPayload(d.Name, d.Description)
		if err := p.Validate(); err != nil {
			a.logger.Warn("payload would be rejected", "draft", d.Name, "error", err)
		}
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var draftResetCmd = &cobra.Command{
	Use:   "reset <draft>",
	Short: "Disable every stage and clear all configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0])
		if err != nil {
			return err
		}
		e.Reset()
		if _, err := a.store.Save(d.ID, e); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset draft %q\n", d.Name)
		return nil
	},
}

var draftDeleteCmd = &cobra.Command{
	Use:   "delete <draft>",
	Short: "Delete a draft and its submission records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, err := a.store.Resolve(args[0])
		if err != nil {
			return err
		}
		if err := a.store.Delete(d.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted draft %q\n", d.Name)
		return nil
	},
}

var draftSubmitCmd = &cobra.Command{
	Use:   "submit <draft>",
	Short: "Submit the draft as a new pipeline and start a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, e, err := a.draftEngine(args[0])
		if err != nil {
			return err
		}
		if problems := e.Validate(); len(problems) > 0 {
			printProblems(cmd.OutOrStdout(), problems)
			return fmt.Errorf("draft %s is not ready to submit", d.Name)
		}

		ctx := cmd.Context()
		payload := e.BuildPayload(d.Name, d.Description)
		sub, err := a.apiClient().Submit(ctx, payload)
		if err != nil {
			return err
		}
		taskID, pipelineID := string(sub.Task.ID), string(sub.Pipeline.ID)
		if _, err := a.store.RecordSubmission(d.ID, payload, taskID, pipelineID); err != nil {
			return fmt.Errorf("task %s started but the draft was not updated: %w", taskID, err)
		}
		a.journalSubmission(cmd, d, payload, taskID, pipelineID)

		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %q: pipeline %s, task %s (%s)\n",
			d.Name, pipelineID, taskID, sub.Task.Status)
		if sub.Task.EstimatedTokens > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Estimated %d tokens, $%.4f\n", sub.Task.EstimatedTokens, sub.Task.EstimatedCost)
		}

		if watch, _ := cmd.Flags().GetBool("watch"); !watch {
			return nil
		}
		flags := watchFlagsFrom(cmd)
		flags.taskID = taskID
		flags.untilDone = true
		return runWatch(cmd, a, flags)
	},
}

// journalSubmission records the submission when a journal is configured.
// Failures are logged; the task is already running.
func (a *app) journalSubmission(cmd *cobra.Command, d *pipeline.Draft, payload stage.SubmissionPayload, taskID, pipelineID string) {
	if a.cfg.Journal.DatabaseURL == "" {
		return
	}
	ctx := cmd.Context()
	journal, cleanup, err := a.openJournal(ctx)
	if err != nil {
		a.logger.Warn("journal unavailable", "error", err)
		return
	}
	defer cleanup()

	data, err := json.Marshal(payload)
	if err != nil {
		a.logger.Warn("marshal payload for journal", "error", err)
		return
	}
	err = journal.RecordSubmission(ctx, db.Submission{
		TaskID:     taskID,
		PipelineID: pipelineID,
		DraftID:    d.ID,
		Name:       d.Name,
		Stages:     payload.EnabledStages(),
		Payload:    data,
	})
	if err != nil {
		a.logger.Warn("journal submission failed", "task_id", taskID, "error", err)
	}
}

func parsePolicy(name string) (stage.DisablePolicy, error) {
	switch name {
	case "", stage.CascadeForward.String():
		return stage.CascadeForward, nil
	case stage.RejectDownstream.String():
		return stage.RejectDownstream, nil
	}
	return 0, fmt.Errorf("unknown disable policy %q (want cascade or reject)", name)
}

func parseAssignments(s stage.Stage, pairs []string) (stage.Config, error) {
	out := stage.Config{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: expected key=value", pair)
		}
		f, ok := s.Field(key)
		if !ok {
			return nil, unknownFieldError(s, key)
		}
		v, err := stage.ParseValue(f, raw)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func unknownFieldError(s stage.Stage, key string) error {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return fmt.Errorf("stage %s has no field %q (fields: %s)", s.ID, key, strings.Join(names, ", "))
}

func formatConfig(cfg stage.Config) string {
	if len(cfg) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(cfg[k])
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, " ")
}

func printProblems(w io.Writer, problems []stage.ValidationError) {
	if len(problems) == 0 {
		return
	}
	fmt.Fprintln(w, "\nNot ready to submit:")
	for _, p := range problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	draftNewCmd.Flags().String("description", "", "Pipeline description")
	draftListCmd.Flags().String("status", "", "Filter by status (draft, submitted)")
	draftShowCmd.Flags().String("format", "text", "Output format: text or json")
	draftDisableCmd.Flags().String("policy", "cascade", "Disable policy: cascade (also disable later stages) or reject")
	draftSetCmd.Flags().StringSlice("unset", nil, "Fields to remove from the stage configuration")
	draftEstimateCmd.Flags().Bool("remote", false, "Ask the service for the last submitted pipeline's estimate")
	draftSubmitCmd.Flags().Bool("watch", false, "Follow the task until it finishes")
	addWatchFlags(draftSubmitCmd)

	draftCmd.AddCommand(draftNewCmd)
	draftCmd.AddCommand(draftListCmd)
	draftCmd.AddCommand(draftShowCmd)
	draftCmd.AddCommand(draftEnableCmd)
	draftCmd.AddCommand(draftDisableCmd)
	draftCmd.AddCommand(draftSetCmd)
	draftCmd.AddCommand(draftEstimateCmd)
	draftCmd.AddCommand(draftPayloadCmd)
	draftCmd.AddCommand(draftResetCmd)
	draftCmd.AddCommand(draftDeleteCmd)
	draftCmd.AddCommand(draftSubmitCmd)
}
