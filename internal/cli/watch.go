package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/factoryctl/internal/channel"
	"github.com/lucasnoah/factoryctl/internal/relay"
	"github.com/lucasnoah/factoryctl/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Follow task status updates",
	Long: `Follow a task's status channel, the all-tasks channel (--all), or both.

Events can be filtered with an expression over type, task_id, status, stage,
progress, message, key, terminal and fields:

  factoryctl watch 42 --until-done
  factoryctl watch --all --filter 'status in ["failed", "cancelled"]'
  factoryctl watch --all --journal --forward-nats nats://localhost:4222
  factoryctl watch --all --template '{{task_id}} {{status}}{{#if stage}} at {{stage}}{{/if}}'

The filter selects what is printed and forwarded; --journal records every
event. With both a task id and --all, the task's events are taken from its
own channel only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		flags := watchFlagsFrom(cmd)
		if len(args) == 1 {
			flags.taskID = args[0]
		}
		flags.all, _ = cmd.Flags().GetBool("all")
		flags.untilDone, _ = cmd.Flags().GetBool("until-done")
		return runWatch(cmd, a, flags)
	},
}

type watchFlags struct {
	taskID      string
	all         bool
	untilDone   bool
	filter      string
	json        bool
	template    string
	journal     bool
	metricsAddr string
	natsURL     string
	natsPrefix  string
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().String("filter", "", "Only print and forward events matching this expression")
	cmd.Flags().Bool("json", false, "Print raw JSON frames")
	cmd.Flags().String("template", "", "Print each event with a line template, e.g. '{{task_id}} {{status}}{{#if stage}} at {{stage}}{{/if}}'")
	cmd.Flags().Bool("journal", false, "Record events in the Postgres journal")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().String("forward-nats", "", "Relay events to this NATS server")
	cmd.Flags().String("nats-prefix", relay.DefaultPrefix, "Subject prefix for relayed events")
}

func watchFlagsFrom(cmd *cobra.Command) watchFlags {
	var f watchFlags
	f.filter, _ = cmd.Flags().GetString("filter")
	f.json, _ = cmd.Flags().GetBool("json")
	f.template, _ = cmd.Flags().GetString("template")
	f.journal, _ = cmd.Flags().GetBool("journal")
	f.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	f.natsURL, _ = cmd.Flags().GetString("forward-nats")
	f.natsPrefix, _ = cmd.Flags().GetString("nats-prefix")
	return f
}

func runWatch(cmd *cobra.Command, a *app, f watchFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filter, err := watch.CompileFilter(f.filter)
	if err != nil {
		return err
	}
	printer := watch.NewPrinter(cmd.OutOrStdout(), f.json)
	if f.template != "" {
		if f.json {
			return fmt.Errorf("--template and --json cannot be combined")
		}
		tmpl, err := watch.ParseTemplate(f.template)
		if err != nil {
			return err
		}
		printer = watch.NewTemplatePrinter(cmd.OutOrStdout(), tmpl)
	}

	var mopts []channel.Option
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mopts = append(mopts, channel.WithMetrics(channel.NewMetrics(reg)))

		srv := &http.Server{
			Addr:              f.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", f.metricsAddr, "error", err)
			}
		}()
		defer srv.Close()
		a.logger.Info("serving metrics", "addr", f.metricsAddr)
	}

	m := a.channelManager(mopts...)
	defer m.DisconnectAll()

	opts := watch.Options{
		WSURL:     a.cfg.Server.WSURL,
		TaskID:    f.taskID,
		All:       f.all,
		Filter:    filter,
		UntilDone: f.untilDone,
		Printer:   printer,
		Logger:    a.logger,
	}
	if f.journal {
		journal, cleanup, err := a.openJournal(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		opts.Journal = journal
	}
	if f.natsURL != "" {
		r, err := relay.Connect(f.natsURL, relay.WithPrefix(f.natsPrefix), relay.WithLogger(a.logger))
		if err != nil {
			return err
		}
		defer r.Close()
		opts.Relay = r
	}

	s, err := watch.NewSession(m, opts)
	if err != nil {
		return err
	}
	err = s.Run(ctx)
	st := s.Stats()
	a.logger.Debug("watch finished",
		"received", st.Received,
		"printed", st.Printed,
		"journaled", st.Journaled,
		"relayed", st.Relayed,
		"failed", st.Failed,
		"duplicates", st.Duplicates,
	)
	return err
}

func init() {
	watchCmd.Flags().Bool("all", false, "Follow the all-tasks channel")
	watchCmd.Flags().Bool("until-done", false, "Exit when the task reaches completed, failed or cancelled")
	addWatchFlags(watchCmd)
}
