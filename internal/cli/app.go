package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factoryctl/internal/api"
	"github.com/lucasnoah/factoryctl/internal/channel"
	"github.com/lucasnoah/factoryctl/internal/config"
	"github.com/lucasnoah/factoryctl/internal/db"
	"github.com/lucasnoah/factoryctl/internal/pipeline"
	"github.com/lucasnoah/factoryctl/internal/stage"
)

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

func loadCatalog(cfg *config.Config) ([]stage.Stage, error) {
	if cfg.Catalog == "" {
		return stage.DefaultCatalog(), nil
	}
	return stage.LoadCatalog(cfg.Catalog)
}

// app bundles the configuration and the collaborators built from it for a
// single command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stages []stage.Stage
	store  *pipeline.Store
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	stages, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: newLogger(cmd.ErrOrStderr()),
		stages: stages,
		store:  pipeline.NewStore(cfg.DraftsDir),
	}, nil
}

func (a *app) apiClient() *api.Client {
	return api.New(a.cfg.Server.APIURL,
		api.WithTimeout(a.cfg.Server.RequestTimeout),
		api.WithRetryMax(a.cfg.Server.RetryMax),
		api.WithLogger(a.logger),
	)
}

func (a *app) channelManager(opts ...channel.Option) *channel.Manager {
	ch := a.cfg.Channel
	base := []channel.Option{
		channel.WithHeartbeatInterval(ch.HeartbeatInterval),
		channel.WithLogger(a.logger),
		channel.WithErrorHandler(func(key string, err error) {
			a.logger.Debug("channel error", "key", key, "error", err)
		}),
		channel.WithStateHandler(func(key string, s channel.State) {
			a.logger.Debug("channel state", "key", key, "state", s.String())
		}),
	}
	if ch.ReconnectEnabled() {
		base = append(base, channel.WithReconnect(ch.ReconnectInterval, ch.MaxAttempts()))
	} else {
		base = append(base, channel.WithoutReconnect())
	}
	return channel.NewManager(append(base, opts...)...)
}

var errNoJournal = errors.New("no journal configured: set journal.database_url or FACTORYCTL_DATABASE_URL")

// openJournal connects to the event journal and applies migrations. The
// returned cleanup closes the pool.
func (a *app) openJournal(ctx context.Context) (*db.DB, func(), error) {
	if a.cfg.Journal.DatabaseURL == "" {
		return nil, nil, errNoJournal
	}
	d, err := db.Open(ctx, a.cfg.Journal.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return d, d.Close, nil
}

// draftEngine resolves ref and loads its stage state.
func (a *app) draftEngine(ref string, opts ...stage.Option) (*pipeline.Draft, *stage.Engine, error) {
	d, err := a.store.Resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	e, err := a.store.Engine(d, a.stages, opts...)
	if err != nil {
		return nil, nil, err
	}
	return d, e, nil
}
