package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"github.com/gosuda/tandem/internal/agent"
	"github.com/gosuda/tandem/internal/agent/backends"
	"github.com/gosuda/tandem/internal/api/ws"
	"github.com/gosuda/tandem/internal/arbiter"
	"github.com/gosuda/tandem/internal/bus"
	"github.com/gosuda/tandem/internal/config"
	"github.com/gosuda/tandem/internal/domain"
	"github.com/gosuda/tandem/internal/extract"
	"github.com/gosuda/tandem/internal/notify"
	"github.com/gosuda/tandem/internal/server"
	"github.com/gosuda/tandem/internal/session"
	"github.com/gosuda/tandem/internal/store/postgres"
	redisstore "github.com/gosuda/tandem/internal/store/redis"
	"github.com/gosuda/tandem/internal/store/sqlite"
	"github.com/gosuda/tandem/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var yolo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("yolo") {
				cfg.Arbiter.Yolo = yolo
			}
			setupLogging(cfg.Log)

			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&yolo, "yolo", false, "auto-accept every proposed edit (overrides TANDEM_YOLO)")
	return cmd
}

const dockerPingTimeout = 5 * time.Second

// closer collects cleanup functions and runs them in reverse order.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cleanup closer
	defer cleanup.run()

	// Event bus, mirrored to Redis when configured.
	var (
		busOpts []bus.Option
		pubsub  *redisstore.PubSub
	)
	if cfg.Redis.Addr != "" {
		var err error
		pubsub, err = redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = pubsub.Close() })
		busOpts = append(busOpts, bus.WithMirror(pubsub), bus.WithMirrorRetry(cfg.Redis.RetryInterval))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("mirroring events to redis")
	}
	events := bus.New(cfg.Bus.BufferSize, busOpts...)
	cleanup.add(events.Close)

	backend, err := newBackend(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	files, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return err
	}

	audit, err := newAuditRepository(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	arbOpts := []arbiter.Option{arbiter.WithNotifier(newNotifier(cfg.Slack))}
	if audit != nil {
		arbOpts = append(arbOpts, arbiter.WithAuditRepository(audit))
	}
	arb := arbiter.New(files, arbOpts...)
	if err := arb.LoadAudit(ctx); err != nil {
		return err
	}
	arb.SetYoloMode(cfg.Arbiter.Yolo)

	watcher := extract.NewWatcher(events, arb, files)

	sessions := session.NewRegistry(backend, events,
		session.WithCreateHook(func(_ context.Context, s *domain.Session) {
			// The watcher outlives the request that created the session.
			watcher.Watch(ctx, s.ID, s.WorkingDir)
		}),
		session.WithTerminateHook(func(_ context.Context, sessionID string) {
			watcher.Unwatch(sessionID)
			if n := arb.ClearSession(sessionID); n > 0 {
				log.Info().Str("session_id", sessionID).Int("dropped", n).Msg("dropped pending edits of terminated session")
			}
		}),
	)

	var source ws.Source = ws.NewBusSource(events)
	srv := server.New(ctx, cfg, sessions, arb, source, server.WithDegradedCheck(events.Degraded))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("backend", cfg.Agent.Backend).
		Str("audit_store", cfg.Audit.Store).
		Bool("yolo", arb.YoloMode()).
		Str("version", version).
		Msg("tandem started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	sessions.TerminateAll(shutdownCtx)
	if err := backend.Dispose(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispose backend: %w", err))
	}
	arb.Wait()
	watcher.Close()

	log.Info().Msg("stopped")
	return errors.Join(errs...)
}

func newBackend(ctx context.Context, cfg *config.Config, cleanup *closer) (agent.Backend, error) {
	registry := agent.NewRegistry()
	backends.Register(registry)

	opts := agent.Options{
		Binary: cfg.Agent.Binary,
		Image:  cfg.Docker.Image,
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		opts.Environment = map[string]string{"ANTHROPIC_API_KEY": key}
	}

	if cfg.Agent.Backend == backends.NameDocker {
		runtime, err := agent.NewDockerRuntime(cfg.Docker.Host, cfg.Docker.Image, cfg.Docker.CPULimit, cfg.Docker.MemLimit)
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		cleanup.add(func() { _ = runtime.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, dockerPingTimeout)
		err = runtime.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		opts.Runtime = runtime
	}

	backend, err := registry.Create(cfg.Agent.Backend, opts)
	if err != nil {
		return nil, fmt.Errorf("%w (available: %v)", err, registry.Available())
	}
	return backend, nil
}

// newAuditRepository returns nil for the in-memory store.
func newAuditRepository(ctx context.Context, cfg *config.Config, cleanup *closer) (domain.AuditRepository, error) {
	switch cfg.Audit.Store {
	case config.AuditStoreSQLite:
		repo, err := sqlite.Open(ctx, cfg.Audit.SQLitePath)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = repo.Close() })
		return repo, nil

	case config.AuditStorePostgres:
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, err
		}
		cleanup.add(store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store.Audit(), nil

	default:
		return nil, nil
	}
}

func newNotifier(cfg config.SlackConfig) *notify.Notifier {
	channels := notify.NewRegistry()
	channels.Register("log", notify.LogChannel{})

	if cfg.WebhookURL != "" {
		channels.Register("slack-webhook", notify.NewSlackWebhook(cfg.WebhookURL))
	}
	if cfg.BotToken != "" && cfg.Channel != "" {
		channels.Register("slack", notify.NewSlackChannel(slacklib.New(cfg.BotToken), cfg.Channel))
	}

	return notify.New(channels)
}
