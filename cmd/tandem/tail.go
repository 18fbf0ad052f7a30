package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/gosuda/tandem/internal/api/ws"
	"github.com/gosuda/tandem/internal/config"
	redisstore "github.com/gosuda/tandem/internal/store/redis"
)

func newTailCmd() *cobra.Command {
	var (
		errorsOnly bool
		fromRedis  bool
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Print a session's events as JSON lines",
		Long: "Streams from a running server's websocket, or with --redis straight from the " +
			"Redis mirror so that no server needs to be reachable.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			if fromRedis {
				return tailRedis(ctx, cfg, args[0], errorsOnly, out)
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			return tailWebsocket(ctx, addr, args[0], errorsOnly, out)
		},
	}

	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "stream error notifications instead of events")
	cmd.Flags().BoolVar(&fromRedis, "redis", false, "read from the Redis mirror (requires TANDEM_REDIS_ADDR)")
	cmd.Flags().StringVar(&addr, "addr", "", "server address (defaults to the configured listen address)")
	return cmd
}

func tailRedis(ctx context.Context, cfg *config.Config, sessionID string, errorsOnly bool, out io.Writer) error {
	if cfg.Redis.Addr == "" {
		return errors.New("tail: --redis needs TANDEM_REDIS_ADDR")
	}

	pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	src := ws.NewRemoteSource(pubsub)
	subscribe := src.Events
	if errorsOnly {
		subscribe = src.Errors
	}

	messages, cleanup, err := subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	defer cleanup()

	for msg := range messages {
		if _, err := fmt.Fprintln(out, string(msg)); err != nil {
			return err
		}
	}
	return nil
}

func tailWebsocket(ctx context.Context, addr, sessionID string, errorsOnly bool, out io.Writer) error {
	url := "ws://" + addr + "/ws/sessions/" + sessionID
	if errorsOnly {
		url += "/errors"
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("tail: dial %s: %w", url, err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tail: read: %w", err)
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return err
		}
	}
}
