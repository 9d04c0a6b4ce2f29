package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/farizattamimi/PMS-sub002/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the batch scheduler and the governor evaluator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return g.withApp(ctx, func(ctx context.Context, a *app) error {
				return serve(ctx, a, g)
			})
		},
	}
}

// newHTTPServer builds the API server. Request contexts are cancelled as
// soon as Shutdown begins, so open run streams end instead of holding
// shutdown until its timeout.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

func serve(ctx context.Context, a *app, g *globalFlags) error {
	deps, err := a.apiDeps(a.cfg.Limits)
	if err != nil {
		return err
	}
	live := newLiveAPI(deps)
	srv := newHTTPServer(a.cfg.ListenAddr, live)

	sched := a.scheduler()
	if err := sched.RecoverMissed(ctx); err != nil {
		a.logger.Warn("schedule recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	if g.configPath != "" {
		var mu sync.Mutex
		current := a.cfg
		w := &configWatcher{
			path:   g.configPath,
			load:   loadConfig,
			logger: a.logger,
			apply: func(next Config) {
				mu.Lock()
				defer mu.Unlock()
				d := diffConfigs(current, next)
				if d.LogLevelChanged && g.logLevel == "" {
					a.level.Set(logging.ParseLevel(next.LogLevel))
					a.logger.Info("log level changed", slog.String("level", next.LogLevel))
				}
				if d.LimitsChanged && live.SetLimits(next.Limits) {
					a.logger.Info("rate limits reloaded")
				}
				if len(d.RestartNeeded) > 0 {
					a.logger.Warn("config changes need a restart to take effect", slog.Any("fields", d.RestartNeeded))
				}
				current = next
			},
		}
		go func() {
			if err := w.run(ctx); err != nil {
				a.logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("autopilot listening",
			slog.String("addr", a.cfg.ListenAddr), slog.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
