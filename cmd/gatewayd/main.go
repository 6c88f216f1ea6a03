package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustamtm/termgw/internal/auditlog"
	"github.com/rustamtm/termgw/internal/gateway"
	"github.com/rustamtm/termgw/internal/gwauth"
	"github.com/rustamtm/termgw/internal/gwconfig"
	"github.com/rustamtm/termgw/internal/logger"
	"github.com/rustamtm/termgw/internal/session"
	"github.com/rustamtm/termgw/internal/sessionmgr"
	"github.com/rustamtm/termgw/internal/shaper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Remote terminal gateway: PTY sessions over HTTP + WebSocket",
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var logLevel string
	var logFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := gwconfig.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			tunablesPath := os.Getenv("GW_TUNABLES_FILE")
			watcher, err := gwconfig.WatchFile(tunablesPath, cfg.Tunables)
			if err != nil {
				return fmt.Errorf("watch tunables: %w", err)
			}
			defer watcher.Close()

			auth, err := gwauth.New(cfg)
			if err != nil {
				return fmt.Errorf("init auth: %w", err)
			}

			audit, err := auditlog.Open(cfg.AuditLogPath)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			defer audit.Close()

			policy := sessionmgr.Policy{
				ModeEnabled:            cfg.ModeEnabledFunc(),
				SessionConfigFunc:      func() session.Config { return sessionConfigFromTunables(watcher) },
				MaxSessionsPerUserFunc: func() int { return watcher.Current().MaxSessionsPerUser },
				TmuxPrefix:             cfg.TmuxPrefix,
				TmuxScope:              cfg.TmuxScope,
				TmuxMouse:              cfg.TmuxMouseMode,
			}
			mgr := sessionmgr.New(policy)

			srv := gateway.New(cfg, auth, mgr, audit)

			httpSrv := &http.Server{
				Addr:    cfg.Addr(),
				Handler: srv.Handler(),
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Log.Info("gatewayd listening", "addr", cfg.Addr(), "authMode", cfg.AuthMode)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Log.Info("gatewayd shutting down")
				shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shCtx)
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "additional log file path (stdout is always written)")

	return cmd
}

// sessionConfigFromTunables builds the session.Config each new Session is
// created with, reading the current hot-reloadable values from watcher at
// call time (not retained — a session's own config is fixed at creation).
func sessionConfigFromTunables(watcher *gwconfig.Watcher) session.Config {
	t := watcher.Current()
	base := session.DefaultConfig()
	base.DetachGrace = time.Duration(t.DetachGraceMs) * time.Millisecond
	base.IdleTimeout = time.Duration(t.IdleTimeoutMs) * time.Millisecond
	if len(t.PromptPatterns) > 0 {
		base.Shaper.PromptPatterns = t.PromptPatterns
	}
	base.Shaper = shaperConfigOrDefault(base.Shaper)
	return base
}

func shaperConfigOrDefault(c shaper.Config) shaper.Config {
	if c.QuietFlush == 0 {
		c.QuietFlush = shaper.DefaultConfig().QuietFlush
	}
	if c.MaxLinesFlush == 0 {
		c.MaxLinesFlush = shaper.DefaultConfig().MaxLinesFlush
	}
	return c
}
