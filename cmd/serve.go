package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orchestra/host/internal/auth"
	"github.com/orchestra/host/internal/config"
	"github.com/orchestra/host/internal/logger"
	"github.com/orchestra/host/internal/pty"
	"github.com/orchestra/host/internal/server"
	"github.com/orchestra/host/internal/storage"
)

// shutdownTimeout bounds the HTTP shutdown on exit.
const shutdownTimeout = 5 * time.Second

// serveFlags override config file values when set.
type serveFlags struct {
	addr        string
	dbPath      string
	shell       string
	logLevel    string
	maxSessions int
	requireAuth bool
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.addr, "addr", config.DefaultAddr, "address to listen on")
	f.StringVar(&flags.dbPath, "db", "", "SQLite database path")
	f.StringVar(&flags.shell, "shell", "", "shell to run in each worktree (default $SHELL)")
	f.StringVar(&flags.logLevel, "log-level", config.DefaultLogLevel, "debug, info, warn or error")
	f.IntVar(&flags.maxSessions, "max-sessions", config.DefaultMaxSessions, "maximum live sessions")
	f.BoolVar(&flags.requireAuth, "require-auth", false, "require a token on every connection")
	return cmd
}

// apply copies explicitly set flags over cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("db") {
		cfg.DBPath = f.dbPath
	}
	if changed("shell") {
		cfg.Shell = f.shell
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("max-sessions") {
		cfg.MaxSessions = f.maxSessions
	}
	if changed("require-auth") {
		cfg.RequireAuth = f.requireAuth
	}
}

// runServe wires storage, the registry and the WebSocket server, then
// blocks until ctx is cancelled. Every session is closed on the way out.
func runServe(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	log, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// Sessions still marked active belong to a previous host process.
	if n, err := store.MarkInterrupted(time.Now()); err != nil {
		log.Warn("failed to mark stale sessions", zap.Error(err))
	} else if n > 0 {
		log.Info("marked stale sessions interrupted", zap.Int("count", n))
	}

	spawner := pty.ShellSpawner{Shell: cfg.Shell}
	registry := pty.NewRegistry(pty.Options{
		Spawner:          spawner,
		MaxSessions:      cfg.MaxSessions,
		HistoryBytes:     cfg.HistoryBytes,
		HistoryTrimBytes: cfg.HistoryTrimBytes,
		DedupWindow:      cfg.DedupWindow(),
		AutoLaunch:       true,
		LaunchCommand:    cfg.LaunchCommand,
		LaunchDelay:      cfg.LaunchDelay(),
		Recorder:         storage.NewSessionRecorder(store, spawner.ResolveShell()),
		Logger:           log,
	})

	srvOpts := server.Options{
		Addr:        cfg.Addr,
		Registry:    registry,
		RequireAuth: cfg.RequireAuth,
		InputRate:   cfg.InputRate,
		InputBurst:  cfg.InputBurst,
		Logger:      log,
	}
	if cfg.RequireAuth {
		srvOpts.TokenValidator = tokenValidator(auth.NewManager(store, log))
	}
	srv := server.New(srvOpts)

	if err := <-srv.StartAsync(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "orchestra host listening on %s\n", srv.Addr())
	if cfg.RequireAuth {
		fmt.Fprintln(stdout, "Authentication required. Issue a token with: orchestra token new <name>")
	}

	<-ctx.Done()
	log.Info("shutting down", zap.Int("sessions", registry.Count()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("server shutdown incomplete", zap.Error(err))
	}
	registry.CloseAll()
	return nil
}

// tokenValidator adapts the token manager to the server's callback.
func tokenValidator(m *auth.Manager) server.TokenValidator {
	return func(raw string) (string, error) {
		tok, err := m.Validate(raw)
		if err != nil {
			return "", err
		}
		return tok.ID, nil
	}
}
