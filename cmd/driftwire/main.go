package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"driftwire/internal/cache"
	"driftwire/internal/config"
	"driftwire/internal/dedupe"
	"driftwire/internal/jobs"
	"driftwire/internal/logging"
	"driftwire/internal/ratelimit"
	"driftwire/internal/store"
	"driftwire/internal/theme"
	"driftwire/internal/xclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "driftwire",
		Short:         "Local-first sync and cache for social interaction events",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			theme.FprintBanner(cmd.OutOrStdout())
			_ = cmd.Help()
		},
	}
	root.PersistentFlags().String("config", "./driftwire.yaml", "config path")
	root.AddCommand(
		newInitCmd(),
		newSyncCmd(),
		newLoopCmd(),
		newEventsCmd(),
		newUnreadCmd(),
		newReadCmd(),
		newGroupedCmd(),
		newStatsCmd(),
		newMigrateCmd(),
		newServeCmd(),
		newClearCmd(),
	)
	return root
}

// app is the composition root shared by every command.
type app struct {
	cfg    config.Config
	db     *store.DB
	cache  *cache.Cache
	group  *dedupe.Group
	engine *jobs.Engine
	logs   io.Closer
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		cfg.ResolveEnv()
		err = nil
	}
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// openApp wires config, logging, storage, the remote client and the engine.
// The legacy cache is imported on every open; it is a no-op once done.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	a.logs = logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	a.db, err = store.Open(cfg.Storage.DBPath)
	if err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	if n, err := a.db.MigrateLegacy(cmd.Context(), cfg.Storage.LegacyPath); err != nil {
		logging.Warn("legacy_migration_failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		logging.Info("legacy_migrated", map[string]any{"events": n})
	}
	a.cache = cache.New(a.db)
	a.group = dedupe.New()

	if cfg.Credentials.AccessToken == "" {
		logging.Warn("missing_access_token", map[string]any{"hint": "set DRIFTWIRE_ACCESS_TOKEN; notification calls will fail"})
	}
	client := xclient.NewHTTPClient(cfg.Remote.BaseURL, cfg.Credentials.AccessToken).
		WithRetry(cfg.Remote.MaxAttempts, time.Duration(cfg.Remote.BaseBackoffMs)*time.Millisecond).
		WithPageSize(cfg.Sync.PageSize)
	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.Limits{
		ratelimit.Profile:     {RPS: cfg.Remote.Profile.RPS, Burst: cfg.Remote.Profile.Burst},
		ratelimit.Feed:        {RPS: cfg.Remote.Feed.RPS, Burst: cfg.Remote.Feed.Burst},
		ratelimit.Interaction: {RPS: cfg.Remote.Interaction.RPS, Burst: cfg.Remote.Interaction.Burst},
	})
	a.engine = jobs.New(a.db, a.cache, client, limiter, a.group, jobs.SettingsFromConfig(cfg.Sync))
	return a, nil
}

func (a *app) Close() {
	_ = a.db.Close()
	_ = a.logs.Close()
}

func (a *app) identity(cmd *cobra.Command) (string, error) {
	id, _ := cmd.Flags().GetString("identity")
	if id == "" {
		id = a.cfg.Account.Identity
	}
	if id == "" {
		return "", errors.New("no identity: set account.identity or pass --identity")
	}
	return id, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
