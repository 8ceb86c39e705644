// Command controlplane is the control plane's single binary: it serves
// the REST/WebSocket API, runs the periodic stale-cache sweep, and
// dispatches notification digests, grounded on the appliance daemon's
// boot sequence (config → store → workers → signal-driven shutdown).
//
// Usage:
//
//	controlplane --config /etc/controlplane/config.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ludash/controlplane/internal/config"
	"github.com/ludash/controlplane/internal/httpapi"
	"github.com/ludash/controlplane/internal/livebus"
	"github.com/ludash/controlplane/internal/metrics"
	"github.com/ludash/controlplane/internal/notify"
	"github.com/ludash/controlplane/internal/orchestrator"
	"github.com/ludash/controlplane/internal/pkgmgr"
	"github.com/ludash/controlplane/internal/scheduler"
	"github.com/ludash/controlplane/internal/sdnotify"
	"github.com/ludash/controlplane/internal/sshmgr"
	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/vault"
)

var (
	flagConfigPath    string
	flagVaultSaltPath string

	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	root := &cobra.Command{
		Use:     "controlplane",
		Short:   "Remote package-update control plane",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flagConfigPath, flagVaultSaltPath)
		},
	}
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to config YAML (optional; env overrides always apply)")
	root.Flags().StringVar(&flagVaultSaltPath, "vault-salt-path", "/var/lib/controlplane/vault.salt", "path to the vault's persisted PBKDF2 salt")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, saltPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(logLevel).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := vault.New(cfg.EncryptionKey, saltPath)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	if err := store.Migrate(cfg.DatabasePath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if v.JustRotatedSalt() {
		log.Warn().Str("salt_path", saltPath).Msg("vault minted a new salt; re-encrypting any secrets sealed under the legacy fixed salt")
		hostsMigrated, channelsMigrated, err := st.MigrateLegacySecrets(ctx, cfg.EncryptionKey, v)
		if err != nil {
			return fmt.Errorf("migrate legacy secrets: %w", err)
		}
		log.Info().Int("hosts", hostsMigrated).Int("channels", channelsMigrated).Msg("legacy secret migration complete")
	}

	if n, err := st.FailAllStarted(ctx); err != nil {
		log.Error().Err(err).Msg("failed to mark stale in-flight history rows on boot")
	} else if n > 0 {
		log.Warn().Int("rows", n).Msg("marked in-flight history rows failed after restart")
	}

	bus := livebus.New()
	registry := pkgmgr.NewRegistry()
	sshMgr := sshmgr.New(cfg.MaxConcurrentSSHSessions, time.Duration(cfg.SSHReadyTimeoutSecs)*time.Second)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.SSHReadyTimeout = time.Duration(cfg.SSHReadyTimeoutSecs) * time.Second
	orchCfg.CheckTimeout = time.Duration(cfg.DefaultCommandTimeoutSecs) * time.Second
	conn := orchestrator.NewManagerConnector(sshMgr)
	orch := orchestrator.New(st, conn, v, bus, registry, orchCfg, log.With().Str("component", "orchestrator").Logger())

	m := metrics.New()
	orch.SetMetrics(m)
	sshMgr.SetMetrics(m)

	channels := notify.NewChannels(st, v)
	digester := notify.NewDigester(st, channels, log.With().Str("component", "notify").Logger())

	schedCfg := scheduler.DefaultConfig()
	schedCfg.StaleHorizon = cfg.CacheHorizon()
	sched := scheduler.New(st, orch, digester, schedCfg, log.With().Str("component", "scheduler").Logger())

	var wg errgroup.Group
	wg.Go(func() error { return sched.Run(ctx) })

	srv := httpapi.NewServer(st, orch, bus, channels, v, cfg.TrustProxy, log.With().Str("component", "http").Logger())
	srv.SetMetricsHandler(m.Handler())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-poll/websocket routes (live tail) outlive a fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	wg.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := sdnotify.Ready(); err != nil {
		log.Warn().Err(err).Msg("sd_notify READY failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	_ = sdnotify.Stopping()

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}

	if err := wg.Wait(); err != nil {
		log.Error().Err(err).Msg("component exited with error")
	}
	return nil
}
