package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tternquist/beyond-ads-blocker/internal/artifact"
	"github.com/tternquist/beyond-ads-blocker/internal/blocklist"
	"github.com/tternquist/beyond-ads-blocker/internal/config"
	"github.com/tternquist/beyond-ads-blocker/internal/control"
	"github.com/tternquist/beyond-ads-blocker/internal/entitlement"
	"github.com/tternquist/beyond-ads-blocker/internal/kvstore"
	"github.com/tternquist/beyond-ads-blocker/internal/logging"
	"github.com/tternquist/beyond-ads-blocker/internal/metrics"
	"github.com/tternquist/beyond-ads-blocker/internal/rules"
	"github.com/tternquist/beyond-ads-blocker/internal/webhook"
)

// app is the wired set of components shared by every subcommand.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	kv          kvstore.Store
	entitlement *entitlement.Static
	writer      *artifact.Writer
	store       *blocklist.Store
}

func openKV(cfg config.StorageConfig) (kvstore.Store, error) {
	switch cfg.Backend {
	case "redis":
		return kvstore.NewRedisStore(kvstore.RedisOptions{
			Address:   cfg.Redis.Address,
			DB:        cfg.Redis.DB,
			Password:  cfg.Redis.Password,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return kvstore.OpenFileStore(cfg.StateFile)
	}
}

// newApp wires storage, compiler, artifact writer and store from cfg.
// entitled overrides the configured entitlement when non-nil.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, entitled *bool) (*app, error) {
	metrics.Init()

	kv, err := openKV(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}

	isEntitled := cfg.Entitlement.Entitled != nil && *cfg.Entitlement.Entitled
	if entitled != nil {
		isEntitled = *entitled
	}
	ent := entitlement.NewStatic(isEntitled)

	bundle := rules.LoadBundle(cfg.Compiler.BundlePath, cfg.Compiler.KeywordsPath, logging.Component(logger, "rules"))
	compiler := rules.NewCompiler(bundle.Static, rules.Options{
		MaxRules:              cfg.Compiler.MaxRules,
		MaxPredefinedKeywords: cfg.Compiler.MaxPredefinedKeywords,
		MaxCustomKeywords:     cfg.Compiler.MaxCustomKeywords,
		MaxSnapshotDomains:    cfg.Compiler.MaxSnapshotDomains,
		WhitelistPolicy:       rules.WhitelistPolicy(cfg.Compiler.WhitelistPolicy),
		Logger:                logging.Component(logger, "compiler"),
	})
	writer := artifact.NewWriter(cfg.Artifact.Targets, logging.Component(logger, "artifact"))

	store, err := blocklist.NewStore(ctx, blocklist.Options{
		SourceURL:          cfg.Source.URL,
		Client:             &http.Client{Timeout: cfg.Source.Timeout.Duration},
		RefreshInterval:    cfg.Source.RefreshInterval.Duration,
		CheckInterval:      cfg.Source.CheckInterval.Duration,
		MinDomains:         cfg.Source.MinDomains,
		MaxDownloadSize:    int64(cfg.Source.MaxDownloadSize.Bytes()),
		CacheFile:          cfg.Storage.CacheFile,
		KV:                 kv,
		Entitlement:        ent,
		Compiler:           compiler,
		PredefinedKeywords: bundle.Keywords,
		Writer:             writer,
		Logger:             logging.Component(logger, "store"),
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return &app{
		cfg:         cfg,
		logger:      logger,
		kv:          kv,
		entitlement: ent,
		writer:      writer,
		store:       store,
	}, nil
}

func (a *app) Close() error {
	return a.kv.Close()
}

// serve writes the current artifact, then runs the refresh scheduler, the
// entitlement watcher, the control API and the webhook until ctx is done.
func serve(ctx context.Context, a *app) error {
	if _, err := a.store.Recompile(ctx); err != nil {
		a.logger.Error("initial compile failed", "err", err)
	}
	a.store.WatchEntitlement(ctx)
	a.store.Start(ctx)

	var notifier *webhook.Notifier
	if a.cfg.Webhooks.Enabled != nil && *a.cfg.Webhooks.Enabled {
		notifier = webhook.NewNotifier(a.cfg.Webhooks.URL, a.cfg.Webhooks.Timeout.Duration,
			a.cfg.Webhooks.MinInterval.Duration, logging.Component(a.logger, "webhook"))
		events, cancel := a.store.Subscribe()
		defer cancel()
		go notifier.Run(ctx, events)
	}

	controlServer := control.Start(control.Config{
		ControlCfg: a.cfg.Control,
		Store:      a.store,
		Logger:     logging.Component(a.logger, "control"),
	})

	a.logger.Info("blocklist service running", "source", a.cfg.Source.URL, "check_interval", a.cfg.Source.CheckInterval.Duration)
	<-ctx.Done()
	a.logger.Info("shutdown requested")

	if controlServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = controlServer.Shutdown(shutdownCtx)
	}
	notifier.Wait()
	return nil
}
