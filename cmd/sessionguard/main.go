// sessionguard scores authenticated web sessions for automated behavior
// and blocks sessions and accounts that look like bots.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessionguard/internal/api"
	"sessionguard/internal/audit"
	"sessionguard/internal/classifier"
	"sessionguard/internal/config"
	"sessionguard/internal/engine"
	"sessionguard/internal/ingest"
	"sessionguard/internal/locking"
	"sessionguard/internal/logging"
	"sessionguard/internal/metrics"
	"sessionguard/internal/model"
	"sessionguard/internal/storage"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "sessionguard.yaml", "path to YAML or JSON config")
	reloadEvery := flag.Duration("reload-interval", 3*time.Second, "config file poll interval")
	flag.Parse()

	mgr, err := loadConfig(config.ResolvePath(*configPath))
	if err != nil {
		logging.NewLogger("error").Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting sessionguard", "version", Version, "config_path", mgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mgr, logger, *reloadEvery); err != nil {
		logger.Error("sessionguard stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("sessionguard stopped")
}

// loadConfig falls back to defaults when the file does not exist.
func loadConfig(path string) (*config.Manager, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(path)
}

func run(ctx context.Context, mgr *config.Manager, logger *slog.Logger, reloadEvery time.Duration) error {
	cfg := mgr.Get()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("store ready", "driver", cfg.Storage.Driver)

	locker, err := locking.New(cfg.Locking)
	if err != nil {
		return err
	}
	if c, ok := locker.(io.Closer); ok {
		defer c.Close()
	}

	var clf classifier.Classifier
	if cfg.Classifier.Enabled {
		clf = classifier.NewHTTPClassifier(cfg.Classifier.Endpoint, cfg.Classifier.Timeout)
		logger.Info("classifier enabled", "endpoint", cfg.Classifier.Endpoint)
	}
	scorer := classifier.NewScorer(clf, cfg.Classifier, logger)

	features := metrics.NewStore(cfg.Metrics.StoreLimit)
	auditStore := audit.NewStore(cfg.Audit.StoreLimit)
	eng := engine.NewEngine(cfg, logger, store, locker, scorer, features, auditStore)

	events := make(chan model.RequestEvent, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, events)

	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, eng, events, logger)
	ingest.StartKafka(ctx, mgr, parser, events, logger)
	ingest.StartFileTail(ctx, mgr, events, logger)
	api.Start(ctx, mgr, api.Deps{
		Store:      store,
		Features:   features,
		Audit:      auditStore,
		Engine:     eng,
		Classifier: scorer,
	}, logger, Version)

	if mgr.Path() != "" {
		go mgr.Watch(reloadEvery, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "path", mgr.Path(), "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	// let the http servers finish their graceful shutdown
	time.Sleep(500 * time.Millisecond)
	return nil
}
