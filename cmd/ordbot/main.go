package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alejandrodnm/ordbot/config"
	"github.com/alejandrodnm/ordbot/internal/adapters/feed"
	"github.com/alejandrodnm/ordbot/internal/adapters/magiceden"
	"github.com/alejandrodnm/ordbot/internal/adapters/notify"
	"github.com/alejandrodnm/ordbot/internal/adapters/storage"
	"github.com/alejandrodnm/ordbot/internal/adapters/wallet"
	"github.com/alejandrodnm/ordbot/internal/application/engine"
	"github.com/alejandrodnm/ordbot/internal/ports"
)

const statsReportInterval = time.Minute

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one bid cycle per collection and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full per-collection table (default: compact)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("ordbot starting",
		"config", *configPath,
		"collections", len(cfg.Collections),
		"rotation", cfg.Identities.RotationEnabled,
		"once", *once,
	)

	client := magiceden.NewClient(cfg.API.BaseURL, cfg.API.Key)
	signer := wallet.NewHTTPSigner(cfg.Signer.URL, time.Duration(cfg.Signer.TimeoutSeconds)*time.Second)
	checkpoint := storage.NewCheckpoint(cfg.Storage.HistoryPath, cfg.Storage.StatsPath)

	journal, err := storage.NewSQLiteJournal(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open bid journal", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer journal.Close()

	opts := engine.Options{
		Collections: cfg.DomainCollections(),
		PacerWindow: cfg.PacerWindow(),
		PacerMax:    cfg.Pacer.MaxPerWindow,
	}
	if err := buildIdentities(cfg, &opts); err != nil {
		slog.Error("failed to build identity pool", "err", err)
		os.Exit(1)
	}

	deps := engine.Deps{
		Market:   client,
		Executor: client,
		Signer:   signer,
		History:  checkpoint,
		Journal:  journal,
	}
	if !*once && cfg.Feed.URL != "" {
		symbols := make([]string, 0, len(cfg.Collections))
		for _, cc := range cfg.Collections {
			symbols = append(symbols, cc.Symbol)
		}
		deps.NewFeed = func(onMessage func([]byte)) ports.EventFeed {
			return feed.NewWorker(cfg.Feed.URL, symbols, onMessage)
		}
	}

	eng, err := engine.New(opts, deps)
	if err != nil {
		slog.Error("failed to build engine", "err", err)
		os.Exit(1)
	}

	notifier := notify.NewConsole(*table)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		if err := eng.RunOnce(ctx); err != nil {
			slog.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		notifier.Report(eng.Stats())
		return
	}

	if err := eng.Start(ctx); err != nil {
		slog.Error("engine failed to start", "err", err)
		os.Exit(1)
	}

	reportTicker := time.NewTicker(statsReportInterval)
	defer reportTicker.Stop()
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-reportTicker.C:
			notifier.Report(eng.Stats())
		}
	}

	slog.Info("shutdown signal received")
	eng.Stop()
	notifier.Report(eng.Stats())
	slog.Info("ordbot stopped cleanly")
}

// buildIdentities resuelve las keys desde el entorno y monta el pool o la
// identidad default según la configuración.
func buildIdentities(cfg *config.Config, opts *engine.Options) error {
	if !cfg.Identities.RotationEnabled {
		id, err := resolveIdentity(cfg.Identities.Default)
		if err != nil {
			return err
		}
		opts.DefaultIdentity = id
		return nil
	}

	pool := engine.NewIdentityPool(time.Minute)
	for _, group := range cfg.Identities.Groups {
		for _, entry := range group.Wallets {
			id, err := resolveIdentity(entry)
			if err != nil {
				return fmt.Errorf("group %s: %w", group.Name, err)
			}
			pool.AddIdentity(group.Name, *id, group.BidsPerMinute)
		}
	}
	opts.Pool = pool
	return nil
}

// resolveIdentity lee el material de firma de la variable de entorno que
// apunta key_env. La key nunca aparece en el YAML ni en los logs.
func resolveIdentity(entry config.IdentityEntry) (*engine.Identity, error) {
	key := os.Getenv(entry.KeyEnv)
	if key == "" {
		return nil, fmt.Errorf("wallet %s: environment variable %s is empty", entry.Label, entry.KeyEnv)
	}
	return &engine.Identity{
		Label:          entry.Label,
		KeyHandle:      key,
		PaymentAddress: entry.PaymentAddress,
		ReceiveAddress: entry.ReceiveAddress,
	}, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var out *os.File = os.Stdout

	var handler slog.Handler
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // días
			Compress:   true,
		}
		if cfg.Format == "json" {
			handler = slog.NewJSONHandler(rotated, opts)
		} else {
			handler = slog.NewTextHandler(rotated, opts)
		}
	} else if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}
