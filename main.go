package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"envmonitor/collector"
	"envmonitor/config"
	"envmonitor/logger"
	"envmonitor/sharedparams"
	"envmonitor/storage"
	"envmonitor/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		return 2
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error setting up logger:", err)
		return 2
	}
	defer logger.Flush(log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCycle(ctx, cfg, log.Logger); err != nil {
		log.Logger.Error("collection run failed", zap.Error(err))
		return 1
	}
	return 0
}

// runCycle resolves the targets, collects one snapshot and publishes it.
func runCycle(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	src := sharedparams.Source{
		Location:   cfg.SharedParams,
		KeyPath:    cfg.SFTPKeyPath,
		KnownHosts: cfg.SFTPKnownHosts,
		Log:        log,
	}
	doc, targets, err := src.Load(ctx)
	if err != nil {
		return err
	}
	if doc.InstanceIdentifier != "" && doc.InstanceIdentifier != cfg.Instance {
		log.Warn("configured instance differs from shared params",
			zap.String("configured", cfg.Instance), zap.String("sharedParams", doc.InstanceIdentifier))
	}

	fetcher := collector.NewSOAPFetcher(cfg.ClientURL, cfg.Instance, collector.ClientID{
		MemberClass: cfg.ClientMemberClass,
		MemberCode:  cfg.ClientMemberCode,
		Subsystem:   cfg.ClientSubsystem,
	}, cfg.QueryParameters, log)
	scheduler := collector.NewScheduler(fetcher, cfg.Instance, cfg.Workers, cfg.FetchTimeout, log)

	snap, err := collector.Collect(ctx, scheduler, targets)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := storage.NewPublisher(store, log).Publish(ctx, documents(snap), cfg.IndexPrefix, cfg.Alias)
	if err != nil {
		var aliasErr *storage.StoreAliasError
		if errors.As(err, &aliasErr) {
			log.Error("alias not moved, previous snapshot still served",
				zap.String("alias", aliasErr.Alias), zap.String("index", aliasErr.Index))
		}
		return fmt.Errorf("publish: %w", err)
	}
	telemetry.ObservePublish(res.Written, len(res.Failed), time.Now())
	for _, f := range res.Failed {
		log.Warn("target missing from snapshot", zap.String("server", f.Label), zap.Error(f.Err))
	}
	if res.CleanupErr != nil {
		log.Warn("previous snapshot not fully removed", zap.Error(res.CleanupErr))
	}

	if cfg.Verify {
		hits, err := store.FindAll(ctx, cfg.Alias)
		if err != nil {
			log.Warn("verify failed", zap.Error(err))
		} else {
			log.Info("snapshot verified", zap.String("alias", cfg.Alias), zap.Int("documents", len(hits)))
		}
	}

	if cfg.PushgatewayURL != "" {
		if err := telemetry.Push(ctx, cfg.PushgatewayURL, cfg.Instance); err != nil {
			log.Warn("metrics not pushed", zap.Error(err))
		}
	}
	return nil
}

func openStore(cfg *config.Config, log *zap.Logger) (storage.DocumentStore, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return storage.NewSQLite(cfg.DBPath, log)
	default:
		return storage.NewOpenSearchStore(cfg.OpenSearchURLs, cfg.OpenSearchUsername, cfg.OpenSearchPassword,
			cfg.SkipCertVerification, log)
	}
}

// documents turns a snapshot into store documents keyed by target identity.
func documents(snap *collector.Snapshot) []storage.Document {
	docs := make([]storage.Document, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		docs = append(docs, storage.Document{
			ID:     storage.DocumentID(e.Target.ServerCode, e.Target.Address, e.Target.MemberClass, e.Target.MemberCode),
			Label:  e.Target.String(),
			Source: e.Record,
		})
	}
	return docs
}
