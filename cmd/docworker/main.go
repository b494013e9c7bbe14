package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/gristlabs/docworker/internal/config"
	"github.com/gristlabs/docworker/internal/directory"
	"github.com/gristlabs/docworker/internal/docstore"
	"github.com/gristlabs/docworker/internal/httpapi"
	"github.com/gristlabs/docworker/internal/logging"
	"github.com/gristlabs/docworker/internal/metaqueue"
	"github.com/gristlabs/docworker/internal/metrics"
	"github.com/gristlabs/docworker/internal/objectstore"
	"github.com/gristlabs/docworker/internal/pruner"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "docworker",
		Short:   "docworker - hosted document storage manager",
		Long:    `docworker keeps a worker's embedded SQLite documents synchronized with a versioned external object store, on behalf of a cluster of document-worker processes.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    run,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Health/metrics listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logManager := logging.NewManager(logrus.StandardLogger())
	defer logManager.Close()
	if err := logManager.Configure(logging.Settings{Level: cfg.LogLevel, JSON: true}); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("starting docworker")

	if err := os.MkdirAll(cfg.DocsRoot(), 0755); err != nil {
		return fmt.Errorf("failed to create docsRoot: %w", err)
	}

	dir, err := directory.Open(directory.Options{DataDir: cfg.DataDir, SyncWrites: true})
	if err != nil {
		return fmt.Errorf("failed to open worker directory: %w", err)
	}
	defer dir.Close()

	var store *objectstore.Store
	if !cfg.DisableS3 {
		s3Client := objectstore.NewS3Client(objectstore.Endpoint{
			URL:             cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		store = objectstore.New(s3Client, docstore.NewDirectoryHash(dir), objectstore.Config{
			Bucket:    cfg.S3.Bucket,
			KeyPrefix: cfg.S3.Prefix,
		})
	}

	sink, closeSink, err := buildSink(cfg.WorkspaceDB)
	if err != nil {
		return fmt.Errorf("failed to open workspace database: %w", err)
	}
	if closeSink != nil {
		defer closeSink()
	}

	metaQueue, err := metaqueue.Open(metaqueue.Config{
		DataDir: filepath.Join(cfg.DataDir, "metaqueue"),
		Sink:    sink,
	})
	if err != nil {
		return fmt.Errorf("failed to open metadata push queue: %w", err)
	}

	var docPruner *pruner.Pruner
	if store != nil {
		docPruner = pruner.New(pruner.Config{
			Store:             store,
			Policy:            pruner.KeepLatestN{N: 10},
			SecondsBeforePush: cfg.SecondsBeforePush,
		})
	}

	managerCfg := docstore.Config{
		DocsRoot:                cfg.DocsRoot(),
		SelfWorkerId:            uuid.NewString(),
		SecondsBeforePush:       cfg.SecondsBeforePush,
		SecondsBeforeFirstRetry: cfg.SecondsBeforeFirstRetry,
		DisableS3:               cfg.DisableS3,
	}

	var manager *docstore.Manager
	if store != nil {
		manager = docstore.New(managerCfg, dir, store, metaQueue, docPruner)
	} else {
		manager = docstore.New(managerCfg, dir, nil, metaQueue, nil)
	}
	// CloseStorage drains pending pushes and closes the metadata queue and
	// pruner on the manager's behalf.
	defer manager.CloseStorage()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, cfg.DocsRoot())
	defer collector.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector.StartDiskPoller(ctx, 30*time.Second)

	httpServer := httpapi.New(cfg.Listen, managerHealth{docsRoot: cfg.DocsRoot()}, reg)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("received shutdown signal")
		cancel()
	}()

	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("http server error: %w", err)
	}

	logrus.Info("docworker stopped")
	return nil
}

// buildSink opens cfg's workspace database and wraps it in a
// metaqueue.SQLSink, or falls back to noopSink when no DSN is
// configured: updates then stay durably queued but unflushed.
func buildSink(cfg config.WorkspaceDBConfig) (metaqueue.Sink, func(), error) {
	if cfg.DSN == "" {
		return noopSink{}, nil, nil
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return metaqueue.NewSQLSink(db), func() { db.Close() }, nil
}

// noopSink is the default metadata Sink when no workspace database is
// configured; updates are durably queued but never flushed until a real
// Sink is wired in deployments that need it.
type noopSink struct{}

func (noopSink) PushDocUpdateTimes(ctx context.Context, updates []metaqueue.Update) error {
	// Failing the push keeps the batch in the metaqueue outbox.
	return fmt.Errorf("no workspace database configured")
}

// managerHealth reports docworker healthy as long as its docsRoot is
// reachable on the local filesystem.
type managerHealth struct {
	docsRoot string
}

func (h managerHealth) Healthy(ctx context.Context) error {
	if _, err := os.Stat(h.docsRoot); err != nil {
		return fmt.Errorf("docsRoot unavailable: %w", err)
	}
	return nil
}
