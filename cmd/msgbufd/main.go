package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/msgbuf/internal/archive"
	"github.com/gftdcojp/msgbuf/internal/config"
	"github.com/gftdcojp/msgbuf/internal/ingest"
	"github.com/gftdcojp/msgbuf/internal/metrics"
	"github.com/gftdcojp/msgbuf/internal/offsets"
	"github.com/gftdcojp/msgbuf/pkg/mbuf"
	"github.com/gftdcojp/msgbuf/pkg/natsutil"
	"github.com/gftdcojp/msgbuf/pkg/s3util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("msgbufd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Build the segment archiver when a cold tier is configured.
	var archiver mbuf.Archiver
	if cfg.Archive.Enabled {
		s3Client, err := s3util.NewClient(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		archiver = archive.NewS3Archiver(
			s3Client.S3,
			cfg.Archive.Bucket,
			cfg.Archive.Prefix,
			archive.OnFailure(cfg.Archive.OnFailure),
			logger.Named("archive"),
		)
	}

	buf, err := mbuf.Open(cfg.Buffer.Dir, mbuf.Options{
		MaxSize:          int64(cfg.Buffer.MaxSize),
		SegmentCount:     cfg.Buffer.SegmentCount,
		SegmentLength:    int64(cfg.Buffer.SegmentLength),
		MaxPayloadSize:   int(cfg.Buffer.MaxPayloadSize),
		AutoSyncInterval: cfg.Buffer.AutoSyncInterval.Duration(),
		Archiver:         archiver,
		Executor:         func(task func()) { go task() },
		Logger:           logger.Named("buffer"),
	})
	if err != nil {
		return fmt.Errorf("opening buffer: %w", err)
	}
	defer buf.Close()

	if cfg.Buffer.FirstMessageID > 0 {
		if n, err := buf.MessageCount(); err == nil && n == 0 {
			if err := buf.SetFirstMessageID(cfg.Buffer.FirstMessageID); err != nil {
				return fmt.Errorf("setting first message id: %w", err)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Ingest.Enabled {
		off, err := offsets.Open(cfg.Ingest.OffsetsPath, logger.Named("offsets"))
		if err != nil {
			return fmt.Errorf("opening offsets store: %w", err)
		}
		defer off.Close()

		nc, err := natsutil.Connect(cfg.Ingest.URL, "msgbufd", logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		consumer := ingest.NewConsumer(nc, buf, off, cfg.Ingest, logger.Named("ingest"))
		g.Go(func() error { return consumer.Run(gctx) })
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	logger.Info("msgbufd started",
		zap.String("version", version),
		zap.String("dir", cfg.Buffer.Dir),
		zap.Bool("ingest", cfg.Ingest.Enabled),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down, syncing buffer...")
	if err := buf.Sync(); err != nil && !errors.Is(err, mbuf.ErrClosed) {
		logger.Error("final sync failed", zap.Error(err))
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
