package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"living-photo/internal/api"
	"living-photo/internal/config"
	"living-photo/internal/pipeline"
	"living-photo/internal/services/face"
	"living-photo/internal/services/ffmpeg"
	"living-photo/internal/services/marker"
	"living-photo/internal/services/notify"
	"living-photo/internal/services/photo"
	"living-photo/internal/services/projects"
	"living-photo/internal/storage"
	"living-photo/internal/store"
	"living-photo/internal/store/memory"
	"living-photo/internal/store/postgres"
	"living-photo/internal/workers"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	files, err := storage.New(cfg.StoragePath, api.StoragePrefix)
	if err != nil {
		return err
	}

	locator, err := newLocator(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize face detector: %w", err)
	}
	defer locator.Close()
	slog.Info("Face detection initialized", "detector", cfg.FaceDetector)

	opts := face.DefaultCropOptions()
	opts.Padding = cfg.CropPadding
	opts.MinConfidence = cfg.MinFaceConfidence

	compiler := marker.New(marker.Options{MaxScale: cfg.CompilerMaxScale, Timeout: cfg.CompileTimeout})
	defer compiler.Close()

	orchestrator := &pipeline.Orchestrator{
		Store:  st,
		Files:  files,
		Photos: photo.New(cfg.MaxImageDimension),
		Analyzer: &face.Analyzer{
			Sampler: &face.FFmpegSampler{
				FFmpeg:  cfg.FFmpegPath,
				FFprobe: cfg.FFprobePath,
				Count:   cfg.FrameSamples,
			},
			Locator:  locator,
			Options:  opts,
			DebugDir: cfg.CropDebugDir,
		},
		Cropper:  &ffmpeg.Cropper{FFmpeg: cfg.FFmpegPath},
		Compiler: compiler,
		Progress: pipeline.NewProgressTracker(),
		Notifier: notify.NewClient(cfg.WebhookURL, cfg.WebhookSecret),
	}

	// runs cut off by a crash would otherwise stay processing forever
	recovered, err := orchestrator.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted compilations: %w", err)
	}
	if recovered > 0 {
		slog.Warn("Interrupted compilations marked as failed", "count", recovered)
	}

	processor := workers.NewProcessor(orchestrator, cfg.Workers, cfg.QueueSize)
	processor.Start(ctx)
	defer processor.Stop()

	svc := &projects.Service{
		Store:    st,
		Files:    files,
		Jobs:     processor,
		Progress: orchestrator.Progress,
		DemoTTL:  cfg.DemoTTL,
	}

	sweeper := &workers.DemoSweeper{Purger: svc, Interval: cfg.DemoSweepInterval}
	go sweeper.Run(ctx)

	server := api.NewServer(cfg, svc)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server running", "port", cfg.Port)
		errCh <- server.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	return server.ShutdownWithTimeout(10 * time.Second)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, using in-memory store")
		return memory.New()
	}
	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func newLocator(cfg *config.Config) (face.Locator, error) {
	switch cfg.FaceDetector {
	case "yunet":
		return face.NewYuNet(cfg.YuNetModelPath, cfg.OnnxLibraryPath)
	case "yunet-socket":
		return face.NewYuNetClient(cfg.YuNetSocket, 0), nil
	default:
		return face.NewPigo(cfg.PigoCascadePath)
	}
}
