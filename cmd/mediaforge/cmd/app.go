package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"

	"github.com/jmylchreest/mediaforge/internal/config"
	"github.com/jmylchreest/mediaforge/internal/database"
	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
	"github.com/jmylchreest/mediaforge/internal/httpclient"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/service"
	"github.com/jmylchreest/mediaforge/internal/service/progress"
	"github.com/jmylchreest/mediaforge/internal/storage"
	"github.com/jmylchreest/mediaforge/internal/version"
)

// app holds the collaborators shared by serve, worker and cleanup.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *database.DB
	repo       repository.ConversionJobRepository
	layout     *storage.Layout
	dispatcher *engine.Dispatcher
	signer     *storage.TokenSigner
	publisher  storage.Publisher
	hub        *progress.Hub
	pipeline   *service.ConversionPipeline
	service    *service.ConversionService
}

// newApp opens the database, runs migrations and builds the conversion
// stack. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.repo = repository.NewConversionJobRepository(db.DB)

	a.layout, err = storage.NewLayout(cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	a.signer, err = newSigner(cfg.Publish, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.publisher, err = storage.NewPublisher(ctx, cfg.Publish, a.layout, a.signer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing publisher: %w", err)
	}

	a.dispatcher = newDispatcher(ctx, cfg, logger)
	a.hub = progress.NewHub(logger)

	a.pipeline = service.NewConversionPipeline(a.repo, a.dispatcher, a.layout).
		WithLogger(logger).
		WithPublisher(a.publisher).
		WithHub(a.hub).
		WithEngineConfig(engineConfig(cfg)).
		WithMinFreeSpace(cfg.Storage.MinFreeSpace.Bytes())

	download := cfg.Download
	if download.UserAgent == "" {
		download.UserAgent = version.UserAgent()
	}
	a.service = service.NewConversionService(a.repo, a.dispatcher, a.layout).
		WithLogger(logger).
		WithDownloader(httpclient.NewDownloader(download, logger)).
		WithLimits(cfg.Server.MaxUploadSize.Bytes(), cfg.Conversion.MaxRetries, cfg.Server.MaxBatchSize)

	return a, nil
}

// Close releases the publisher and the database.
func (a *app) Close() {
	if c, ok := a.publisher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close publisher", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
}

// openDatabase connects and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.DB, error) {
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// newSigner builds the artifact token signer. Without a configured key a
// random one is used and links die with the process.
func newSigner(cfg config.PublishConfig, logger *slog.Logger) (*storage.TokenSigner, error) {
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		if cfg.Backend == "" || cfg.Backend == storage.PublisherLocal {
			logger.Warn("publish.signing_key not set, artifact links will not survive a restart")
		}
		key = storage.RandomSigningKey()
	}
	signer, err := storage.NewTokenSigner(key, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("initializing token signer: %w", err)
	}
	return signer, nil
}

// newDispatcher probes ffmpeg and builds the engine dispatcher.
func newDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) *engine.Dispatcher {
	detector := ffmpeg.NewBinaryDetector(ffmpeg.DetectorConfig{
		FFmpegPath:     cfg.FFmpeg.BinaryPath,
		FFprobePath:    cfg.FFmpeg.ProbePath,
		VersionTimeout: cfg.FFmpeg.VersionTimeout,
	})
	return engine.NewDispatcher(engine.Deps{
		Capabilities: engine.DetectCapabilities(ctx, detector, logger),
		Executor:     ffmpeg.NewProcessExecutor(logger),
		TempDir:      cfg.Storage.TempPath(),
		Bounds: models.ParamBounds{
			MinWidth: cfg.Conversion.MinWidth,
			MaxWidth: cfg.Conversion.MaxWidth,
			MinFPS:   cfg.Conversion.MinFPS,
			MaxFPS:   cfg.Conversion.MaxFPS,
			MinSpeed: cfg.Conversion.MinSpeed,
			MaxSpeed: cfg.Conversion.MaxSpeed,
		},
		Timeouts: engine.Timeouts{
			Probe:     cfg.FFmpeg.ProbeTimeout,
			Transcode: cfg.FFmpeg.TranscodeTimeout,
			Palette:   cfg.FFmpeg.PaletteTimeout,
		},
		Logger: logger,
	})
}

// engineConfig returns the per-kind engine settings with the ffmpeg frame
// cap folded into the video engine unless it is set there already.
func engineConfig(cfg *config.Config) map[string]map[string]string {
	out := make(map[string]map[string]string, len(cfg.Conversion.Engines)+1)
	for kind, settings := range cfg.Conversion.Engines {
		out[kind] = maps.Clone(settings)
	}
	if cfg.FFmpeg.MaxFrames > 0 {
		video := out[string(engine.KindVideo)]
		if video == nil {
			video = map[string]string{}
			out[string(engine.KindVideo)] = video
		}
		if _, ok := video["max_frames"]; !ok {
			video["max_frames"] = strconv.Itoa(cfg.FFmpeg.MaxFrames)
		}
	}
	return out
}
