// Package service holds the conversion use cases shared by the HTTP API,
// the CLI and the background workers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/service/progress"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

// Converter runs one conversion. *engine.Dispatcher implements it.
type Converter interface {
	Convert(ctx context.Context, req engine.Request) engine.Result
}

// Outcome summarises one pipeline run for the scheduler that invoked it.
type Outcome struct {
	JobID  models.ULID
	Status models.JobStatus
	// Retryable is set when the attempt failed for a transient reason and
	// the job still has retries left.
	Retryable bool
	// Skipped is set when the job was not queued (already claimed, revoked
	// or deleted) and nothing ran.
	Skipped bool
	Error   string
}

// ConversionPipeline executes conversion jobs end to end.
type ConversionPipeline struct {
	repo      repository.ConversionJobRepository
	converter Converter
	layout    *storage.Layout
	publisher storage.Publisher
	hub       *progress.Hub
	engines   map[string]map[string]string
	minFree   int64
	logger    *slog.Logger
}

// NewConversionPipeline creates a pipeline. Artifacts stay local until a
// publisher is set with WithPublisher.
func NewConversionPipeline(repo repository.ConversionJobRepository, converter Converter, layout *storage.Layout) *ConversionPipeline {
	return &ConversionPipeline{
		repo:      repo,
		converter: converter,
		layout:    layout,
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (p *ConversionPipeline) WithLogger(logger *slog.Logger) *ConversionPipeline {
	p.logger = observability.WithComponent(logger, "pipeline")
	return p
}

// WithPublisher sets where finished artifacts are published.
func (p *ConversionPipeline) WithPublisher(publisher storage.Publisher) *ConversionPipeline {
	p.publisher = publisher
	return p
}

// WithHub publishes progress events to live subscribers.
func (p *ConversionPipeline) WithHub(hub *progress.Hub) *ConversionPipeline {
	p.hub = hub
	return p
}

// WithEngineConfig sets per-kind engine settings.
func (p *ConversionPipeline) WithEngineConfig(engines map[string]map[string]string) *ConversionPipeline {
	p.engines = engines
	return p
}

// WithMinFreeSpace sets the free space floor checked before each conversion.
func (p *ConversionPipeline) WithMinFreeSpace(bytes int64) *ConversionPipeline {
	p.minFree = bytes
	return p
}

// Run claims the queued job id and executes it.
func (p *ConversionPipeline) Run(ctx context.Context, id models.ULID) Outcome {
	job, err := p.repo.Start(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotQueued) || errors.Is(err, repository.ErrJobNotFound) {
			p.logger.Info("skipping job",
				slog.String("job_id", id.String()),
				slog.String("reason", err.Error()))
			return Outcome{JobID: id, Skipped: true, Error: err.Error()}
		}
		return Outcome{JobID: id, Retryable: true, Error: fmt.Sprintf("claiming job: %v", err)}
	}
	return p.Execute(ctx, job)
}

// Execute runs a job that the caller already moved to running. It always
// leaves the job done or failed unless the final save itself fails.
func (p *ConversionPipeline) Execute(ctx context.Context, job *models.ConversionJob) (out Outcome) {
	logger := observability.WithJobID(p.logger, job.ID.String())
	reporter := progress.NewJobReporter(p.repo, p.hub, job, logger)
	start := models.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("conversion panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out = p.fail(ctx, job, reporter, logger, fmt.Sprintf("internal error: %v", r), false)
		}
	}()

	_ = reporter.Checkpoint(ctx, progress.CheckpointInit, "initializing conversion")
	logger.Info("conversion started", slog.Int("attempt", job.Attempts))

	req, artifactRel, failMsg, retryable := p.prepare(ctx, job)
	if failMsg != "" {
		return p.fail(ctx, job, reporter, logger, failMsg, retryable)
	}
	req.Progress = reporter.Func(ctx)

	res := p.converter.Convert(ctx, req)
	if !res.Success {
		if err := os.Remove(req.OutputPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove partial artifact",
				slog.String("path", req.OutputPath),
				slog.String("error", err.Error()))
		}
		logger.Warn("conversion failed",
			slog.String("error_class", string(res.ErrorClass)),
			slog.Bool("retryable", res.Retryable),
			slog.String("error", res.ErrorMessage))
		return p.fail(ctx, job, reporter, logger, res.ErrorMessage, res.Retryable)
	}

	_ = reporter.Checkpoint(ctx, progress.CheckpointFinalize, "finalizing")

	info, err := os.Stat(res.OutputPath)
	if err != nil {
		return p.fail(ctx, job, reporter, logger, fmt.Sprintf("reading artifact: %v", err), true)
	}

	meta := map[string]any{}
	for _, key := range []string{models.MetaInputInfo, "output_info", "conversion_params", models.MetaEngine, "strategy"} {
		if v, ok := res.Metadata[key]; ok {
			meta[key] = v
		}
	}
	if p.publisher != nil {
		url, err := p.publisher.Publish(ctx, res.OutputPath, artifactRel)
		if err != nil {
			return p.fail(ctx, job, reporter, logger, fmt.Sprintf("publishing artifact: %v", err), true)
		}
		meta[models.MetaOutputURL] = url
	}
	meta[models.MetaLastMessage] = "conversion complete"
	job.SetMetadata(meta)

	if err := job.Complete(res.OutputPath, info.Size()); err != nil {
		return p.fail(ctx, job, reporter, logger, err.Error(), false)
	}
	if err := p.repo.Update(ctx, job); err != nil {
		logger.Error("failed to save completed job", slog.String("error", err.Error()))
		return Outcome{JobID: job.ID, Status: job.Status, Error: err.Error()}
	}
	reporter.Finish()

	logger.Info("conversion completed",
		slog.String("output", artifactRel),
		slog.Int64("size", info.Size()),
		slog.Duration("duration", models.Now().Sub(start)))
	return Outcome{JobID: job.ID, Status: job.Status}
}

// prepare turns job metadata into an engine request. A non-empty message
// means the job cannot run.
func (p *ConversionPipeline) prepare(ctx context.Context, job *models.ConversionJob) (engine.Request, string, string, bool) {
	var req engine.Request

	params, err := job.Params()
	if err != nil {
		return req, "", fmt.Sprintf("invalid parameters: %v", err), false
	}

	input := job.Metadata.String(models.MetaInputPath, "")
	if input == "" {
		return req, "", "job has no input file", false
	}
	if _, err := os.Stat(input); err != nil {
		return req, "", fmt.Sprintf("input file unavailable: %v", err), false
	}

	name := job.Metadata.String(models.MetaOriginalFilename, "")
	kind := engine.ParseKind(job.Metadata.String(models.MetaKind, ""))
	if kind == engine.KindUnknown {
		kind = engine.DetectKind(name)
	}
	if kind == engine.KindUnknown {
		return req, "", "could not determine file type", false
	}
	format := job.Metadata.String(models.MetaOutputFormat, engine.DefaultOutputFormat(kind))

	if err := storage.EnsureFreeSpace(ctx, p.layout.Output().BaseDir(), p.minFree); err != nil {
		return req, "", err.Error(), true
	}
	rel, abs, err := p.layout.ArtifactPath(string(kind), name, format)
	if err != nil {
		return req, "", fmt.Sprintf("allocating artifact path: %v", err), true
	}

	return engine.Request{
		InputPath:    input,
		OutputPath:   abs,
		Filename:     name,
		Kind:         kind,
		OutputFormat: format,
		Params:       params,
		Options:      job.Options(),
		Config:       engine.Config(p.engines[string(kind)]),
	}, rel, "", false
}

func (p *ConversionPipeline) fail(ctx context.Context, job *models.ConversionJob, reporter *progress.JobReporter,
	logger *slog.Logger, message string, retryable bool) Outcome {
	if err := job.Fail(message); err != nil {
		logger.Error("cannot mark job failed", slog.String("error", err.Error()))
		return Outcome{JobID: job.ID, Status: job.Status, Error: message}
	}
	if err := p.repo.Update(ctx, job); err != nil {
		logger.Error("failed to save failed job", slog.String("error", err.Error()))
	}
	reporter.Finish()
	return Outcome{
		JobID:     job.ID,
		Status:    job.Status,
		Retryable: retryable && job.CanRetry(),
		Error:     message,
	}
}
