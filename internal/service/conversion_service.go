package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/httpclient"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

// DefaultMaxBatchSize caps the ids accepted by BuildBatch.
const DefaultMaxBatchSize = 50

var (
	// ErrInvalidInput marks submissions rejected before a job is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDownloadFailed marks URL inputs the remote server did not deliver.
	ErrDownloadFailed = errors.New("download failed")
	// ErrNoArtifacts is returned when a batch has nothing to download.
	ErrNoArtifacts = errors.New("no finished conversions to download")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Enqueuer hands a queued job to a scheduler. A nil notBefore means now.
type Enqueuer interface {
	Enqueue(ctx context.Context, id models.ULID, notBefore *time.Time) error
}

// EngineCatalog describes the available engines. *engine.Dispatcher
// implements it.
type EngineCatalog interface {
	Formats() map[engine.Kind]engine.Formats
	Status() map[engine.Kind]engine.Descriptor
}

// paramKeys are the form keys consumed by ConversionParams. Every other
// key is passed to the engine as an option.
var paramKeys = []string{
	"width", "fps", "start_time", "end_time", "speed", "grayscale", "reverse",
	"boomerang", "keep_original_size", "high_quality", "dither", "output_format",
}

// SubmitRequest is one conversion request. Exactly one of Body and URL is set.
type SubmitRequest struct {
	Filename string
	Body     io.Reader
	URL      string
	// Values are flat form values: conversion parameters plus engine options.
	Values map[string]string
}

// ConversionService validates submissions and manages conversion jobs.
type ConversionService struct {
	repo       repository.ConversionJobRepository
	catalog    EngineCatalog
	layout     *storage.Layout
	downloader *httpclient.Downloader
	enqueuer   Enqueuer
	maxUpload  int64
	maxRetries int
	maxBatch   int
	logger     *slog.Logger
}

// NewConversionService creates a conversion service.
func NewConversionService(repo repository.ConversionJobRepository, catalog EngineCatalog, layout *storage.Layout) *ConversionService {
	return &ConversionService{
		repo:       repo,
		catalog:    catalog,
		layout:     layout,
		maxRetries: models.DefaultMaxRetries,
		maxBatch:   DefaultMaxBatchSize,
		logger:     slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *ConversionService) WithLogger(logger *slog.Logger) *ConversionService {
	s.logger = observability.WithComponent(logger, "conversion_service")
	return s
}

// WithEnqueuer sets the scheduler new and requeued jobs are handed to.
func (s *ConversionService) WithEnqueuer(enqueuer Enqueuer) *ConversionService {
	s.enqueuer = enqueuer
	return s
}

// WithDownloader enables URL submissions.
func (s *ConversionService) WithDownloader(downloader *httpclient.Downloader) *ConversionService {
	s.downloader = downloader
	return s
}

// WithLimits sets the upload cap, retry budget and batch cap. A zero upload
// cap disables the check; a negative retry budget or a zero batch cap keeps
// the default.
func (s *ConversionService) WithLimits(maxUpload int64, maxRetries, maxBatch int) *ConversionService {
	s.maxUpload = maxUpload
	if maxRetries >= 0 {
		s.maxRetries = maxRetries
	}
	if maxBatch > 0 {
		s.maxBatch = maxBatch
	}
	return s
}

// Submit validates req, stores the input and creates a queued job. Invalid
// requests fail with ErrInvalidInput or models.ErrInvalidParams and leave
// nothing behind.
func (s *ConversionService) Submit(ctx context.Context, req SubmitRequest) (*models.ConversionJob, error) {
	params, err := models.ParseConversionParams(req.Values)
	if err != nil {
		return nil, err
	}
	paramsMeta, err := params.AsMap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidParams, err)
	}

	name, body, limit := req.Filename, req.Body, s.maxUpload
	switch {
	case req.URL != "" && req.Body != nil:
		return nil, invalid("provide either a file or a url, not both")
	case req.URL != "":
		if s.downloader == nil {
			return nil, invalid("url submissions are disabled")
		}
		if _, err := httpclient.ValidateURL(req.URL); err != nil {
			return nil, invalid("%v", err)
		}
	case req.Body == nil:
		return nil, invalid("no input file")
	}

	if req.URL != "" {
		remote, err := s.downloader.Open(ctx, req.URL)
		if err != nil {
			if errors.Is(err, httpclient.ErrUnsupportedScheme) || errors.Is(err, httpclient.ErrRemoteTooLarge) {
				return nil, invalid("%v", err)
			}
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		defer remote.Body.Close()
		if name == "" {
			name = remote.Name
		}
		body, limit = remote.Body, s.downloader.MaxSize()
	}

	kind, err := s.validateTarget(name, req.Values)
	if err != nil {
		return nil, err
	}
	format := outputFormat(kind, req.Values)

	inputPath, size, err := s.layout.StoreInput(body, name, engine.Extension(name), limit)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, invalid("file exceeds the %d byte limit", limit)
		}
		if req.URL != "" {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		return nil, err
	}

	options := map[string]any{}
	for k, v := range req.Values {
		if !slices.Contains(paramKeys, k) && v != "" {
			options[k] = v
		}
	}
	meta := models.JSONMap{
		models.MetaOriginalFilename: name,
		models.MetaInputPath:        inputPath,
		models.MetaKind:             string(kind),
		models.MetaInputFormat:      engine.Extension(name),
		models.MetaOutputFormat:     format,
		models.MetaParams:           paramsMeta,
		models.MetaOptions:          options,
	}
	if req.URL != "" {
		meta[models.MetaSourceURL] = req.URL
	}

	job := models.NewConversionJob(meta)
	job.MaxRetries = s.maxRetries
	if err := s.repo.Create(ctx, job); err != nil {
		_ = os.Remove(inputPath)
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.logger.Info("conversion submitted",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(kind)),
		slog.String("output_format", format),
		slog.Int64("input_size", size))

	if err := s.enqueue(ctx, job.ID, nil); err != nil {
		return job, err
	}
	return job, nil
}

// validateTarget resolves the kind of name and checks the requested output
// format against the engine's declared formats.
func (s *ConversionService) validateTarget(name string, values map[string]string) (engine.Kind, error) {
	if strings.TrimSpace(name) == "" {
		return engine.KindUnknown, invalid("file name is required")
	}
	kind := engine.DetectKind(name)
	if kind == engine.KindUnknown {
		return kind, invalid("could not determine file type of %q", name)
	}
	format := outputFormat(kind, values)
	formats, ok := s.catalog.Formats()[kind]
	if !ok {
		return kind, invalid("no engine for %s files", kind)
	}
	if !formats.SupportsOutput(format) {
		return kind, invalid("unsupported output format %q for %s (supported: %s)",
			format, kind, strings.Join(formats.Output, ", "))
	}
	return kind, nil
}

func outputFormat(kind engine.Kind, values map[string]string) string {
	if v := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(values["output_format"]), ".")); v != "" {
		return v
	}
	return engine.DefaultOutputFormat(kind)
}

func (s *ConversionService) enqueue(ctx context.Context, id models.ULID, notBefore *time.Time) error {
	if s.enqueuer == nil {
		return nil
	}
	if err := s.enqueuer.Enqueue(ctx, id, notBefore); err != nil {
		s.logger.Error("failed to enqueue job",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (s *ConversionService) Get(ctx context.Context, id models.ULID) (*models.ConversionJob, error) {
	return s.repo.GetByID(ctx, id)
}

// Requeue returns a finished job to the queue after delay. Progress and
// error are reset; the previous error stays in metadata.
func (s *ConversionService) Requeue(ctx context.Context, id models.ULID, delay time.Duration) (*models.ConversionJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var notBefore *time.Time
	if delay > 0 {
		t := models.Now().Add(delay)
		notBefore = &t
	}
	if err := job.Requeue(notBefore); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}
	s.logger.Info("conversion requeued",
		slog.String("job_id", id.String()),
		slog.Int("attempts", job.Attempts),
		slog.Duration("delay", delay))
	if err := s.enqueue(ctx, id, notBefore); err != nil {
		return job, err
	}
	return job, nil
}

// Revoke stops a queued job from ever starting.
func (s *ConversionService) Revoke(ctx context.Context, id models.ULID) (*models.ConversionJob, error) {
	job, err := s.repo.Revoke(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversion revoked", slog.String("job_id", id.String()))
	return job, nil
}

// Engines returns availability, dependencies and formats per kind.
func (s *ConversionService) Engines() map[engine.Kind]engine.Descriptor {
	return s.catalog.Status()
}

// Formats returns the supported formats per kind.
func (s *ConversionService) Formats() map[engine.Kind]engine.Formats {
	return s.catalog.Formats()
}

// Batch is a zip of finished artifacts on disk. Close removes it.
type Batch struct {
	Path     string
	Name     string
	Size     int64
	Included []models.ULID
	Skipped  []string
}

// Close removes the zip file.
func (b *Batch) Close() error {
	return os.Remove(b.Path)
}

// BuildBatch zips the artifacts of the done jobs among ids. Unknown ids,
// unfinished jobs and missing artifacts are skipped; duplicate names get
// "_1", "_2" suffixes.
func (s *ConversionService) BuildBatch(ctx context.Context, ids []string) (*Batch, error) {
	if len(ids) == 0 {
		return nil, invalid("no ids given")
	}
	if len(ids) > s.maxBatch {
		return nil, invalid("too many ids (maximum %d)", s.maxBatch)
	}

	f, err := s.layout.Temp().CreateTemp(".", "batch-*.zip")
	if err != nil {
		return nil, err
	}
	batch := &Batch{
		Path: f.Name(),
		Name: fmt.Sprintf("conversion_results_%s.zip", models.Now().UTC().Format("20060102_150405")),
	}

	zw := zip.NewWriter(f)
	used := map[string]bool{}
	for _, raw := range ids {
		path, name, ok := s.batchEntry(ctx, raw)
		if !ok {
			batch.Skipped = append(batch.Skipped, raw)
			continue
		}
		entry := uniqueName(name, used)
		if err := addZipFile(zw, entry, path); err != nil {
			s.logger.Warn("skipping artifact in batch",
				slog.String("job_id", raw),
				slog.String("error", err.Error()))
			batch.Skipped = append(batch.Skipped, raw)
			continue
		}
		id, _ := models.ParseULID(raw)
		batch.Included = append(batch.Included, id)
	}

	closeErr := zw.Close()
	if err := f.Close(); closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		batch.Close()
		return nil, fmt.Errorf("writing batch: %w", closeErr)
	}
	if len(batch.Included) == 0 {
		batch.Close()
		return nil, ErrNoArtifacts
	}
	if info, err := os.Stat(batch.Path); err == nil {
		batch.Size = info.Size()
	}
	return batch, nil
}

// batchEntry resolves the artifact of a done job and its name in the zip.
func (s *ConversionService) batchEntry(ctx context.Context, raw string) (string, string, bool) {
	id, err := models.ParseULID(strings.TrimSpace(raw))
	if err != nil {
		return "", "", false
	}
	job, err := s.repo.GetByID(ctx, id)
	if err != nil || job.Status != models.JobStatusDone {
		return "", "", false
	}
	path := job.Metadata.String(models.MetaOutputPath, "")
	if path == "" {
		return "", "", false
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", "", false
	}
	stem := job.Metadata.String(models.MetaOriginalFilename, "converted")
	stem = strings.TrimSuffix(filepath.Base(stem), filepath.Ext(stem))
	if stem == "" || stem == "." {
		stem = "converted"
	}
	ext := job.Metadata.String(models.MetaOutputFormat, strings.TrimPrefix(filepath.Ext(path), "."))
	return path, stem + "." + ext, true
}

// uniqueName returns name, or name with "_1", "_2"... before the extension
// when it is already taken.
func uniqueName(name string, used map[string]bool) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}
	used[candidate] = true
	return candidate
}

func addZipFile(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
