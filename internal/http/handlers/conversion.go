package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mediaforge/internal/service"
)

// multipartOverhead is the allowance for form fields on top of the file.
const multipartOverhead = 1 << 20

// ConversionHandler handles conversion API endpoints.
type ConversionHandler struct {
	service   *service.ConversionService
	maxUpload int64
	logger    *slog.Logger
}

// NewConversionHandler creates a new conversion handler.
func NewConversionHandler(svc *service.ConversionService) *ConversionHandler {
	return &ConversionHandler{
		service: svc,
		logger:  slog.Default(),
	}
}

// WithMaxUpload bounds the multipart request body.
func (h *ConversionHandler) WithMaxUpload(maxUpload int64) *ConversionHandler {
	h.maxUpload = maxUpload
	return h
}

// WithLogger sets a custom logger.
func (h *ConversionHandler) WithLogger(logger *slog.Logger) *ConversionHandler {
	h.logger = logger
	return h
}

// Register registers the conversion routes with the API.
func (h *ConversionHandler) Register(api huma.API) {
	maxBody := int64(-1)
	if h.maxUpload > 0 {
		maxBody = h.maxUpload + multipartOverhead
	}
	huma.Register(api, huma.Operation{
		OperationID:      "submitConversion",
		Method:           http.MethodPost,
		Path:             "/api/v1/conversions",
		Summary:          "Submit conversion",
		Description:      "Uploads a file in the `file` field and queues its conversion. Other form fields are conversion parameters or engine options.",
		Tags:             []string{"Conversions"},
		DefaultStatus:    http.StatusAccepted,
		MaxBodyBytes:     maxBody,
		RequestBody:      &huma.RequestBody{Content: map[string]*huma.MediaType{"multipart/form-data": {}}},
		SkipValidateBody: true,
	}, h.Submit)

	huma.Register(api, huma.Operation{
		OperationID:   "submitConversionURL",
		Method:        http.MethodPost,
		Path:          "/api/v1/conversions/url",
		Summary:       "Submit conversion from URL",
		Description:   "Downloads an http or https URL and queues its conversion",
		Tags:          []string{"Conversions"},
		DefaultStatus: http.StatusAccepted,
	}, h.SubmitURL)

	huma.Register(api, huma.Operation{
		OperationID: "downloadConversionBatch",
		Method:      http.MethodPost,
		Path:        "/api/v1/conversions/batch",
		Summary:     "Download conversion batch",
		Description: "Returns a zip of the artifacts of the finished conversions among the given IDs",
		Tags:        []string{"Conversions"},
	}, h.Batch)

	huma.Register(api, huma.Operation{
		OperationID: "getConversion",
		Method:      http.MethodGet,
		Path:        "/api/v1/conversions/{id}",
		Summary:     "Get conversion",
		Description: "Returns status, progress and the output reference or error of a conversion",
		Tags:        []string{"Conversions"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "requeueConversion",
		Method:      http.MethodPost,
		Path:        "/api/v1/conversions/{id}/requeue",
		Summary:     "Requeue conversion",
		Description: "Returns a finished conversion to the queue with progress reset",
		Tags:        []string{"Conversions"},
	}, h.Requeue)

	huma.Register(api, huma.Operation{
		OperationID: "revokeConversion",
		Method:      http.MethodPost,
		Path:        "/api/v1/conversions/{id}/revoke",
		Summary:     "Revoke conversion",
		Description: "Prevents a queued conversion from ever starting",
		Tags:        []string{"Conversions"},
	}, h.Revoke)
}

// ConversionOutput is the output for single conversion endpoints.
type ConversionOutput struct {
	Body ConversionResponse
}

// SubmitInput is the input for a multipart submission.
type SubmitInput struct {
	RawBody multipart.Form
}

// Submit stores the uploaded file and queues its conversion.
func (h *ConversionHandler) Submit(ctx context.Context, input *SubmitInput) (*ConversionOutput, error) {
	files := input.RawBody.File["file"]
	if len(files) == 0 {
		return nil, huma.Error422UnprocessableEntity("no file provided")
	}
	fileHeader := files[0]
	if h.maxUpload > 0 && fileHeader.Size > h.maxUpload {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("file exceeds the %d byte upload limit", h.maxUpload))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, huma.Error400BadRequest("failed to open uploaded file")
	}
	defer file.Close()

	values := make(map[string]string, len(input.RawBody.Value))
	for k, vs := range input.RawBody.Value {
		if len(vs) > 0 {
			values[k] = vs[0]
		}
	}

	job, err := h.service.Submit(ctx, service.SubmitRequest{
		Filename: fileHeader.Filename,
		Body:     file,
		Values:   values,
	})
	if err != nil {
		return nil, conversionError(err, "failed to submit conversion")
	}
	return &ConversionOutput{Body: ConversionFromModel(job)}, nil
}

// SubmitURLInput is the input for a URL submission.
type SubmitURLInput struct {
	Body SubmitURLRequest
}

// SubmitURL downloads a remote file and queues its conversion.
func (h *ConversionHandler) SubmitURL(ctx context.Context, input *SubmitURLInput) (*ConversionOutput, error) {
	job, err := h.service.Submit(ctx, service.SubmitRequest{
		URL:    input.Body.URL,
		Values: input.Body.Params,
	})
	if err != nil {
		return nil, conversionError(err, "failed to submit conversion")
	}
	return &ConversionOutput{Body: ConversionFromModel(job)}, nil
}

// ConversionIDInput identifies a conversion by path.
type ConversionIDInput struct {
	ID string `path:"id" doc:"Conversion job ID (ULID)"`
}

// Get returns a conversion by ID.
func (h *ConversionHandler) Get(ctx context.Context, input *ConversionIDInput) (*ConversionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := h.service.Get(ctx, id)
	if err != nil {
		return nil, conversionError(err, "failed to get conversion")
	}
	return &ConversionOutput{Body: ConversionFromModel(job)}, nil
}

// RequeueInput is the input for requeueing a conversion.
type RequeueInput struct {
	ID   string          `path:"id" doc:"Conversion job ID (ULID)"`
	Body *RequeueRequest `required:"false"`
}

// Requeue returns a finished conversion to the queue.
func (h *ConversionHandler) Requeue(ctx context.Context, input *RequeueInput) (*ConversionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	var delay time.Duration
	if input.Body != nil {
		delay = time.Duration(input.Body.DelaySeconds) * time.Second
	}
	job, err := h.service.Requeue(ctx, id, delay)
	if err != nil {
		return nil, conversionError(err, "failed to requeue conversion")
	}
	return &ConversionOutput{Body: ConversionFromModel(job)}, nil
}

// Revoke prevents a queued conversion from starting.
func (h *ConversionHandler) Revoke(ctx context.Context, input *ConversionIDInput) (*ConversionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := h.service.Revoke(ctx, id)
	if err != nil {
		return nil, conversionError(err, "failed to revoke conversion")
	}
	return &ConversionOutput{Body: ConversionFromModel(job)}, nil
}

// BatchInput is the input for a batch download.
type BatchInput struct {
	Body BatchRequest
}

// Batch builds the zip up front so that errors still map to a status code,
// then streams it.
func (h *ConversionHandler) Batch(ctx context.Context, input *BatchInput) (*huma.StreamResponse, error) {
	batch, err := h.service.BuildBatch(ctx, input.Body.IDs)
	if err != nil {
		return nil, conversionError(err, "failed to build batch")
	}

	return &huma.StreamResponse{
		Body: func(hctx huma.Context) {
			defer batch.Close()

			f, err := os.Open(batch.Path)
			if err != nil {
				hctx.SetStatus(http.StatusInternalServerError)
				return
			}
			defer f.Close()

			hctx.SetHeader("Content-Type", "application/zip")
			hctx.SetHeader("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, batch.Name))
			hctx.SetHeader("Content-Length", strconv.FormatInt(batch.Size, 10))
			hctx.SetHeader("X-Batch-Included", strconv.Itoa(len(batch.Included)))
			hctx.SetHeader("X-Batch-Skipped", strconv.Itoa(len(batch.Skipped)))
			hctx.SetStatus(http.StatusOK)

			if _, err := io.Copy(hctx.BodyWriter(), f); err != nil {
				h.logger.Debug("batch download interrupted", slog.String("error", err.Error()))
			}
		},
	}, nil
}
