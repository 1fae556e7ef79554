package handlers

import (
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/service"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

// conversionError maps service errors to API errors. Anything unrecognised
// is an infrastructure failure and reported as fallback with a 500.
func conversionError(err error, fallback string) error {
	switch {
	case errors.Is(err, repository.ErrJobNotFound):
		return huma.Error404NotFound("conversion not found")
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, models.ErrInvalidParams):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, service.ErrDownloadFailed):
		return huma.Error502BadGateway(err.Error())
	case errors.Is(err, service.ErrNoArtifacts):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, repository.ErrJobNotQueued), errors.Is(err, models.ErrInvalidTransition):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, storage.ErrInsufficientSpace):
		return huma.NewError(http.StatusInsufficientStorage, err.Error())
	default:
		return huma.Error500InternalServerError(fallback, err)
	}
}

// parseID parses a job id path parameter.
func parseID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, huma.Error400BadRequest("invalid ID format", err)
	}
	return id, nil
}
