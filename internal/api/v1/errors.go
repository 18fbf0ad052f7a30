package v1

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tandem/internal/arbiter"
	"github.com/gosuda/tandem/internal/domain"
	"github.com/gosuda/tandem/internal/session"
)

// problem maps a service error to an RFC 9457 response. resource is named
// in 404s and action in 500s.
func problem(err error, resource, action string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound(resource + " not found")
	case errors.Is(err, session.ErrSessionBusy):
		return huma.Error409Conflict("session is busy: a turn is already in flight")
	case errors.Is(err, arbiter.ErrEditBusy):
		return huma.Error409Conflict("edit is being applied")
	case errors.Is(err, arbiter.ErrDuplicateEdit):
		return huma.Error409Conflict("edit already queued")
	case errors.Is(err, arbiter.ErrEditRetired):
		return huma.Error409Conflict("edit already resolved")
	case errors.Is(err, arbiter.ErrNoConflict):
		return huma.Error409Conflict("edit is not conflicted")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict(resource+" cannot change state", err)
	case errors.Is(err, session.ErrInvalidWorkingDir):
		return huma.Error422UnprocessableEntity("working_dir must be an existing directory", err)
	case errors.Is(err, domain.ErrInvalidInput):
		return huma.Error422UnprocessableEntity("invalid input", err)
	case errors.Is(err, session.ErrSpawnFailed):
		return huma.Error502BadGateway("failed to start the assistant", err)
	default:
		return huma.Error500InternalServerError("failed to "+action, err)
	}
}
