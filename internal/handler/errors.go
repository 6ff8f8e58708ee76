package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// fail maps a service error onto the response envelope. notFound is the
// code used for model.ErrNotFound, which depends on what was looked up.
func fail(c *gin.Context, log zerolog.Logger, err error, notFound response.ErrCode) {
	status, code := classify(err, notFound)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Request failed")
	}
	response.Fail(c, status, code)
}

func classify(err error, notFound response.ErrCode) (int, response.ErrCode) {
	switch {
	case errors.Is(err, model.ErrAuthenticationRequired):
		return http.StatusUnauthorized, response.ErrTokenRequired
	case errors.Is(err, service.ErrNotOwner):
		return http.StatusForbidden, response.ErrNotSessionOwner
	case errors.Is(err, service.ErrNotExamAuthor):
		return http.StatusForbidden, response.ErrNotExamAuthor
	case errors.Is(err, service.ErrNotReviewer):
		return http.StatusForbidden, response.ErrReviewerAccessOnly
	case errors.Is(err, model.ErrAccessDenied):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, notFound
	case errors.Is(err, model.ErrNotAvailable):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, response.ErrInvalidTransition
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, model.ErrCorruptLog):
		return http.StatusInternalServerError, response.ErrCorruptLog
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// sessionID parses the :id path parameter, answering 400 when malformed.
func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
