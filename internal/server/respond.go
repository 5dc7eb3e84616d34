package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/venia-ai/docsearch/internal/apperr"
)

// statusClientClosedRequest mirrors the nginx convention for a caller that
// went away before the response was ready.
const statusClientClosedRequest = 499

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError maps a classified error to an HTTP response. Only the
// caller-safe message is surfaced; the underlying cause stays in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	msg := "internal error"

	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Msg
		if ae.RetryAfter > 0 {
			seconds := int(math.Ceil(ae.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}

	correlationID := middleware.GetReqID(r.Context())
	switch kind {
	case apperr.KindInternal:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"error", err, "request_id", correlationID)
	case apperr.KindTransientUpstream, apperr.KindPermanentUpstream:
		s.logger.Warn("upstream failure",
			"method", r.Method, "path", r.URL.Path,
			"error", err, "request_id", correlationID)
	case apperr.KindRateLimited:
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveRateLimited("api")
		}
	}

	writeJSON(w, statusForKind(kind), errorBody{
		Error: errorDetail{
			Kind:          string(kind),
			Message:       msg,
			CorrelationID: correlationID,
		},
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTransientUpstream:
		return http.StatusServiceUnavailable
	case apperr.KindPermanentUpstream:
		return http.StatusBadGateway
	case apperr.KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
