package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// statusFor maps the error taxonomy onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "InvalidTransition"
	}

	reason := domain.Reason(err)
	switch reason {
	case domain.ReasonUnauthorized:
		return http.StatusUnauthorized, string(reason)
	case domain.ReasonInvalidInput:
		return http.StatusBadRequest, string(reason)
	case domain.ReasonRateLimited:
		return http.StatusTooManyRequests, string(reason)
	case domain.ReasonSideEffectDenied:
		return http.StatusForbidden, string(reason)
	case domain.ReasonCredentialUnavailable, domain.ReasonUpstreamTransport,
		domain.ReasonUpstreamExhausted, domain.ReasonUpstreamEmptyResult:
		return http.StatusBadGateway, string(reason)
	case domain.ReasonCancelled:
		return http.StatusConflict, string(reason)
	default:
		return http.StatusInternalServerError, string(domain.ReasonUnknown)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	var denied *governance.AdmissionDeniedError
	if errors.As(err, &denied) {
		governance.WriteRetryAfter(w, denied)
	}

	message := http.StatusText(status)
	if status < http.StatusInternalServerError {
		message = err.Error()
	} else {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}

	writeJSON(w, status, domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
