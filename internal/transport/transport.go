// Package transport binds the orchestrator and bridge surfaces to HTTP. It
// holds no conversation state: every request is translated into one
// orchestrator or bridge call, and every error kind into a status code.
package transport

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/logger"
)

// maxBodySize is the maximum allowed size of a request body (10 MB).
const maxBodySize int64 = 10 << 20

var tracer = otel.Tracer("github.com/parley-run/parley/internal/transport")

// statusForKind maps an error kind to its protocol-level status code.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.InvalidRequest:
		return http.StatusBadRequest
	case errs.NotFound, errs.TurnNotFound:
		return http.StatusNotFound
	case errs.PermissionDenied:
		return http.StatusForbidden
	case errs.Conflict:
		return http.StatusConflict
	case errs.Timeout:
		return http.StatusRequestTimeout
	case errs.UpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, statusForKind(kind), errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response encode failed", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.New("transport", "decode", errs.InvalidRequest, err)
	}
	return nil
}

// traced wraps handler in a span named after the route, carrying the HTTP
// method and the route label as attributes so background work started from the handler
// inherits the request's trace context.
func traced(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()
		handler(w, r.WithContext(ctx))
	}
}
