// Package handlers implements the REST surface: query parsing, dispatch to
// the engine/caches, and typed-error serialization.
package handlers

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/astraly-labs/pragma-node/internal/admission"
	"github.com/astraly-labs/pragma-node/internal/aggregate"
	"github.com/astraly-labs/pragma-node/internal/config"
	"github.com/astraly-labs/pragma-node/internal/merkle"
	"github.com/astraly-labs/pragma-node/internal/optioncache"
	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/store"
	"github.com/astraly-labs/pragma-node/internal/telemetry"
)

// Deadlines applied per query shape.
const (
	pointDeadline = 5 * time.Second
	rangeDeadline = 30 * time.Second
)

// Handlers owns every REST handler's dependencies.
type Handlers struct {
	Cfg       config.Config
	Engine    *aggregate.Engine
	Store     *store.Store
	Pipeline  *admission.Pipeline
	Merkle    *merkle.Cache
	Options   *optioncache.Cache
	Metrics   *telemetry.Metrics
	Log       zerolog.Logger
	RedisPing func(ctx context.Context) error
	BusPing   func(ctx context.Context) error
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Index      *int   `json:"index,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

type errorResponse struct {
	Error   errorBody `json:"error"`
	TraceID string    `json:"trace_id,omitempty"`
}

// WriteJSON serializes a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError maps a typed error onto the response: stable code, message,
// optional index and retry hint, and the request's trace id.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oracle.AsError(err)
	body := errorBody{Code: string(oe.Kind), Message: oe.Message}
	if oe.Index >= 0 {
		idx := oe.Index
		body.Index = &idx
	}
	if oe.RetryAfter > 0 {
		secs := int(math.Ceil(oe.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = &secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	traceID, _ := r.Context().Value(TraceIDKey).(string)
	WriteJSON(w, oracle.HTTPStatus(oe.Kind), errorResponse{Error: body, TraceID: traceID})
}

type contextKey string

// TraceIDKey carries the per-request trace id through the context.
const TraceIDKey contextKey = "trace_id"

func parseTimestampMs(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, oracle.InvalidInput("malformed timestamp %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// NotFound is the router fallback.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, oracle.InvalidInput("unsupported route %s", r.URL.Path))
}
