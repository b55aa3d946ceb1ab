// Package http assembles the REST and WebSocket surfaces behind one
// gorilla/mux router with the shared middleware chain.
package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/astraly-labs/pragma-node/internal/config"
	"github.com/astraly-labs/pragma-node/internal/interfaces/http/handlers"
	"github.com/astraly-labs/pragma-node/internal/interfaces/ws"
	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/ratelimit"
	"github.com/astraly-labs/pragma-node/internal/telemetry"
)

// Server owns the HTTP listener and its routes.
type Server struct {
	cfg      config.Config
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	channels *ws.Channels
	limiter  *ratelimit.Limiter
	metrics  *telemetry.Metrics
	log      zerolog.Logger
}

// NewServer wires the router. The caller provides fully constructed
// handlers and channel families.
func NewServer(cfg config.Config, h *handlers.Handlers, channels *ws.Channels, limiter *ratelimit.Limiter, metrics *telemetry.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		handlers: h,
		channels: channels,
		limiter:  limiter,
		metrics:  metrics,
		log:      log.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  35 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.traceIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	// Publish ingress.
	publish := s.router.PathPrefix("/data").Methods(http.MethodPost).Subrouter()
	publish.Use(s.rateLimitMiddleware(ratelimit.ClassPublish))
	publish.Use(s.requireAPIKeyInProd)
	publish.HandleFunc("/publish_entry", s.handlers.PublishEntry)
	publish.HandleFunc("/publish_future_entry", s.handlers.PublishFutureEntry)

	// Aggregate queries.
	query := s.router.PathPrefix("/data").Methods(http.MethodGet).Subrouter()
	query.Use(s.rateLimitMiddleware(ratelimit.ClassQuery))
	query.HandleFunc("/{base}/{quote}", s.handlers.GetAggregate)
	query.HandleFunc("/{base}/{quote}/history", s.handlers.GetHistory)
	query.HandleFunc("/{base}/{quote}/ohlc", s.handlers.GetOHLC)

	// Node surface.
	node := s.router.PathPrefix("/node").Methods(http.MethodGet).Subrouter()
	node.Use(s.rateLimitMiddleware(ratelimit.ClassNode))
	node.HandleFunc("/publishers", s.handlers.ListPublishers)
	node.HandleFunc("/merkle_feeds/options/{instrument}", s.handlers.GetOptionWithProof)
	node.HandleFunc("/merkle_feeds/proof/{option_hash}", s.handlers.GetProofByHash)
	node.HandleFunc("/funding_rate/instruments", s.handlers.GetFundingRateInstruments)
	node.HandleFunc("/funding_rate/{base}/{quote}", s.handlers.GetFundingRate)
	node.HandleFunc("/funding_rate/{base}/{quote}/history", s.handlers.GetFundingRateHistory)
	node.HandleFunc("/open_interest/{base}/{quote}", s.handlers.GetOpenInterest)
	node.HandleFunc("/open_interest/{base}/{quote}/history", s.handlers.GetOpenInterestHistory)

	// WebSocket endpoints own their lifecycles past the upgrade.
	wsRouter := s.router.PathPrefix("/node/v1").Subrouter()
	wsRouter.HandleFunc("/data/subscribe", s.channels.ServeSubscribe)
	wsRouter.Handle("/data/publish", s.requireAPIKeyInProd(http.HandlerFunc(s.channels.ServePublish)))
	wsRouter.HandleFunc("/merkle_feeds/subscribe", s.channels.ServeMerkleFeed)

	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// Run serves until ctx is cancelled, then drains with a deadline.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// traceIDMiddleware assigns each request the trace id echoed in error
// payloads and response headers.
func (s *Server) traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()
		ctx := context.WithValue(r.Context(), handlers.TraceIDKey, traceID)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-KEY")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware admits one token per request for (principal, class).
func (s *Server) rateLimitMiddleware(class string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := s.limiter.Allow(Principal(r), class)
			if !ok {
				s.metrics.RateLimited.WithLabelValues(class).Inc()
				handlers.WriteError(w, r, oracle.RateLimited(retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAPIKeyInProd disables unauthenticated publish routes in prod.
func (s *Server) requireAPIKeyInProd(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.IsProd() && r.Header.Get("X-API-KEY") == "" {
			handlers.WriteError(w, r, oracle.E(oracle.KindUnauthorized, "api key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Principal resolves the rate-limit identity: API key when present,
// otherwise the client IP.
func Principal(r *http.Request) string {
	if key := r.Header.Get("X-API-KEY"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	return "ip:" + host
}
