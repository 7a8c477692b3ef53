// Package api exposes the control HTTP surface: vehicle linking, goal task
// registration and health.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/store"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type Server struct {
	cfg      Config
	vehicles Vehicles
	goals    Goals
	breakers BreakerStates
	clock    clock.Clock
	metrics  metrics.Collector
	log      logger.Logger
	mux      *http.ServeMux
}

func New(cfg Config, vehicles Vehicles, goals Goals, breakers BreakerStates, clk clock.Clock, collector metrics.Collector, log logger.Logger) (*Server, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	s := &Server{
		cfg:      cfg,
		vehicles: vehicles,
		goals:    goals,
		breakers: breakers,
		clock:    clk,
		metrics:  collector,
		log:      log,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("PUT /v1/vehicles/{vin}", s.linkVehicle)
	s.mux.HandleFunc("DELETE /v1/vehicles/{vin}", s.unlinkVehicle)
	s.mux.HandleFunc("POST /v1/tasks/deadline", s.registerDeadline)
	s.mux.HandleFunc("POST /v1/tasks/threshold", s.registerThreshold)
	s.mux.HandleFunc("DELETE /v1/tasks/{vin}", s.cancelTask)
	s.mux.HandleFunc("PUT /v1/tasks/{vin}/live-token", s.updateLiveToken)
	s.mux.HandleFunc("GET /healthz", s.health)
	s.mux.Handle("GET /metrics", collector.Handler())

	return s, nil
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("Control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errFactory.Wrap(errors.ErrInitFailed, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		start := s.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", s.clock.Now().Sub(start)).
			Msg("Request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if code == "" {
		code = errors.ErrInternal
	}

	if status >= http.StatusInternalServerError {
		s.log.ErrorWithCode(err).Msg("Request failed")
	}

	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrTaskExists:
		return http.StatusConflict
	case errors.ErrTaskNotFound, errors.ErrVehicleNotFound:
		return http.StatusNotFound
	case errors.ErrInvalidTask, errors.ErrInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	errFactory := errors.New()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errFactory.Wrap(errors.ErrInvalidArgument, err)
	}
	return nil
}

func toTaskResponse(t *store.GoalTask) taskResponse {
	resp := taskResponse{
		ID:                 t.ID,
		VIN:                t.VIN,
		Mode:               string(t.Mode),
		TargetOdometerKm:   t.TargetOdometerKm,
		AutoStopCharging:   t.AutoStopCharging,
		BaselineOdometerKm: t.BaselineOdometerKm,
		BaselineSOC:        t.BaselineSOC,
		CreatedAt:          t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.Mode == store.ModeDeadline {
		resp.Deadline = t.Deadline.UTC().Format(time.RFC3339)
	}
	return resp
}
