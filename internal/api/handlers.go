package api

import (
	"net/http"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/goal"
	"codeberg.org/mutker/evtrack/internal/store"
)

// linkVehicle stores the credential and schedules an immediate poll.
func (s *Server) linkVehicle(w http.ResponseWriter, r *http.Request) {
	errFactory := errors.New()

	var req linkRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Credential == "" {
		s.writeError(w, errFactory.WithMessage(errors.ErrInvalidArgument, "credential is required"))
		return
	}

	v := &store.Vehicle{
		VIN:                 r.PathValue("vin"),
		Credential:          req.Credential,
		NotificationAddress: req.NotificationAddress,
		State:               store.StateIdle,
		NextPollTime:        s.clock.Now(),
	}
	if err := s.vehicles.UpsertVehicle(r.Context(), v); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info().Str("vin", v.VIN).Msg("Vehicle linked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unlinkVehicle(w http.ResponseWriter, r *http.Request) {
	vin := r.PathValue("vin")

	if _, err := s.goals.Cancel(r.Context(), vin, ""); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.vehicles.DeleteVehicle(r.Context(), vin); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info().Str("vin", vin).Msg("Vehicle unlinked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) registerDeadline(w http.ResponseWriter, r *http.Request) {
	var req goal.DeadlineRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, errors.New().Wrap(errors.ErrInvalidTask, err))
		return
	}

	task, err := s.goals.RegisterDeadline(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (s *Server) registerThreshold(w http.ResponseWriter, r *http.Request) {
	var req goal.ThresholdRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, errors.New().Wrap(errors.ErrInvalidTask, err))
		return
	}

	task, err := s.goals.RegisterThreshold(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

// cancelTask is idempotent: cancelling a missing task still succeeds.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}

	existed, err := s.goals.Cancel(r.Context(), r.PathValue("vin"), req.NotificationAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"existed": existed})
}

func (s *Server) updateLiveToken(w http.ResponseWriter, r *http.Request) {
	var req liveTokenRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.goals.UpdateLiveToken(r.Context(), r.PathValue("vin"), req.LiveToken); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Breakers:      s.breakers(),
		ThresholdLoop: s.goals.LoopRunning(),
	})
}
