package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/runs"
)

type createRunRequest struct {
	Prompt string `json:"prompt"`
}

type runResponse struct {
	Run *runs.Run `json:"run"`
}

type tickRequest struct {
	Limit int `json:"limit"`
}

// handleCreateRun stores a queued run for the project.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"Invalid JSON body"})

		return
	}

	run, err := s.svc.Runs.CreateRun(r.Context(), chi.URLParam(r, "projectID"), req.Prompt)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)

		return
	}

	s.svc.Metrics.RunCreated()

	s.log.WithFields(logrus.Fields{
		"project_id": run.ProjectID,
		"run_id":     run.ID,
		"user":       userFromContext(r.Context()),
	}).Info("Run created")

	writeJSON(w, http.StatusCreated, runResponse{Run: run})
}

// handleListRuns returns the project's runs newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Runs.ListRuns(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

// handleLatestRun returns the newest run of the project.
func (s *server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Runs.LatestRun(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

// handleGetRun returns one run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Runs.GetRun(
		r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "runID"),
	)
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

// handleExecuteRun runs a queued run to completion within the request.
// Terminal runs are returned unchanged.
func (s *server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Machine.Execute(
		r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "runID"),
	)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

// handleTick processes a bounded batch of queued runs. The limit defaults
// to and is clamped by the configured tick limits.
func (s *server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"Invalid JSON body"})

		return
	}

	limit := s.tickLimit(req.Limit)

	summary, err := s.svc.Ticker.Tick(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *server) tickLimit(requested int) int {
	switch {
	case requested <= 0:
		return s.cfg.Runs.Tick.DefaultLimit
	case requested > s.cfg.Runs.Tick.MaxLimit:
		return s.cfg.Runs.Tick.MaxLimit
	default:
		return requested
	}
}

// handleSweep fails runs stuck in running past the staleness bound.
func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}
