package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/kv"
	"github.com/sitewright/sitewright/pkg/project"
	"github.com/sitewright/sitewright/pkg/publish"
	"github.com/sitewright/sitewright/pkg/runs"
)

const maxBodyBytes = 2 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors to status codes. storageStatus is used for
// backend failures, which differ between writes (500) and reads (503).
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error, storageStatus int) {
	var verr *runs.ValidationError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{verr.Message})
	case errors.Is(err, publish.ErrValidation), errors.Is(err, project.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{detail(err)})
	case errors.Is(err, runs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"Run not found"})
	case errors.Is(err, project.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"Project not found"})
	case errors.Is(err, runs.ErrRunBusy):
		writeJSON(w, http.StatusConflict, errorResponse{"Run is already being processed"})
	case kv.IsStorageError(err):
		s.requestLog(r).WithError(err).Error("Storage failure")
		writeJSON(w, storageStatus, errorResponse{"KV not available"})
	default:
		s.requestLog(r).WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

// detail returns the message after the last sentinel prefix of a wrapped
// validation error.
func detail(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}

	return msg
}

func (s *server) requestLog(r *http.Request) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": chimw.GetReqID(r.Context()),
	})
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public, non-secret configuration.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"enabled":           s.authEnabled(),
			"trust_user_header": s.cfg.Server.Auth.TrustUserHeader,
		},
		"generation": map[string]any{
			"provider": s.cfg.Generation.Provider,
			"model":    s.cfg.Generation.Model,
		},
		"runs": map[string]any{
			"tick_default_limit": s.cfg.Runs.Tick.DefaultLimit,
			"tick_max_limit":     s.cfg.Runs.Tick.MaxLimit,
			"scheduler_enabled":  s.cfg.Runs.Scheduler.Enabled,
		},
		"publish": map[string]any{
			"max_versions":    s.cfg.Publish.MaxVersions,
			"min_html_length": s.cfg.Publish.MinHTMLLength,
			"s3_mirror":       s.cfg.Publish.S3 != nil && s.cfg.Publish.S3.Enabled,
		},
	})
}
