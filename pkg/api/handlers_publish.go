package api

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/publish"
	"github.com/sitewright/sitewright/pkg/runs"
)

type publishRequest struct {
	// HTML is published as-is when set.
	HTML *string `json:"html"`

	// RunID selects the run whose output to promote when HTML is unset.
	RunID string `json:"runId"`
}

type publishResponse struct {
	URL     string `json:"url"`
	Version int64  `json:"version"`
}

type previewResponse struct {
	HTML      string `json:"html"`
	Generated bool   `json:"generated"`
}

type publishedResponse struct {
	HTML        string     `json:"html"`
	PublishedAt *time.Time `json:"publishedAt"`
	Generated   bool       `json:"generated"`
}

var errRunNotSucceeded = errors.New("run has not succeeded")

// handlePublish publishes supplied HTML or promotes a succeeded run.
func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"Invalid JSON body"})

		return
	}

	html, runID, err := s.resolvePublishHTML(r, projectID, req)
	if errors.Is(err, errRunNotSucceeded) {
		writeJSON(w, http.StatusConflict, errorResponse{"Run has not succeeded"})

		return
	}

	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	if strings.TrimSpace(html) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"HTML is required"})

		return
	}

	if len(html) < s.cfg.Publish.MinHTMLLength {
		writeJSON(w, http.StatusBadRequest, errorResponse{"HTML too short"})

		return
	}

	a, err := s.svc.Published.Publish(r.Context(), publish.Request{
		ProjectID: projectID,
		HTML:      html,
		RunID:     runID,
	})
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)

		return
	}

	s.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"run_id":     runID,
		"version":    a.Version,
	}).Info("Site published")

	writeJSON(w, http.StatusOK, publishResponse{
		URL:     s.siteURL(r, projectID),
		Version: a.Version,
	})
}

// resolvePublishHTML returns the document to publish and the run it came
// from, if any.
func (s *server) resolvePublishHTML(
	r *http.Request,
	projectID string,
	req publishRequest,
) (string, string, error) {
	if req.HTML != nil || req.RunID == "" {
		var html string
		if req.HTML != nil {
			html = *req.HTML
		}

		return html, req.RunID, nil
	}

	run, err := s.svc.Runs.GetRun(r.Context(), projectID, req.RunID)
	if err != nil {
		return "", "", err
	}

	if run.Status != runs.StatusSucceeded {
		return "", "", errRunNotSucceeded
	}

	return run.Output, run.ID, nil
}

func (s *server) siteURL(r *http.Request, projectID string) string {
	base := strings.TrimRight(s.cfg.Server.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}

		base = scheme + "://" + r.Host
	}

	return base + "/sites/" + projectID
}

// handlePreview returns the published document for the editor preview.
// An unpublished project is a success with generated=false.
func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Published.GetLatest(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	if a == nil {
		writeJSON(w, http.StatusOK, previewResponse{})

		return
	}

	writeJSON(w, http.StatusOK, previewResponse{HTML: a.HTML, Generated: true})
}

// handlePublished is handlePreview including the publish time.
func (s *server) handlePublished(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Published.GetLatest(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	if a == nil {
		writeJSON(w, http.StatusOK, publishedResponse{})

		return
	}

	writeJSON(w, http.StatusOK, publishedResponse{
		HTML:        a.HTML,
		PublishedAt: &a.PublishedAt,
		Generated:   true,
	})
}

// handleListVersions returns retained versions newest first.
func (s *server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svc.Published.ListVersions(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

var placeholderPage = template.Must(template.New("placeholder").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.}}</title></head>
<body><main><h1>This site has not been generated yet</h1><p>Project {{.}} is not generated yet.</p></main></body>
</html>
`))

// handleSite renders a project's published document publicly.
func (s *server) handleSite(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	w.Header().Set("Cache-Control", "no-cache")

	if err := runs.ValidateProjectID(projectID); err != nil {
		s.writePlaceholder(w, projectID)

		return
	}

	a, err := s.svc.Published.GetLatest(r.Context(), projectID)
	if err != nil {
		s.requestLog(r).WithError(err).Error("Failed to load published site")
		http.Error(w, "site temporarily unavailable", http.StatusServiceUnavailable)

		return
	}

	if a == nil {
		s.writePlaceholder(w, projectID)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Last-Modified", a.PublishedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, a.HTML); err != nil {
		s.log.WithError(err).Debug("Failed to write site response")
	}
}

func (s *server) writePlaceholder(w http.ResponseWriter, projectID string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)

	if err := placeholderPage.Execute(w, projectID); err != nil {
		s.log.WithError(err).Debug("Failed to write placeholder page")
	}
}
