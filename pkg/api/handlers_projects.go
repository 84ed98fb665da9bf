package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sitewright/sitewright/pkg/project"
)

type createProjectRequest struct {
	Name       string `json:"name"`
	TemplateID string `json:"templateId"`
}

type projectResponse struct {
	Project *project.Project `json:"project"`
}

func (s *server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"Invalid JSON body"})

		return
	}

	p, err := s.svc.Projects.Create(
		r.Context(), userFromContext(r.Context()), req.Name, req.TemplateID,
	)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusCreated, projectResponse{Project: p})
}

func (s *server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Projects.ListByOwner(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"projects": list})
}

func (s *server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err, http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, projectResponse{Project: p})
}
