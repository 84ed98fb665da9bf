package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sitewright/sitewright/pkg/project"
	"github.com/sitewright/sitewright/pkg/runs"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	userHeader      = "X-User-ID"
	tickTokenHeader = "X-Tick-Token"

	// anonymousUser owns every request when no authentication is configured.
	anonymousUser = "anonymous"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("remote", r.RemoteAddr).
			WithField("request_id", chimw.GetReqID(r.Context())).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// authEnabled reports whether callers must identify themselves.
func (s *server) authEnabled() bool {
	return len(s.cfg.Server.Auth.Tokens) > 0 || s.cfg.Server.Auth.TrustUserHeader
}

// identify resolves the caller from a bearer token or, when trusted, the
// user header, and injects the user id into the request context.
func (s *server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, withUser(r, anonymousUser))

			return
		}

		if token, ok := bearerToken(r); ok {
			user, found := s.cfg.Server.Auth.Tokens[token]
			if !found || user == "" {
				writeJSON(w, http.StatusUnauthorized,
					errorResponse{"invalid token"})

				return
			}

			next.ServeHTTP(w, withUser(r, user))

			return
		}

		if s.cfg.Server.Auth.TrustUserHeader {
			if user := strings.TrimSpace(r.Header.Get(userHeader)); user != "" {
				next.ServeHTTP(w, withUser(r, user))

				return
			}
		}

		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"authentication required"})
	})
}

// requireProjectAccess checks that the caller owns the project named in the
// route. Without authentication every project id is accessible and need
// not be registered.
func (s *server) requireProjectAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")

		if err := runs.ValidateProjectID(projectID); err != nil {
			s.writeError(w, r, err, http.StatusBadRequest)

			return
		}

		if !s.authEnabled() {
			next.ServeHTTP(w, r)

			return
		}

		p, err := s.svc.Projects.Get(r.Context(), projectID)
		if errors.Is(err, project.ErrNotFound) ||
			(err == nil && p.OwnerID != userFromContext(r.Context())) {
			// Foreign projects are indistinguishable from missing ones.
			writeJSON(w, http.StatusNotFound, errorResponse{"Project not found"})

			return
		}

		if err != nil {
			s.writeError(w, r, err, http.StatusServiceUnavailable)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireTickToken guards the batch endpoints when a tick token is set.
func (s *server) requireTickToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Server.TickToken
		if want == "" {
			next.ServeHTTP(w, r)

			return
		}

		got := r.Header.Get(tickTokenHeader)
		if got == "" {
			got, _ = bearerToken(r)
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid tick token"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}

	return strings.TrimSpace(header[len("Bearer "):]), true
}

func withUser(r *http.Request, user string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, user))
}

// userFromContext extracts the caller id from the request context.
func userFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey).(string)

	return user
}
