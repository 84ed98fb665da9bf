// Package publish stores the artifact a project serves publicly together
// with a capped, newest-first history of earlier publishes.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/events"
	"github.com/sitewright/sitewright/pkg/kv"
	"github.com/sitewright/sitewright/pkg/metrics"
)

// SchemaVersion is the current version of stored artifact records.
const SchemaVersion = 1

// ErrValidation is returned for rejected publish input.
var ErrValidation = errors.New("invalid publish request")

// Artifact is one published document.
type Artifact struct {
	V           int       `json:"v"`
	ProjectID   string    `json:"projectId"`
	Version     int64     `json:"version"`
	HTML        string    `json:"html"`
	RunID       string    `json:"runId,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// SchemaVersion implements kv.Record.
func (a *Artifact) SchemaVersion() int { return a.V }

// Validate implements kv.Record.
func (a *Artifact) Validate() error {
	if a.ProjectID == "" {
		return errors.New("artifact project id is empty")
	}

	if a.PublishedAt.IsZero() {
		return errors.New("artifact has no publishedAt")
	}

	return nil
}

// Request describes one publish.
type Request struct {
	ProjectID string
	HTML      string

	// RunID optionally records which run produced the document.
	RunID string
}

// Store persists published artifacts.
type Store interface {
	// Publish replaces the project's latest artifact and appends a version,
	// evicting the oldest versions beyond the cap.
	Publish(ctx context.Context, req Request) (*Artifact, error)

	// GetLatest returns the latest artifact, or nil when nothing has been
	// published yet. A nil artifact is not an error.
	GetLatest(ctx context.Context, projectID string) (*Artifact, error)

	// ListVersions returns the retained versions newest first.
	ListVersions(ctx context.Context, projectID string) ([]*Artifact, error)
}

// Mirror copies published documents to secondary storage.
type Mirror interface {
	Put(ctx context.Context, a *Artifact) error
	Remove(ctx context.Context, projectID string, version int64) error
}

// Options configures a Store.
type Options struct {
	MaxVersions int
	Mirror      Mirror
	Events      events.Publisher
	Metrics     *metrics.Metrics

	// SiteBaseURL prefixes /sites/{projectID} in published events. Events
	// carry no URL when it is empty.
	SiteBaseURL string
}

func latestKey(projectID string) string {
	return "published:" + projectID
}

func versionPrefix(projectID string) string {
	return "versions:" + projectID + ":"
}

func versionKey(projectID string, seq int64) string {
	return fmt.Sprintf("%s%020d", versionPrefix(projectID), seq)
}

func versionSeqKey(projectID string) string {
	return "versions-seq:" + projectID
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log         logrus.FieldLogger
	kv          kv.Store
	maxVersions int
	mirror      Mirror
	events      events.Publisher
	metrics     *metrics.Metrics
	siteBaseURL string
	now         func() time.Time
}

// NewStore creates a publish Store.
func NewStore(log logrus.FieldLogger, backend kv.Store, opts Options) Store {
	if opts.MaxVersions <= 0 {
		opts.MaxVersions = 20
	}

	if opts.Events == nil {
		opts.Events = events.Noop{}
	}

	return &store{
		log:         log.WithField("component", "publish"),
		kv:          backend,
		maxVersions: opts.MaxVersions,
		mirror:      opts.Mirror,
		events:      opts.Events,
		metrics:     opts.Metrics,
		siteBaseURL: strings.TrimRight(opts.SiteBaseURL, "/"),
		now:         time.Now,
	}
}

func validateProjectID(projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return fmt.Errorf("%w: Missing projectId", ErrValidation)
	}

	if strings.ContainsAny(projectID, ": \t\n") {
		return fmt.Errorf("%w: Invalid projectId", ErrValidation)
	}

	return nil
}

func (s *store) Publish(ctx context.Context, req Request) (*Artifact, error) {
	if err := validateProjectID(req.ProjectID); err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.HTML) == "" {
		return nil, fmt.Errorf("%w: HTML is required", ErrValidation)
	}

	seq, err := s.kv.Incr(ctx, versionSeqKey(req.ProjectID))
	if err != nil {
		return nil, fmt.Errorf("allocating version: %w", err)
	}

	a := &Artifact{
		V:           SchemaVersion,
		ProjectID:   req.ProjectID,
		Version:     seq,
		HTML:        req.HTML,
		RunID:       req.RunID,
		PublishedAt: s.now().UTC(),
	}

	if err := kv.PutRecord(ctx, s.kv, versionKey(req.ProjectID, seq), a); err != nil {
		return nil, fmt.Errorf("appending version: %w", err)
	}

	if err := kv.PutRecord(ctx, s.kv, latestKey(req.ProjectID), a); err != nil {
		return nil, fmt.Errorf("storing latest artifact: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{
		"project_id": req.ProjectID,
		"version":    seq,
	})

	if err := s.evict(ctx, req.ProjectID); err != nil {
		log.WithError(err).Warn("Failed to evict old versions")
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, a); err != nil {
			log.WithError(err).Warn("Failed to mirror published artifact")
		}
	}

	s.metrics.Published()

	if err := s.events.Publish(ctx, events.SubjectSitePublished, events.SiteEvent{
		ProjectID: a.ProjectID,
		RunID:     a.RunID,
		Version:   a.Version,
		URL:       s.siteURL(a.ProjectID),
		At:        a.PublishedAt,
	}); err != nil {
		log.WithError(err).Debug("Failed to publish site event")
	}

	log.WithField("bytes", len(a.HTML)).Info("Artifact published")

	return a, nil
}

func (s *store) siteURL(projectID string) string {
	if s.siteBaseURL == "" {
		return ""
	}

	return s.siteBaseURL + "/sites/" + projectID
}

// evict deletes the oldest version entries beyond the cap.
func (s *store) evict(ctx context.Context, projectID string) error {
	entries, err := s.kv.List(ctx, versionPrefix(projectID))
	if err != nil {
		return err
	}

	excess := len(entries) - s.maxVersions
	for i := 0; i < excess; i++ {
		if err := s.kv.Delete(ctx, entries[i].Key); err != nil {
			return err
		}

		if s.mirror == nil {
			continue
		}

		var old Artifact
		if err := kv.DecodeRecord(entries[i].Key, entries[i].Value, &old, SchemaVersion); err != nil {
			continue
		}

		if err := s.mirror.Remove(ctx, projectID, old.Version); err != nil {
			s.log.WithError(err).WithField("version", old.Version).
				Warn("Failed to remove mirrored version")
		}
	}

	return nil
}

func (s *store) GetLatest(ctx context.Context, projectID string) (*Artifact, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}

	var a Artifact

	err := kv.GetRecord(ctx, s.kv, latestKey(projectID), &a, SchemaVersion)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading latest artifact: %w", err)
	}

	return &a, nil
}

func (s *store) ListVersions(ctx context.Context, projectID string) ([]*Artifact, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}

	entries, err := s.kv.List(ctx, versionPrefix(projectID))
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	out := make([]*Artifact, 0, len(entries))

	for i := len(entries) - 1; i >= 0; i-- {
		var a Artifact
		if err := kv.DecodeRecord(entries[i].Key, entries[i].Value, &a, SchemaVersion); err != nil {
			return nil, fmt.Errorf("listing versions: %w", err)
		}

		out = append(out, &a)
	}

	return out, nil
}
