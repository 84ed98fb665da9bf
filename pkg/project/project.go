// Package project stores the minimal project records runs and published
// sites belong to.
package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/kv"
)

// SchemaVersion is the current version of stored project records.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when a project does not exist.
	ErrNotFound = errors.New("project not found")

	// ErrValidation is returned for rejected project input.
	ErrValidation = errors.New("invalid project")
)

// Project is an owned container for runs and published artifacts.
type Project struct {
	V          int       `json:"v"`
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Name       string    `json:"name"`
	TemplateID string    `json:"templateId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SchemaVersion implements kv.Record.
func (p *Project) SchemaVersion() int { return p.V }

// Validate implements kv.Record.
func (p *Project) Validate() error {
	if p.ID == "" || p.OwnerID == "" {
		return errors.New("project id or owner is empty")
	}

	return nil
}

// Store persists projects.
type Store interface {
	Create(ctx context.Context, ownerID, name, templateID string) (*Project, error)
	Get(ctx context.Context, id string) (*Project, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Project, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	kv  kv.Store
	now func() time.Time
}

// NewStore creates a project Store.
func NewStore(log logrus.FieldLogger, backend kv.Store) Store {
	return &store{
		log: log.WithField("component", "projects"),
		kv:  backend,
		now: time.Now,
	}
}

func key(id string) string {
	return "project:" + id
}

func (s *store) Create(ctx context.Context, ownerID, name, templateID string) (*Project, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrValidation)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: Missing name", ErrValidation)
	}

	now := s.now().UTC()

	p := &Project{
		V:          SchemaVersion,
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Name:       name,
		TemplateID: strings.TrimSpace(templateID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := kv.PutRecord(ctx, s.kv, key(p.ID), p); err != nil {
		return nil, fmt.Errorf("storing project: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"project_id": p.ID,
		"owner_id":   ownerID,
	}).Info("Project created")

	return p, nil
}

func (s *store) Get(ctx context.Context, id string) (*Project, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	var p Project

	err := kv.GetRecord(ctx, s.kv, key(id), &p, SchemaVersion)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", id, err)
	}

	return &p, nil
}

// ListByOwner scans all projects; ownership is not indexed.
func (s *store) ListByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	entries, err := s.kv.List(ctx, "project:")
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	out := make([]*Project, 0, 4)

	for _, e := range entries {
		var p Project
		if err := kv.DecodeRecord(e.Key, e.Value, &p, SchemaVersion); err != nil {
			return nil, fmt.Errorf("listing projects: %w", err)
		}

		if p.OwnerID == ownerID {
			out = append(out, &p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}
