// Package events publishes run and site lifecycle notifications to NATS.
// Delivery is best effort: publishing failures are logged by callers and
// never affect run or publish outcomes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
)

// Subjects, relative to the configured prefix.
const (
	SubjectRunStarted    = "runs.started"
	SubjectRunFinished   = "runs.finished"
	SubjectSitePublished = "sites.published"
)

// RunEvent describes a run state change.
type RunEvent struct {
	ProjectID string    `json:"projectId"`
	RunID     string    `json:"runId"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// SiteEvent describes a publish.
type SiteEvent struct {
	ProjectID string    `json:"projectId"`
	RunID     string    `json:"runId,omitempty"`
	Version   int64     `json:"version"`
	URL       string    `json:"url,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
	Close()
}

// New returns a NATS publisher when cfg.NATSURL is set, otherwise a no-op.
func New(log logrus.FieldLogger, cfg *config.EventsConfig) (Publisher, error) {
	if cfg == nil || cfg.NATSURL == "" {
		return Noop{}, nil
	}

	nc, err := nats.Connect(
		cfg.NATSURL,
		nats.Name("sitewright"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	log.WithField("component", "events").
		WithField("url", nc.ConnectedUrlRedacted()).
		Info("Connected to NATS")

	return &natsPublisher{conn: nc, prefix: cfg.SubjectPrefix}, nil
}

type natsPublisher struct {
	conn   *nats.Conn
	prefix string
}

// Publish encodes v as JSON and publishes it under prefix.subject.
func (p *natsPublisher) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	subj := subject
	if p.prefix != "" {
		subj = p.prefix + "." + subject
	}

	if err := p.conn.Publish(subj, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subj, err)
	}

	return nil
}

// Close drains the connection, falling back to a hard close.
func (p *natsPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Noop discards every event.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, string, any) error { return nil }

// Close does nothing.
func (Noop) Close() {}
