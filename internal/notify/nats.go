// Package notify publishes build lifecycle events to NATS so external
// consumers (chat bridges, dashboards) can react without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/model"
)

// BuildEvent is the published payload.
type BuildEvent struct {
	BuildID      int64     `json:"build_id"`
	ProjectID    int64     `json:"project_id"`
	Project      string    `json:"project"`
	Repo         string    `json:"repo"`
	Branch       string    `json:"branch"`
	CommitSHA    string    `json:"commit_sha"`
	Status       string    `json:"status"`
	Trigger      string    `json:"trigger"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher sends build events over a NATS connection. The zero-value-like
// disabled publisher is valid and does nothing, so callers never branch.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	logger  *slog.Logger
	enabled bool
}

// NewPublisher connects to NATS when notifications are enabled. A disabled
// config yields an inert publisher and no connection.
func NewPublisher(cfg config.NotifyConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Publisher{logger: logger}, nil
	}

	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("ando-controller"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "ando.builds"
	}
	logger.Info("NATS notifier connected", slog.String("url", cfg.NATSURL), slog.String("subject_prefix", prefix))
	return &Publisher{conn: conn, prefix: prefix, logger: logger, enabled: true}, nil
}

// BuildFinished publishes a terminal build to <prefix>.<status>. Publish
// failures are logged and swallowed; notifications never affect a build.
func (p *Publisher) BuildFinished(_ context.Context, b *model.Build, proj *model.Project) {
	if !p.enabled {
		return
	}
	ev := BuildEvent{
		BuildID:      b.ID,
		ProjectID:    proj.ID,
		Project:      proj.Name,
		Repo:         proj.RepoFullName,
		Branch:       b.Branch,
		CommitSHA:    b.CommitSHA,
		Status:       string(b.Status),
		Trigger:      string(b.Trigger),
		ErrorMessage: b.ErrorMessage,
		DurationMS:   b.Duration().Milliseconds(),
		Timestamp:    time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal build event", slog.Any("err", err))
		return
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, b.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish build event", slog.String("subject", subject), slog.Any("err", err))
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}
