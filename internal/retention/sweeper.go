// Package retention removes expired artifacts and stale webhook delivery
// records on a fixed schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/ando/internal/store"
	"git.home.luguber.info/inful/ando/internal/workspace"
)

// SweepInterval is how often the sweeper wakes up.
const SweepInterval = time.Hour

// deliveryRetention is how long webhook delivery ids are kept for replay
// detection. Forge retries stop well inside a day.
const deliveryRetention = 24 * time.Hour

// Sweeper deletes expired artifact files and metadata.
type Sweeper struct {
	store     *store.Store
	ws        *workspace.Manager
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

func NewSweeper(st *store.Store, ws *workspace.Manager, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Sweeper{store: st, ws: ws, scheduler: s, logger: logger}, nil
}

// Start registers the sweep job and begins the schedule. The first sweep
// runs immediately so restarts do not defer overdue cleanup by an hour.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(SweepInterval),
		gocron.NewTask(s.Sweep, ctx),
		gocron.WithName("retention-sweep"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep runs one pass: expired artifacts first, then old delivery records.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ListExpiredArtifacts(ctx, time.Now())
	if err != nil {
		s.logger.Error("list expired artifacts", slog.Any("err", err))
		return
	}

	removed := 0
	for _, a := range expired {
		path := s.ws.ArtifactPath(a.ProjectID, a.BuildID, a.Name)
		if err := removeFile(path); err != nil {
			s.logger.Warn("remove artifact file", slog.String("path", path), slog.Any("err", err))
			continue
		}
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil {
			s.logger.Warn("delete artifact row", slog.Int64("artifact_id", a.ID), slog.Any("err", err))
			continue
		}
		removed++
	}

	if err := s.store.PruneWebhookDeliveries(ctx, deliveryRetention); err != nil {
		s.logger.Warn("prune webhook deliveries", slog.Any("err", err))
	}

	if removed > 0 {
		s.logger.Info("retention sweep complete", slog.Int("artifacts_removed", removed))
	}
}
