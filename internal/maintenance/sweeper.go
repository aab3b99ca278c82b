package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vocaline/transcribe-relay/internal/logger"
	"github.com/vocaline/transcribe-relay/internal/transcriptions"
)

// Sweeper periodically marks abandoned IN_PROGRESS transcriptions as
// FAILED. A crashed process never runs its sessions' finalization, so the
// rows it left behind must be closed out of band.
type Sweeper struct {
	store    *transcriptions.Store
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
	logger   *logger.Logger
}

// NewSweeper creates a sweeper. Schedule uses cron syntax (descriptors
// like "@hourly" work too).
func NewSweeper(store *transcriptions.Store, schedule string, maxAge time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		schedule: schedule,
		maxAge:   maxAge,
		cron:     cron.New(),
		logger:   log.WithComponent("sweeper"),
	}
}

// Start registers the job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("stale transcription sweeper started",
		slog.String("schedule", s.schedule),
		slog.Duration("max_age", s.maxAge))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.store.FailStale(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("sweep completed", slog.Int64("failed_rows", n))
	}
}
