package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flor3z/tournament-bot/internal/tournament"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// stopTimeout caps how long the scheduler itself waits for a running sweep.
// Callers usually bound Stop with a shorter context.
const stopTimeout = 5 * time.Minute

// Cleaner runs one auto-clean pass
type Cleaner interface {
	Sweep(ctx context.Context) (tournament.SweepResult, error)
}

// Sweeper periodically stops tournaments that outlived their guild's auto-clean horizon
type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration

	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// New creates a new Sweeper
func New(cleaner Cleaner, intervalSeconds int) *Sweeper {
	return &Sweeper{
		cleaner:  cleaner,
		interval: time.Duration(intervalSeconds) * time.Second,
	}
}

// Start schedules the sweep job. The first run happens immediately; a run that is
// still going when the next one is due delays it instead of overlapping.
func (s *Sweeper) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithStopTimeout(stopTimeout))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.sweep(ctx) }),
		gocron.WithName("tournament-autoclean"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		scheduler.Shutdown()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.scheduler = scheduler
	s.cancel = cancel

	slog.Info("Starting sweeper", "interval", s.interval)
	scheduler.Start()
	return nil
}

// Stop ends scheduling and waits for a running sweep to finish. The sweep stops at
// the next tournament boundary; a teardown already underway always completes.
// ctx bounds the wait.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.scheduler == nil {
		return nil
	}
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.scheduler.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to shut down sweeper: %w", err)
		}
		slog.Info("Sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper still running at shutdown deadline: %w", ctx.Err())
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	log := slog.With("runID", uuid.NewString())
	start := time.Now()

	res, err := s.cleaner.Sweep(ctx)
	if err != nil {
		log.Error("Sweep failed", "error", err, "stopped", res.Stopped)
		return
	}

	if res.Stopped == 0 {
		log.Debug("Nothing to clean", "guilds", res.Guilds)
		return
	}
	log.Info("Expired tournaments stopped",
		"guilds", res.Guilds,
		"stopped", res.Stopped,
		"incomplete", res.Incomplete,
		"took", time.Since(start),
	)
}
