package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"refreshflow/internal/domain"
	"refreshflow/internal/refresh"
	"refreshflow/internal/store"
	"refreshflow/internal/worker"
)

// retryScanLimit caps how many failed runs one tick looks at.
const retryScanLimit = 500

// Orchestrator is the part of refresh.Orchestrator the loop drives.
type Orchestrator interface {
	TriggerScheduled(ctx context.Context, schedule domain.RefreshSchedule, principal string, retriesAttempted int) (*domain.RefreshRun, error)
	SyncStatus(ctx context.Context, run domain.RefreshRun) error
	NextDue(ctx context.Context, schedule domain.RefreshSchedule) (time.Time, error)
}

type Loop struct {
	orch      Orchestrator
	schedules store.ScheduleStore
	runs      store.RunStore
	pool      *worker.Pool
	interval  time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewLoop(orch Orchestrator, schedules store.ScheduleStore, runs store.RunStore, pool *worker.Pool, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	if pool == nil {
		pool = worker.NewPool(1)
	}
	return &Loop{
		orch:      orch,
		schedules: schedules,
		runs:      runs,
		pool:      pool,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

// Start blocks, running a tick every interval until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", l.interval).Int("sync_workers", l.pool.Size()).Msg("refresh scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("refresh scheduler stopped")
			return
		case <-l.stop:
			log.Info().Msg("refresh scheduler stopped")
			return
		case now := <-ticker.C:
			l.Tick(ctx, now.UTC())
		}
	}
}

func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Tick runs one cycle: due schedules, retries, then status sync. A failing
// pass does not prevent the next one.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	l.guard("due", func() { l.processDueSchedules(ctx, now) })
	l.guard("retry", func() { l.processRetries(ctx, now) })
	l.guard("sync", func() { l.syncActiveRuns(ctx) })
}

func (l *Loop) guard(pass string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pass", pass).Str("panic", fmt.Sprint(r)).Msg("scheduler pass panicked")
		}
	}()
	fn()
}

func (l *Loop) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := l.schedules.ListSchedules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list schedules")
		return
	}

	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		next, err := l.orch.NextDue(ctx, schedule)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Str("cron", schedule.Cron).Msg("cannot compute next run")
			continue
		}
		if now.Before(next) {
			continue
		}
		l.trigger(ctx, schedule, 0)
	}
}

func (l *Loop) processRetries(ctx context.Context, now time.Time) {
	failed, err := l.runs.ListFailedScheduledRuns(ctx, retryScanLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list failed runs")
		return
	}

	schedules := make(map[string]*domain.RefreshSchedule)
	for _, run := range failed {
		if run.ScheduleID == nil || run.CompletedAt == nil {
			continue
		}
		schedule, ok := schedules[*run.ScheduleID]
		if !ok {
			s, err := l.schedules.GetSchedule(ctx, *run.ScheduleID)
			switch {
			case err == nil:
				schedule = &s
			case errors.Is(err, domain.ErrNotFound):
			default:
				log.Error().Err(err).Str("schedule_id", *run.ScheduleID).Msg("failed to load schedule")
				continue
			}
			schedules[*run.ScheduleID] = schedule
		}
		if schedule == nil || !schedule.Enabled {
			continue
		}
		if run.RetriesAttempted >= schedule.RetryCount {
			continue
		}
		if now.Before(run.CompletedAt.Add(time.Duration(schedule.RetryBackoffSeconds) * time.Second)) {
			continue
		}

		// only the newest failure of a schedule is retried
		latest, err := l.runs.GetLatestRunBySchedule(ctx, schedule.ID)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to load latest run")
			continue
		}
		if latest.ID != run.ID {
			continue
		}

		log.Info().
			Str("schedule_id", schedule.ID).
			Str("failed_run_id", run.ID).
			Int("attempt", run.RetriesAttempted+1).
			Msg("retrying failed refresh")
		l.trigger(ctx, *schedule, run.RetriesAttempted+1)
	}
}

func (l *Loop) trigger(ctx context.Context, schedule domain.RefreshSchedule, retries int) {
	run, err := l.orch.TriggerScheduled(ctx, schedule, refresh.SystemPrincipal, retries)
	switch {
	case err == nil:
		log.Info().
			Str("schedule_id", schedule.ID).
			Str("schedule_name", schedule.Name).
			Str("run_id", run.ID).
			Msg("scheduled refresh started")
	case errors.Is(err, domain.ErrConcurrencyViolation):
		log.Debug().Str("schedule_id", schedule.ID).Msg("dataset busy, scheduled refresh deferred")
	case errors.Is(err, domain.ErrGatewayFailure):
		// already recorded as a Failed run
		log.Warn().Err(err).Str("schedule_id", schedule.ID).Msg("scheduled refresh failed to start")
	default:
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to trigger scheduled refresh")
	}
}

func (l *Loop) syncActiveRuns(ctx context.Context) {
	active, err := l.runs.ListActiveRuns(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active runs")
		return
	}
	worker.Each(ctx, l.pool, active, func(ctx context.Context, run domain.RefreshRun) {
		if err := l.orch.SyncStatus(ctx, run); err != nil {
			log.Warn().Err(err).Str("run_id", run.ID).Str("dataset_id", run.DatasetID).Msg("status sync failed")
		}
	})
}
