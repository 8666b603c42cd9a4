// Package refresh starts dataset refreshes and tracks them to completion.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"refreshflow/internal/cronexpr"
	"refreshflow/internal/domain"
	"refreshflow/internal/gateway"
	"refreshflow/internal/lock"
	"refreshflow/internal/store"
)

// SystemPrincipal is recorded as TriggeredBy for runs started by the scheduler.
const SystemPrincipal = "System"

type Options struct {
	MaxConcurrentPerDataset    int
	ManualCooldownSeconds      int
	DefaultRetryCount          int
	DefaultRetryBackoffSeconds int
	PollIntervalSeconds        int
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrentPerDataset:    1,
		ManualCooldownSeconds:      60,
		DefaultRetryCount:          2,
		DefaultRetryBackoffSeconds: 120,
		PollIntervalSeconds:        60,
	}
}

// Dispatcher sends outcome notifications for a finished scheduled run.
type Dispatcher interface {
	Dispatch(ctx context.Context, run domain.RefreshRun, schedule domain.RefreshSchedule) error
}

type ManualRequest struct {
	DatasetID   string
	WorkspaceID string
	ReportID    *string
	PageID      *int
	Principal   string
}

type Orchestrator struct {
	opts      Options
	schedules store.ScheduleStore
	runs      store.RunStore
	gateway   gateway.RefreshGateway
	notifier  Dispatcher
	locker    lock.Locker
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func New(opts Options, schedules store.ScheduleStore, runs store.RunStore, gw gateway.RefreshGateway, notifier Dispatcher, options ...Option) *Orchestrator {
	if opts.MaxConcurrentPerDataset <= 0 {
		opts.MaxConcurrentPerDataset = 1
	}
	o := &Orchestrator{
		opts:      opts,
		schedules: schedules,
		runs:      runs,
		gateway:   gw,
		notifier:  notifier,
		locker:    lock.NewLocal(),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Options() Options { return o.opts }

// TriggerManual starts a user-requested refresh. It is rejected inside the
// cooldown window and when the dataset is at its concurrency ceiling. When the
// gateway call fails the persisted Failed run is returned along with an error
// wrapping ErrGatewayFailure.
func (o *Orchestrator) TriggerManual(ctx context.Context, req ManualRequest) (*domain.RefreshRun, error) {
	if strings.TrimSpace(req.DatasetID) == "" || strings.TrimSpace(req.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace id and dataset id are required", domain.ErrValidation)
	}
	principal := req.Principal
	if principal == "" {
		principal = "anonymous"
	}
	run := domain.RefreshRun{
		WorkspaceID: req.WorkspaceID,
		DatasetID:   req.DatasetID,
		ReportID:    req.ReportID,
		PageID:      req.PageID,
		TriggeredBy: principal,
		Status:      domain.StatusQueued,
	}
	if err := o.admit(ctx, &run, true); err != nil {
		return nil, err
	}
	return o.start(ctx, run)
}

// TriggerScheduled starts a refresh on behalf of schedule. Only the
// concurrency ceiling applies, not the manual cooldown.
func (o *Orchestrator) TriggerScheduled(ctx context.Context, schedule domain.RefreshSchedule, principal string, retriesAttempted int) (*domain.RefreshRun, error) {
	if _, err := cronexpr.NextOccurrence(schedule.Cron, schedule.TimeZone, o.now().UTC()); err != nil {
		return nil, &domain.ValidationError{Problems: []string{err.Error()}}
	}
	scheduleID := schedule.ID
	run := domain.RefreshRun{
		ScheduleID:       &scheduleID,
		WorkspaceID:      schedule.WorkspaceID,
		DatasetID:        schedule.DatasetID,
		ReportID:         schedule.ReportID,
		PageID:           schedule.PageID,
		TriggeredBy:      principal,
		Status:           domain.StatusQueued,
		RetriesAttempted: retriesAttempted,
	}
	if err := o.admit(ctx, &run, false); err != nil {
		return nil, err
	}
	return o.start(ctx, run)
}

// admit checks the admission rules and records run as Queued while holding
// the dataset lock, so two triggers cannot both pass the same check.
func (o *Orchestrator) admit(ctx context.Context, run *domain.RefreshRun, manual bool) error {
	unlock, err := o.locker.Lock(ctx, run.DatasetID)
	if err != nil {
		return fmt.Errorf("lock dataset %s: %w", run.DatasetID, err)
	}
	defer unlock()

	now := o.now().UTC()
	if manual && o.opts.ManualCooldownSeconds > 0 {
		last, err := o.runs.GetLatestRunByDataset(ctx, run.DatasetID)
		switch {
		case err == nil:
			if now.Sub(last.RequestedAt) < time.Duration(o.opts.ManualCooldownSeconds)*time.Second {
				return domain.ErrCooldownViolation
			}
		case errors.Is(err, domain.ErrNotFound):
		default:
			return fmt.Errorf("load latest run: %w", err)
		}
	}

	active, err := o.runs.CountActiveRunsByDataset(ctx, run.DatasetID)
	if err != nil {
		return fmt.Errorf("count active runs: %w", err)
	}
	if active >= o.opts.MaxConcurrentPerDataset {
		return domain.ErrConcurrencyViolation
	}

	run.RequestedAt = now
	id, err := o.runs.AddRun(ctx, *run)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	run.ID = id
	return nil
}

func (o *Orchestrator) start(ctx context.Context, run domain.RefreshRun) (*domain.RefreshRun, error) {
	res, callErr := o.gateway.TriggerRefresh(ctx, run.WorkspaceID, run.DatasetID)
	now := o.now().UTC()
	if callErr != nil {
		run.FailureReason = callErr.Error()
		run.Complete(domain.StatusFailed, now)
		log.Warn().Err(callErr).
			Str("run_id", run.ID).
			Str("dataset_id", run.DatasetID).
			Msg("failed to start refresh")
	} else {
		run.Status = domain.StatusInProgress
		run.StartedAt = &now
		run.RequestID = res.RequestID
		run.ActivityID = res.ActivityID
		log.Info().
			Str("run_id", run.ID).
			Str("dataset_id", run.DatasetID).
			Str("request_id", res.RequestID).
			Msg("refresh started")
	}

	// the transition must land even if the caller has gone away
	if err := o.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		return &run, fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	if callErr != nil {
		return &run, fmt.Errorf("%w: %w", domain.ErrGatewayFailure, callErr)
	}
	return &run, nil
}

// SyncStatus polls the refresh API for an active run and applies any status
// change. Runs checked within the poll interval are left alone. A failed or
// empty poll only records the check time.
func (o *Orchestrator) SyncStatus(ctx context.Context, run domain.RefreshRun) error {
	if !run.Status.IsActive() {
		return nil
	}
	now := o.now().UTC()
	poll := time.Duration(o.opts.PollIntervalSeconds) * time.Second
	if run.LastStatusCheckedAt != nil && now.Sub(*run.LastStatusCheckedAt) < poll {
		return nil
	}
	run.LastStatusCheckedAt = &now

	report, pollErr := o.gateway.GetLatestRefreshStatus(ctx, run.WorkspaceID, run.DatasetID)
	if pollErr != nil || report == nil || !sameRefresh(run, report) {
		if err := o.runs.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("persist run %s: %w", run.ID, err)
		}
		if pollErr != nil {
			return fmt.Errorf("poll refresh status for run %s: %w", run.ID, pollErr)
		}
		return nil
	}

	status, known := MapVendorStatus(report.Status)
	if !known || status == run.Status {
		if run.RequestID == "" {
			run.RequestID = report.RequestID
		}
		if run.ActivityID == "" {
			run.ActivityID = report.ActivityID
		}
		return o.persist(ctx, run)
	}

	if run.StartedAt == nil {
		run.StartedAt = report.StartedAt
	}
	if run.RequestID == "" {
		run.RequestID = report.RequestID
	}
	if run.ActivityID == "" {
		run.ActivityID = report.ActivityID
	}

	if !status.IsTerminal() {
		run.Status = status
		return o.persist(ctx, run)
	}

	completedAt := now
	if report.CompletedAt != nil {
		completedAt = *report.CompletedAt
	}
	run.Complete(status, completedAt)
	switch {
	case report.FailureDetail != "":
		run.FailureReason = report.FailureDetail
	case status == domain.StatusFailed && run.FailureReason == "":
		run.FailureReason = "refresh reported as failed by the service"
	}
	if err := o.persist(ctx, run); err != nil {
		return err
	}

	log.Info().
		Str("run_id", run.ID).
		Str("dataset_id", run.DatasetID).
		Str("status", string(run.Status)).
		Msg("refresh finished")
	o.notify(ctx, run)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, run domain.RefreshRun) error {
	if err := o.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, run domain.RefreshRun) {
	if o.notifier == nil || run.ScheduleID == nil {
		return
	}
	schedule, err := o.schedules.GetSchedule(ctx, *run.ScheduleID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Str("run_id", run.ID).Msg("load schedule for notification")
		}
		return
	}
	if err := o.notifier.Dispatch(ctx, run, schedule); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Str("schedule_id", schedule.ID).Msg("some notifications failed")
	}
}

// RecoverInterrupted fails Queued runs older than staleAfter. Such runs were
// recorded but the process stopped before the refresh request went out, so
// the service will never report on them.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context, staleAfter time.Duration) (int, error) {
	active, err := o.runs.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	now := o.now().UTC()
	recovered := 0
	for _, run := range active {
		if run.Status != domain.StatusQueued || now.Sub(run.RequestedAt) < staleAfter {
			continue
		}
		run.FailureReason = "interrupted before the refresh request was sent"
		run.Complete(domain.StatusFailed, now)
		if err := o.persist(ctx, run); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// sameRefresh guards against applying the outcome of an older refresh that
// the service still reports as latest before ours becomes visible.
func sameRefresh(run domain.RefreshRun, report *gateway.RefreshStatusReport) bool {
	return run.RequestID == "" || report.RequestID == "" || strings.EqualFold(run.RequestID, report.RequestID)
}

// MapVendorStatus translates the refresh API's status vocabulary. The second
// result is false for "Unknown" and anything unrecognised.
func MapVendorStatus(s string) (domain.RefreshStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed":
		return domain.StatusSucceeded, true
	case "failed":
		return domain.StatusFailed, true
	case "cancelled", "disabled":
		return domain.StatusCancelled, true
	case "inprogress", "notstarted":
		return domain.StatusInProgress, true
	}
	return "", false
}

// ValidateSchedule reports every structural and cron problem in s.
func (o *Orchestrator) ValidateSchedule(s domain.RefreshSchedule) error {
	var problems []string
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "name is required")
	} else if strings.IndexFunc(s.Name, unicode.IsControl) >= 0 {
		problems = append(problems, "name must not contain control characters")
	}
	if strings.TrimSpace(s.WorkspaceID) == "" {
		problems = append(problems, "workspace id is required")
	}
	if strings.TrimSpace(s.DatasetID) == "" {
		problems = append(problems, "dataset id is required")
	}
	if _, err := cronexpr.NextOccurrence(s.Cron, s.TimeZone, o.now().UTC()); err != nil {
		problems = append(problems, err.Error())
	}
	if s.RetryCount < 0 {
		problems = append(problems, "retry count must not be negative")
	}
	if s.RetryBackoffSeconds < 0 {
		problems = append(problems, "retry backoff must not be negative")
	}
	for i, t := range s.NotifyTargets {
		switch t.Type {
		case domain.TargetEmail, domain.TargetWebhook:
		default:
			problems = append(problems, fmt.Sprintf("notify target %d: unknown type %q", i, t.Type))
		}
		if strings.TrimSpace(t.Target) == "" {
			problems = append(problems, fmt.Sprintf("notify target %d: target is required", i))
		}
	}
	if len(problems) > 0 {
		return &domain.ValidationError{Problems: problems}
	}
	return nil
}

// NextDue returns when schedule should next fire: the first cron occurrence
// after its latest run, or after its creation when it has never run.
func (o *Orchestrator) NextDue(ctx context.Context, schedule domain.RefreshSchedule) (time.Time, error) {
	reference := schedule.CreatedAt
	last, err := o.runs.GetLatestRunBySchedule(ctx, schedule.ID)
	switch {
	case err == nil:
		reference = last.RequestedAt
	case errors.Is(err, domain.ErrNotFound):
	default:
		return time.Time{}, fmt.Errorf("load latest run: %w", err)
	}
	return cronexpr.NextOccurrence(schedule.Cron, schedule.TimeZone, reference.UTC())
}
