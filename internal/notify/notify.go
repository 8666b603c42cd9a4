// Package notify delivers refresh outcome notifications to schedule targets.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"refreshflow/internal/domain"
)

// Message is what a Notifier sends for one finished run.
type Message struct {
	Subject  string
	Body     string
	Run      domain.RefreshRun
	Schedule domain.RefreshSchedule
}

// Notifier delivers a message to one target address of its type.
type Notifier interface {
	Notify(ctx context.Context, target string, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, target string, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, target string, msg Message) error {
	return f(ctx, target, msg)
}

// Dispatcher fans a terminal run out to every target on its schedule.
type Dispatcher struct {
	notifiers map[domain.TargetType]Notifier
}

func NewDispatcher(notifiers map[domain.TargetType]Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers}
}

// ShouldNotify reports whether a run in status wants notifications under schedule's flags.
func ShouldNotify(status domain.RefreshStatus, schedule domain.RefreshSchedule) bool {
	switch status {
	case domain.StatusSucceeded:
		return schedule.NotifyOnSuccess
	case domain.StatusFailed, domain.StatusCancelled:
		return schedule.NotifyOnFailure
	}
	return false
}

// Dispatch attempts every target even if some fail; failures are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, run domain.RefreshRun, schedule domain.RefreshSchedule) error {
	if !ShouldNotify(run.Status, schedule) {
		return nil
	}
	msg := compose(run, schedule)

	var errs []error
	for _, t := range schedule.NotifyTargets {
		n, ok := d.notifiers[t.Type]
		if !ok {
			errs = append(errs, fmt.Errorf("no notifier for target type %q", t.Type))
			continue
		}
		if err := n.Notify(ctx, t.Target, msg); err != nil {
			log.Warn().Err(err).
				Str("run_id", run.ID).
				Str("target_type", string(t.Type)).
				Str("target", t.Target).
				Msg("notification failed")
			errs = append(errs, fmt.Errorf("notify %s %s: %w", t.Type, t.Target, err))
			continue
		}
		log.Debug().Str("run_id", run.ID).Str("target", t.Target).Msg("notification sent")
	}
	return errors.Join(errs...)
}

func compose(run domain.RefreshRun, schedule domain.RefreshSchedule) Message {
	subject := fmt.Sprintf("[refreshflow] %s: %s", schedule.Name, run.Status)
	body := fmt.Sprintf("Schedule: %s\nWorkspace: %s\nDataset: %s\nRun: %s\nStatus: %s\n",
		schedule.Name, run.WorkspaceID, run.DatasetID, run.ID, run.Status)
	if run.StartedAt != nil {
		body += fmt.Sprintf("Started: %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		body += fmt.Sprintf("Completed: %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.DurationMs != nil {
		body += fmt.Sprintf("Duration: %s\n", time.Duration(*run.DurationMs)*time.Millisecond)
	}
	if run.FailureReason != "" {
		body += fmt.Sprintf("Failure: %s\n", run.FailureReason)
	}
	return Message{Subject: subject, Body: body, Run: run, Schedule: schedule}
}
