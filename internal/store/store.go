package store

import (
	"context"
	"fmt"

	"refreshflow/internal/domain"
)

// ScheduleStore persists refresh schedule definitions.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s domain.RefreshSchedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.RefreshSchedule, error)
	ListSchedules(ctx context.Context) ([]domain.RefreshSchedule, error)
	UpdateSchedule(ctx context.Context, s domain.RefreshSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// RunStore persists refresh runs. Runs are never deleted here.
type RunStore interface {
	AddRun(ctx context.Context, r domain.RefreshRun) (string, error)
	UpdateRun(ctx context.Context, r domain.RefreshRun) error
	GetRun(ctx context.Context, id string) (domain.RefreshRun, error)

	// GetLatestRunByDataset and GetLatestRunBySchedule order by requested time
	// and return ErrNotFound when nothing matches.
	GetLatestRunByDataset(ctx context.Context, datasetID string) (domain.RefreshRun, error)
	GetLatestRunBySchedule(ctx context.Context, scheduleID string) (domain.RefreshRun, error)

	// ListRunsByDataset returns newest first.
	ListRunsByDataset(ctx context.Context, datasetID string, skip, take int) ([]domain.RefreshRun, error)
	// ListActiveRuns returns Queued and InProgress runs, oldest first.
	ListActiveRuns(ctx context.Context) ([]domain.RefreshRun, error)
	CountActiveRunsByDataset(ctx context.Context, datasetID string) (int, error)
	// ListFailedScheduledRuns returns Failed runs that own a schedule, most recently completed first.
	ListFailedScheduledRuns(ctx context.Context, take int) ([]domain.RefreshRun, error)
}

// AuditStore records administrative actions.
type AuditStore interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, skip, take int) ([]domain.AuditEntry, error)
}

// Store bundles every store the service needs.
type Store interface {
	ScheduleStore
	RunStore
	AuditStore
}

func errDuplicate(id string) error {
	return fmt.Errorf("record %s already exists", id)
}
