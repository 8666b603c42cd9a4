package domain

import "time"

type RefreshStatus string

const (
	StatusQueued     RefreshStatus = "Queued"
	StatusInProgress RefreshStatus = "InProgress"
	StatusSucceeded  RefreshStatus = "Succeeded"
	StatusFailed     RefreshStatus = "Failed"
	StatusCancelled  RefreshStatus = "Cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s RefreshStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the run still counts against the concurrency ceiling.
func (s RefreshStatus) IsActive() bool {
	return s == StatusQueued || s == StatusInProgress
}

type TargetType string

const (
	TargetEmail   TargetType = "Email"
	TargetWebhook TargetType = "Webhook"
)

type NotificationTarget struct {
	Type   TargetType `json:"type"`
	Target string     `json:"target"`
}

type RefreshSchedule struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	WorkspaceID         string               `json:"workspace_id"`
	DatasetID           string               `json:"dataset_id"`
	ReportID            *string              `json:"report_id,omitempty"`
	PageID              *int                 `json:"page_id,omitempty"`
	Enabled             bool                 `json:"enabled"`
	Cron                string               `json:"cron"`
	TimeZone            string               `json:"time_zone"`
	RetryCount          int                  `json:"retry_count"`
	RetryBackoffSeconds int                  `json:"retry_backoff_seconds"`
	NotifyOnSuccess     bool                 `json:"notify_on_success"`
	NotifyOnFailure     bool                 `json:"notify_on_failure"`
	NotifyTargets       []NotificationTarget `json:"notify_targets"`
	CreatedBy           string               `json:"created_by"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

type RefreshRun struct {
	ID                  string        `json:"id"`
	ScheduleID          *string       `json:"schedule_id,omitempty"`
	WorkspaceID         string        `json:"workspace_id"`
	DatasetID           string        `json:"dataset_id"`
	ReportID            *string       `json:"report_id,omitempty"`
	PageID              *int          `json:"page_id,omitempty"`
	TriggeredBy         string        `json:"triggered_by"`
	RequestedAt         time.Time     `json:"requested_at"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	Status              RefreshStatus `json:"status"`
	FailureReason       string        `json:"failure_reason,omitempty"`
	RequestID           string        `json:"request_id,omitempty"`
	ActivityID          string        `json:"activity_id,omitempty"`
	RetriesAttempted    int           `json:"retries_attempted"`
	DurationMs          *int64        `json:"duration_ms,omitempty"`
	LastStatusCheckedAt *time.Time    `json:"last_status_checked_at,omitempty"`
}

// Complete moves the run into a terminal status stamped at completedAt and
// recomputes the duration. The start may come from the local clock and the end
// from the refresh service, so a skewed negative duration is clamped to zero.
func (r *RefreshRun) Complete(status RefreshStatus, completedAt time.Time) {
	r.Status = status
	t := completedAt.UTC()
	r.CompletedAt = &t
	r.DurationMs = nil
	if r.StartedAt != nil {
		d := max(r.CompletedAt.Sub(*r.StartedAt).Milliseconds(), 0)
		r.DurationMs = &d
	}
}

type AuditAction string

const (
	AuditRefreshRun     AuditAction = "DATASET_REFRESH_RUN"
	AuditScheduleCreate AuditAction = "DATASET_REFRESH_SCHEDULE_CREATE"
	AuditScheduleUpdate AuditAction = "DATASET_REFRESH_SCHEDULE_UPDATE"
	AuditScheduleDelete AuditAction = "DATASET_REFRESH_SCHEDULE_DELETE"
	AuditScheduleToggle AuditAction = "DATASET_REFRESH_SCHEDULE_TOGGLE"
)

type AuditEntry struct {
	ID        string      `json:"id"`
	Action    AuditAction `json:"action"`
	Resource  string      `json:"resource"`
	Principal string      `json:"principal"`
	Details   string      `json:"details"`
	Success   bool        `json:"success"`
	Timestamp time.Time   `json:"timestamp"`
}
