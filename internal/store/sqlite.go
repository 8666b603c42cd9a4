package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"refreshflow/internal/domain"
)

// OpenSQLite opens the database file at path in WAL mode and ensures the schema.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist. Timestamps are stored as
// unix milliseconds (UTC).
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS refresh_schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  dataset_id TEXT NOT NULL,
  report_id TEXT,
  page_id INTEGER,
  enabled INTEGER NOT NULL DEFAULT 1,
  cron TEXT NOT NULL,
  time_zone TEXT NOT NULL DEFAULT 'UTC',
  retry_count INTEGER NOT NULL DEFAULT 2,
  retry_backoff_seconds INTEGER NOT NULL DEFAULT 120,
  notify_on_success INTEGER NOT NULL DEFAULT 0,
  notify_on_failure INTEGER NOT NULL DEFAULT 1,
  notify_targets TEXT NOT NULL DEFAULT '[]',
  created_by TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS refresh_runs (
  id TEXT PRIMARY KEY,
  schedule_id TEXT,
  workspace_id TEXT NOT NULL,
  dataset_id TEXT NOT NULL,
  report_id TEXT,
  page_id INTEGER,
  triggered_by TEXT NOT NULL DEFAULT '',
  requested_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER,
  status TEXT NOT NULL CHECK(status IN ('Queued','InProgress','Succeeded','Failed','Cancelled')),
  failure_reason TEXT NOT NULL DEFAULT '',
  request_id TEXT NOT NULL DEFAULT '',
  activity_id TEXT NOT NULL DEFAULT '',
  retries_attempted INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER,
  last_status_checked_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_dataset ON refresh_runs(dataset_id, requested_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_schedule ON refresh_runs(schedule_id, requested_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON refresh_runs(status, requested_at);
CREATE TABLE IF NOT EXISTS audit_log (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  resource TEXT NOT NULL,
  principal TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  success INTEGER NOT NULL DEFAULT 1,
  ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const scheduleColumns = `id,name,workspace_id,dataset_id,report_id,page_id,enabled,cron,time_zone,retry_count,retry_backoff_seconds,notify_on_success,notify_on_failure,notify_targets,created_by,created_at,updated_at`

const runColumns = `id,schedule_id,workspace_id,dataset_id,report_id,page_id,triggered_by,requested_at,started_at,completed_at,status,failure_reason,request_id,activity_id,retries_attempted,duration_ms,last_status_checked_at`

func (r *sqliteStore) CreateSchedule(ctx context.Context, s domain.RefreshSchedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	targets, err := json.Marshal(nonNilTargets(s.NotifyTargets))
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO refresh_schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, s.Name, s.WorkspaceID, s.DatasetID, nullString(s.ReportID), nullInt(s.PageID), s.Enabled, s.Cron, s.TimeZone,
		s.RetryCount, s.RetryBackoffSeconds, s.NotifyOnSuccess, s.NotifyOnFailure, string(targets), s.CreatedBy,
		toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
	return id, err
}

func (r *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.RefreshSchedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM refresh_schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RefreshSchedule{}, domain.ErrNotFound
	}
	return s, err
}

func (r *sqliteStore) ListSchedules(ctx context.Context) ([]domain.RefreshSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM refresh_schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.RefreshSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteStore) UpdateSchedule(ctx context.Context, s domain.RefreshSchedule) error {
	targets, err := json.Marshal(nonNilTargets(s.NotifyTargets))
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE refresh_schedules SET name=?,workspace_id=?,dataset_id=?,report_id=?,page_id=?,enabled=?,cron=?,time_zone=?,
  retry_count=?,retry_backoff_seconds=?,notify_on_success=?,notify_on_failure=?,notify_targets=?,updated_at=?
WHERE id=?`, s.Name, s.WorkspaceID, s.DatasetID, nullString(s.ReportID), nullInt(s.PageID), s.Enabled, s.Cron, s.TimeZone,
		s.RetryCount, s.RetryBackoffSeconds, s.NotifyOnSuccess, s.NotifyOnFailure, string(targets), toMillis(s.UpdatedAt), s.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM refresh_schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteStore) AddRun(ctx context.Context, run domain.RefreshRun) (string, error) {
	id := run.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO refresh_runs (`+runColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, nullString(run.ScheduleID), run.WorkspaceID, run.DatasetID, nullString(run.ReportID), nullInt(run.PageID),
		run.TriggeredBy, toMillis(run.RequestedAt), nullMillis(run.StartedAt), nullMillis(run.CompletedAt), string(run.Status),
		run.FailureReason, run.RequestID, run.ActivityID, run.RetriesAttempted, nullInt64(run.DurationMs),
		nullMillis(run.LastStatusCheckedAt))
	return id, err
}

func (r *sqliteStore) UpdateRun(ctx context.Context, run domain.RefreshRun) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE refresh_runs SET started_at=?,completed_at=?,status=?,failure_reason=?,request_id=?,activity_id=?,
  duration_ms=?,last_status_checked_at=?
WHERE id=?`, nullMillis(run.StartedAt), nullMillis(run.CompletedAt), string(run.Status), run.FailureReason,
		run.RequestID, run.ActivityID, nullInt64(run.DurationMs), nullMillis(run.LastStatusCheckedAt), run.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteStore) GetRun(ctx context.Context, id string) (domain.RefreshRun, error) {
	return r.oneRun(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE id=?`, id)
}

func (r *sqliteStore) GetLatestRunByDataset(ctx context.Context, datasetID string) (domain.RefreshRun, error) {
	return r.oneRun(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE dataset_id=? ORDER BY requested_at DESC, rowid DESC LIMIT 1`, datasetID)
}

func (r *sqliteStore) GetLatestRunBySchedule(ctx context.Context, scheduleID string) (domain.RefreshRun, error) {
	return r.oneRun(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE schedule_id=? ORDER BY requested_at DESC, rowid DESC LIMIT 1`, scheduleID)
}

func (r *sqliteStore) ListRunsByDataset(ctx context.Context, datasetID string, skip, take int) ([]domain.RefreshRun, error) {
	if take <= 0 {
		take = -1
	}
	return r.manyRuns(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE dataset_id=? ORDER BY requested_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		datasetID, take, max(skip, 0))
}

func (r *sqliteStore) ListActiveRuns(ctx context.Context) ([]domain.RefreshRun, error) {
	return r.manyRuns(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE status IN ('Queued','InProgress') ORDER BY requested_at ASC`)
}

func (r *sqliteStore) CountActiveRunsByDataset(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refresh_runs WHERE dataset_id=? AND status IN ('Queued','InProgress')`, datasetID).Scan(&n)
	return n, err
}

func (r *sqliteStore) ListFailedScheduledRuns(ctx context.Context, take int) ([]domain.RefreshRun, error) {
	if take <= 0 {
		take = -1
	}
	return r.manyRuns(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE status='Failed' AND schedule_id IS NOT NULL ORDER BY completed_at DESC LIMIT ?`, take)
}

func (r *sqliteStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	id := e.ID
	if id == "" {
		id = "aud_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_log (id,action,resource,principal,details,success,ts) VALUES (?,?,?,?,?,?,?)`,
		id, string(e.Action), e.Resource, e.Principal, e.Details, e.Success, toMillis(e.Timestamp))
	return err
}

func (r *sqliteStore) ListAudit(ctx context.Context, skip, take int) ([]domain.AuditEntry, error) {
	if take <= 0 {
		take = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,action,resource,principal,details,success,ts FROM audit_log ORDER BY ts DESC, rowid DESC LIMIT ? OFFSET ?`, take, max(skip, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e      domain.AuditEntry
			action string
			ts     int64
		)
		if err := rows.Scan(&e.ID, &action, &e.Resource, &e.Principal, &e.Details, &e.Success, &ts); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		e.Timestamp = fromMillis(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (domain.RefreshSchedule, error) {
	var (
		s                    domain.RefreshSchedule
		reportID             sql.NullString
		pageID               sql.NullInt64
		targets              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.WorkspaceID, &s.DatasetID, &reportID, &pageID, &s.Enabled, &s.Cron, &s.TimeZone,
		&s.RetryCount, &s.RetryBackoffSeconds, &s.NotifyOnSuccess, &s.NotifyOnFailure, &targets, &s.CreatedBy,
		&createdAt, &updatedAt); err != nil {
		return domain.RefreshSchedule{}, err
	}
	if err := json.Unmarshal([]byte(targets), &s.NotifyTargets); err != nil {
		return domain.RefreshSchedule{}, fmt.Errorf("decode notify targets of %s: %w", s.ID, err)
	}
	s.ReportID = stringPtr(reportID)
	s.PageID = intPtr(pageID)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return s, nil
}

func scanRun(row scanner) (domain.RefreshRun, error) {
	var (
		run                         domain.RefreshRun
		scheduleID, reportID        sql.NullString
		pageID, duration            sql.NullInt64
		started, completed, checked sql.NullInt64
		requested                   int64
		status                      string
	)
	if err := row.Scan(&run.ID, &scheduleID, &run.WorkspaceID, &run.DatasetID, &reportID, &pageID, &run.TriggeredBy,
		&requested, &started, &completed, &status, &run.FailureReason, &run.RequestID, &run.ActivityID,
		&run.RetriesAttempted, &duration, &checked); err != nil {
		return domain.RefreshRun{}, err
	}
	run.ScheduleID = stringPtr(scheduleID)
	run.ReportID = stringPtr(reportID)
	run.PageID = intPtr(pageID)
	run.RequestedAt = fromMillis(requested)
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	run.LastStatusCheckedAt = timePtr(checked)
	run.Status = domain.RefreshStatus(status)
	if duration.Valid {
		d := duration.Int64
		run.DurationMs = &d
	}
	return run, nil
}

func (r *sqliteStore) oneRun(ctx context.Context, query string, args ...any) (domain.RefreshRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RefreshRun{}, domain.ErrNotFound
	}
	return run, err
}

func (r *sqliteStore) manyRuns(ctx context.Context, query string, args ...any) ([]domain.RefreshRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.RefreshRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nonNilTargets(t []domain.NotificationTarget) []domain.NotificationTarget {
	if t == nil {
		return []domain.NotificationTarget{}
	}
	return t
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
