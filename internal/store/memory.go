package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"refreshflow/internal/domain"
)

// Memory is a process-local Store. Records are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	schedules map[string]domain.RefreshSchedule
	runs      map[string]domain.RefreshRun
	// seq records insertion order, the tie-breaker for equal RequestedAt
	seq     map[string]uint64
	nextSeq uint64
	audit   []domain.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		schedules: make(map[string]domain.RefreshSchedule),
		runs:      make(map[string]domain.RefreshRun),
		seq:       make(map[string]uint64),
	}
}

func (m *Memory) CreateSchedule(ctx context.Context, s domain.RefreshSchedule) (string, error) {
	if s.ID == "" {
		s.ID = "sch_" + uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return "", errDuplicate(s.ID)
	}
	m.schedules[s.ID] = cloneSchedule(s)
	return s.ID, nil
}

func (m *Memory) GetSchedule(ctx context.Context, id string) (domain.RefreshSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return domain.RefreshSchedule{}, domain.ErrNotFound
	}
	return cloneSchedule(s), nil
}

func (m *Memory) ListSchedules(ctx context.Context) ([]domain.RefreshSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RefreshSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateSchedule(ctx context.Context, s domain.RefreshSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return domain.ErrNotFound
	}
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (m *Memory) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) AddRun(ctx context.Context, r domain.RefreshRun) (string, error) {
	if r.ID == "" {
		r.ID = "run_" + uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return "", errDuplicate(r.ID)
	}
	m.runs[r.ID] = r
	m.nextSeq++
	m.seq[r.ID] = m.nextSeq
	return r.ID, nil
}

func (m *Memory) UpdateRun(ctx context.Context, r domain.RefreshRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return domain.ErrNotFound
	}
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (domain.RefreshRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.RefreshRun{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetLatestRunByDataset(ctx context.Context, datasetID string) (domain.RefreshRun, error) {
	return m.latest(func(r domain.RefreshRun) bool { return r.DatasetID == datasetID })
}

func (m *Memory) GetLatestRunBySchedule(ctx context.Context, scheduleID string) (domain.RefreshRun, error) {
	return m.latest(func(r domain.RefreshRun) bool { return r.ScheduleID != nil && *r.ScheduleID == scheduleID })
}

func (m *Memory) ListRunsByDataset(ctx context.Context, datasetID string, skip, take int) ([]domain.RefreshRun, error) {
	runs := m.filter(func(r domain.RefreshRun) bool { return r.DatasetID == datasetID })
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].RequestedAt.After(runs[j].RequestedAt) })
	return page(runs, skip, take), nil
}

func (m *Memory) ListActiveRuns(ctx context.Context) ([]domain.RefreshRun, error) {
	runs := m.filter(func(r domain.RefreshRun) bool { return r.Status.IsActive() })
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].RequestedAt.Before(runs[j].RequestedAt) })
	return runs, nil
}

func (m *Memory) CountActiveRunsByDataset(ctx context.Context, datasetID string) (int, error) {
	return len(m.filter(func(r domain.RefreshRun) bool { return r.DatasetID == datasetID && r.Status.IsActive() })), nil
}

func (m *Memory) ListFailedScheduledRuns(ctx context.Context, take int) ([]domain.RefreshRun, error) {
	runs := m.filter(func(r domain.RefreshRun) bool { return r.Status == domain.StatusFailed && r.ScheduleID != nil })
	sort.SliceStable(runs, func(i, j int) bool {
		ci, cj := runs[i].CompletedAt, runs[j].CompletedAt
		switch {
		case ci == nil:
			return false
		case cj == nil:
			return true
		}
		return ci.After(*cj)
	})
	return page(runs, 0, take), nil
}

func (m *Memory) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = "aud_" + uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, skip, take int) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	out := make([]domain.AuditEntry, len(m.audit))
	for i, e := range m.audit {
		out[len(m.audit)-1-i] = e
	}
	m.mu.RUnlock()
	return page(out, skip, take), nil
}

func (m *Memory) latest(match func(domain.RefreshRun) bool) (domain.RefreshRun, error) {
	runs := m.filter(match)
	if len(runs) == 0 {
		return domain.RefreshRun{}, domain.ErrNotFound
	}
	best := runs[0]
	for _, r := range runs[1:] {
		if r.RequestedAt.After(best.RequestedAt) {
			best = r
		}
	}
	return best, nil
}

// filter returns matching runs, most recently added first.
func (m *Memory) filter(match func(domain.RefreshRun) bool) []domain.RefreshRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RefreshRun
	for _, r := range m.runs {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] > m.seq[out[j].ID] })
	return out
}

func page[T any](items []T, skip, take int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if take > 0 && take < len(items) {
		items = items[:take]
	}
	return items
}

func cloneSchedule(s domain.RefreshSchedule) domain.RefreshSchedule {
	s.NotifyTargets = append([]domain.NotificationTarget(nil), s.NotifyTargets...)
	return s
}
