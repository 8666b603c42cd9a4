package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"refreshflow/internal/domain"
	"refreshflow/internal/refresh"
	"refreshflow/internal/store"
)

const (
	defaultTake = 50
	maxTake     = 200

	// PrincipalHeader carries the caller's identity, set by the fronting proxy.
	PrincipalHeader = "X-User"
)

type Server struct {
	orch  *refresh.Orchestrator
	store store.Store
	now   func() time.Time
}

func NewServer(orch *refresh.Orchestrator, st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{orch: orch, store: st, now: time.Now}

	r.Get("/health", s.health)
	r.Route("/api/refreshes", func(r chi.Router) {
		r.Post("/datasets/{datasetId}/run", s.runDataset)
		r.Get("/datasets/{datasetId}/history", s.datasetHistory)
		r.Get("/runs/{id}", s.getRun)

		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/toggle", s.toggleSchedule)
	})
	r.Get("/api/audit", s.listAudit)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type manualRunReq struct {
	WorkspaceID string  `json:"workspace_id"`
	ReportID    *string `json:"report_id"`
	PageID      *int    `json:"page_id"`
}

func (s *Server) runDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetId")
	principal := principalOf(r)

	var req manualRunReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.audit(r, domain.AuditRefreshRun, datasetID, principal, "invalid request body", false)
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	run, err := s.orch.TriggerManual(r.Context(), refresh.ManualRequest{
		DatasetID:   datasetID,
		WorkspaceID: req.WorkspaceID,
		ReportID:    req.ReportID,
		PageID:      req.PageID,
		Principal:   principal,
	})
	if err != nil {
		s.audit(r, domain.AuditRefreshRun, datasetID, principal, err.Error(), false)
		log.Warn().Err(err).Str("dataset_id", datasetID).Msg("manual refresh failed")
		if run != nil && errors.Is(err, domain.ErrGatewayFailure) {
			writeJSON(w, http.StatusBadGateway, run)
			return
		}
		writeDomainError(w, err)
		return
	}
	s.audit(r, domain.AuditRefreshRun, datasetID, principal, "Manual refresh triggered", true)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) datasetHistory(w http.ResponseWriter, r *http.Request) {
	skip, take, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRunsByDataset(r.Context(), chi.URLParam(r, "datasetId"), skip, take)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type scheduleReq struct {
	Name                string                      `json:"name"`
	WorkspaceID         string                      `json:"workspace_id"`
	DatasetID           string                      `json:"dataset_id"`
	ReportID            *string                     `json:"report_id"`
	PageID              *int                        `json:"page_id"`
	Enabled             bool                        `json:"enabled"`
	Cron                string                      `json:"cron"`
	TimeZone            string                      `json:"time_zone"`
	RetryCount          *int                        `json:"retry_count"`
	RetryBackoffSeconds *int                        `json:"retry_backoff_seconds"`
	NotifyOnSuccess     bool                        `json:"notify_on_success"`
	NotifyOnFailure     bool                        `json:"notify_on_failure"`
	NotifyTargets       []domain.NotificationTarget `json:"notify_targets"`
}

// apply copies the request onto sch. Retry settings fall back to the given
// defaults when the request leaves them out.
func (req scheduleReq) apply(sch *domain.RefreshSchedule, retryCount, retryBackoff int) {
	sch.Name = strings.TrimSpace(req.Name)
	sch.WorkspaceID = req.WorkspaceID
	sch.DatasetID = req.DatasetID
	sch.ReportID = req.ReportID
	sch.PageID = req.PageID
	sch.Enabled = req.Enabled
	sch.Cron = strings.TrimSpace(req.Cron)
	sch.TimeZone = strings.TrimSpace(req.TimeZone)
	if sch.TimeZone == "" {
		sch.TimeZone = "UTC"
	}
	sch.RetryCount = retryCount
	if req.RetryCount != nil {
		sch.RetryCount = *req.RetryCount
	}
	sch.RetryBackoffSeconds = retryBackoff
	if req.RetryBackoffSeconds != nil {
		sch.RetryBackoffSeconds = *req.RetryBackoffSeconds
	}
	sch.NotifyOnSuccess = req.NotifyOnSuccess
	sch.NotifyOnFailure = req.NotifyOnFailure
	sch.NotifyTargets = req.NotifyTargets
	if sch.NotifyTargets == nil {
		sch.NotifyTargets = []domain.NotificationTarget{}
	}
}

type scheduleResp struct {
	domain.RefreshSchedule
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

func (s *Server) toResp(r *http.Request, sch domain.RefreshSchedule) scheduleResp {
	resp := scheduleResp{RefreshSchedule: sch}
	if !sch.Enabled {
		return resp
	}
	next, err := s.orch.NextDue(r.Context(), sch)
	if err != nil {
		log.Debug().Err(err).Str("schedule_id", sch.ID).Msg("next run unavailable")
		return resp
	}
	resp.NextRunAt = &next
	return resp
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]scheduleResp, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, s.toResp(r, sch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResp(r, sch))
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	opts := s.orch.Options()
	now := s.now().UTC()
	sch := domain.RefreshSchedule{CreatedBy: principal, CreatedAt: now, UpdatedAt: now}
	req.apply(&sch, opts.DefaultRetryCount, opts.DefaultRetryBackoffSeconds)

	if err := s.orch.ValidateSchedule(sch); err != nil {
		s.audit(r, domain.AuditScheduleCreate, sch.DatasetID, principal, err.Error(), false)
		writeDomainError(w, err)
		return
	}
	id, err := s.store.CreateSchedule(r.Context(), sch)
	if err != nil {
		s.audit(r, domain.AuditScheduleCreate, sch.DatasetID, principal, err.Error(), false)
		writeDomainError(w, err)
		return
	}
	sch.ID = id
	s.audit(r, domain.AuditScheduleCreate, sch.DatasetID, principal, "Schedule created", true)
	writeJSON(w, http.StatusCreated, s.toResp(r, sch))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.apply(&sch, sch.RetryCount, sch.RetryBackoffSeconds)
	sch.UpdatedAt = s.now().UTC()

	if err := s.orch.ValidateSchedule(sch); err != nil {
		s.audit(r, domain.AuditScheduleUpdate, sch.DatasetID, principal, err.Error(), false)
		writeDomainError(w, err)
		return
	}
	if err := s.store.UpdateSchedule(r.Context(), sch); err != nil {
		s.audit(r, domain.AuditScheduleUpdate, sch.DatasetID, principal, err.Error(), false)
		writeDomainError(w, err)
		return
	}
	s.audit(r, domain.AuditScheduleUpdate, sch.DatasetID, principal, "Schedule updated", true)
	writeJSON(w, http.StatusOK, s.toResp(r, sch))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.DeleteSchedule(r.Context(), sch.ID); err != nil {
		s.audit(r, domain.AuditScheduleDelete, sch.DatasetID, principal, err.Error(), false)
		writeDomainError(w, err)
		return
	}
	s.audit(r, domain.AuditScheduleDelete, sch.DatasetID, principal, "Schedule deleted", true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sch.Enabled = !sch.Enabled
	sch.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSchedule(r.Context(), sch); err != nil {
		s.audit(r, domain.AuditScheduleToggle, sch.DatasetID, principal, err.Error(), false)
		writeDomainError(w, err)
		return
	}
	details := "Disabled"
	if sch.Enabled {
		details = "Enabled"
	}
	s.audit(r, domain.AuditScheduleToggle, sch.DatasetID, principal, details, true)
	writeJSON(w, http.StatusOK, s.toResp(r, sch))
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	skip, take, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.store.ListAudit(r.Context(), skip, take)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) audit(r *http.Request, action domain.AuditAction, resource, principal, details string, success bool) {
	err := s.store.AppendAudit(r.Context(), domain.AuditEntry{
		Action:    action,
		Resource:  resource,
		Principal: principal,
		Details:   details,
		Success:   success,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("action", string(action)).Str("resource", resource).Msg("failed to write audit entry")
	}
}

func principalOf(r *http.Request) string {
	if p := strings.TrimSpace(r.Header.Get(PrincipalHeader)); p != "" {
		return p
	}
	return "Unknown"
}

func paging(r *http.Request) (skip, take int, err error) {
	q := r.URL.Query()
	take = defaultTake
	if v := q.Get("skip"); v != "" {
		if skip, err = strconv.Atoi(v); err != nil || skip < 0 {
			return 0, 0, fmt.Errorf("skip must be a non-negative integer")
		}
	}
	if v := q.Get("take"); v != "" {
		if take, err = strconv.Atoi(v); err != nil || take <= 0 {
			return 0, 0, fmt.Errorf("take must be a positive integer")
		}
	}
	if take > maxTake {
		take = maxTake
	}
	return skip, take, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCooldownViolation), errors.Is(err, domain.ErrConcurrencyViolation):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
