package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"refreshflow/internal/domain"
)

// WebhookPayload is the JSON body posted to webhook targets.
type WebhookPayload struct {
	Event         string               `json:"event"`
	RunID         string               `json:"run_id"`
	ScheduleID    string               `json:"schedule_id"`
	ScheduleName  string               `json:"schedule_name"`
	WorkspaceID   string               `json:"workspace_id"`
	DatasetID     string               `json:"dataset_id"`
	Status        domain.RefreshStatus `json:"status"`
	FailureReason string               `json:"failure_reason,omitempty"`
	RequestedAt   time.Time            `json:"requested_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	DurationMs    *int64               `json:"duration_ms,omitempty"`
}

type WebhookNotifier struct {
	client  *http.Client
	headers map[string]string
}

func NewWebhookNotifier(timeout time.Duration, headers map[string]string) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}, headers: headers}
}

func (w *WebhookNotifier) Notify(ctx context.Context, target string, msg Message) error {
	if target == "" {
		return fmt.Errorf("URL is required")
	}
	payload, err := json.Marshal(WebhookPayload{
		Event:         "refresh.completed",
		RunID:         msg.Run.ID,
		ScheduleID:    msg.Schedule.ID,
		ScheduleName:  msg.Schedule.Name,
		WorkspaceID:   msg.Run.WorkspaceID,
		DatasetID:     msg.Run.DatasetID,
		Status:        msg.Run.Status,
		FailureReason: msg.Run.FailureReason,
		RequestedAt:   msg.Run.RequestedAt,
		StartedAt:     msg.Run.StartedAt,
		CompletedAt:   msg.Run.CompletedAt,
		DurationMs:    msg.Run.DurationMs,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
