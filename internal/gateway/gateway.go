// Package gateway talks to the remote dataset refresh API.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// RefreshGateway is the boundary to the remote refresh service.
type RefreshGateway interface {
	// TriggerRefresh asks the service to start a refresh. A throttled request
	// fails with *ThrottledError.
	TriggerRefresh(ctx context.Context, workspaceID, datasetID string) (TriggerResult, error)

	// GetLatestRefreshStatus returns the most recent refresh known to the
	// service, or nil when there is none.
	GetLatestRefreshStatus(ctx context.Context, workspaceID, datasetID string) (*RefreshStatusReport, error)

	GetAccessToken(ctx context.Context) (string, error)
}

type TriggerResult struct {
	RequestID  string
	ActivityID string
}

// RefreshStatusReport uses the vendor's status vocabulary verbatim
// ("Completed", "Failed", "Unknown", ...).
type RefreshStatusReport struct {
	Status        string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	RequestID     string
	ActivityID    string
	FailureDetail string
}

// ThrottledError is returned when the service answered 429.
type ThrottledError struct {
	// RetryAfter is zero when the service did not say.
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter <= 0 {
		return "refresh API throttled the request, retry after unknown"
	}
	return fmt.Sprintf("refresh API throttled the request, retry after %s", e.RetryAfter)
}

// APIError is any other non-success answer.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("refresh API call failed: %s. %s", e.Status, e.Body)
}
