package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL    = "https://api.powerbi.com"
	defaultTokenURL  = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultScope     = "https://analysis.windows.net/powerbi/api/.default"
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 2.0

	headerRequestID  = "RequestId"
	headerActivityID = "ActivityId"
	headerRetryAfter = "Retry-After"

	maxErrorBody = 4 << 10
)

type PowerBIConfig struct {
	APIURL       string
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL is a format string receiving the tenant id.
	TokenURL string
	Scope    string
	Timeout  time.Duration
	// RequestsPerSecond throttles outgoing calls before the service has to.
	RequestsPerSecond float64
}

// PowerBI implements RefreshGateway against the Power BI REST API.
type PowerBI struct {
	apiURL  string
	tokens  oauth2.TokenSource
	client  *http.Client
	limiter *rate.Limiter
}

// NewPowerBI authenticates with the Azure AD client-credentials flow.
func NewPowerBI(cfg PowerBIConfig) (*PowerBI, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("power bi configuration is missing (tenant id, client id or client secret)")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURL, cfg.TenantID),
		Scopes:       []string{scope},
	}
	// the token source outlives any single call, so it gets its own bounded client
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	return NewPowerBIWithTokenSource(cfg, cc.TokenSource(tokenCtx)), nil
}

// NewPowerBIWithTokenSource uses ts for bearer tokens instead of client credentials.
func NewPowerBIWithTokenSource(cfg PowerBIConfig, ts oauth2.TokenSource) *PowerBI {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRateLimit
	}
	return &PowerBI{
		apiURL:  apiURL,
		tokens:  oauth2.ReuseTokenSource(nil, ts),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type tokenResult struct {
	tok *oauth2.Token
	err error
}

// GetAccessToken returns a cached or freshly fetched bearer token. The wait is
// abandoned when ctx is done; the fetch itself is bounded by the client timeout.
func (p *PowerBI) GetAccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	done := make(chan tokenResult, 1)
	go func() {
		tok, err := p.tokens.Token()
		done <- tokenResult{tok: tok, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("acquire access token: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("acquire access token: %w", res.err)
		}
		return res.tok.AccessToken, nil
	}
}

func (p *PowerBI) TriggerRefresh(ctx context.Context, workspaceID, datasetID string) (TriggerResult, error) {
	resp, err := p.do(ctx, http.MethodPost, p.refreshesURL(workspaceID, datasetID), []byte(`{}`))
	if err != nil {
		return TriggerResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return TriggerResult{
			RequestID:  resp.Header.Get(headerRequestID),
			ActivityID: resp.Header.Get(headerActivityID),
		}, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return TriggerResult{}, &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get(headerRetryAfter), time.Now())}
	}
	return TriggerResult{}, apiError(resp)
}

type refreshHistory struct {
	Value []refreshHistoryItem `json:"value"`
}

type refreshHistoryItem struct {
	RequestID            string     `json:"requestId"`
	ID                   int64      `json:"id"`
	Status               string     `json:"status"`
	StartTime            *time.Time `json:"startTime"`
	EndTime              *time.Time `json:"endTime"`
	ServiceExceptionJSON string     `json:"serviceExceptionJson"`
}

func (p *PowerBI) GetLatestRefreshStatus(ctx context.Context, workspaceID, datasetID string) (*RefreshStatusReport, error) {
	resp, err := p.do(ctx, http.MethodGet, p.refreshesURL(workspaceID, datasetID)+"?$top=1", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get(headerRetryAfter), time.Now())}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var history refreshHistory
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("decode refresh history: %w", err)
	}
	if len(history.Value) == 0 {
		return nil, nil
	}
	item := history.Value[0]
	return &RefreshStatusReport{
		Status:        item.Status,
		StartedAt:     utc(item.StartTime),
		CompletedAt:   utc(item.EndTime),
		RequestID:     item.RequestID,
		ActivityID:    resp.Header.Get(headerActivityID),
		FailureDetail: item.ServiceExceptionJSON,
	}, nil
}

func (p *PowerBI) refreshesURL(workspaceID, datasetID string) string {
	return fmt.Sprintf("%s/v1.0/myorg/groups/%s/datasets/%s/refreshes",
		p.apiURL, url.PathEscape(workspaceID), url.PathEscape(datasetID))
}

func (p *PowerBI) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := p.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh API request failed: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
