package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refreshflow/internal/domain"
)

type recorder struct {
	targets []string
	fail    map[string]error
}

func (r *recorder) Notify(ctx context.Context, target string, msg Message) error {
	r.targets = append(r.targets, target)
	return r.fail[target]
}

func finishedRun(status domain.RefreshStatus) domain.RefreshRun {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	run := domain.RefreshRun{
		ID:          "run-1",
		WorkspaceID: "ws-1",
		DatasetID:   "ds-1",
		RequestedAt: start,
		StartedAt:   &start,
		Status:      domain.StatusInProgress,
	}
	run.Complete(status, start.Add(2*time.Minute))
	return run
}

func TestShouldNotify(t *testing.T) {
	both := domain.RefreshSchedule{NotifyOnSuccess: true, NotifyOnFailure: true}
	none := domain.RefreshSchedule{}
	onlyFailure := domain.RefreshSchedule{NotifyOnFailure: true}

	assert.True(t, ShouldNotify(domain.StatusSucceeded, both))
	assert.True(t, ShouldNotify(domain.StatusFailed, both))
	assert.True(t, ShouldNotify(domain.StatusCancelled, onlyFailure))
	assert.False(t, ShouldNotify(domain.StatusSucceeded, onlyFailure))
	assert.False(t, ShouldNotify(domain.StatusFailed, none))
	assert.False(t, ShouldNotify(domain.StatusInProgress, both))
}

func TestDispatch_FailureDoesNotBlockOtherTargets(t *testing.T) {
	email := &recorder{fail: map[string]error{"a@example.com": errors.New("mailbox full")}}
	hook := &recorder{}
	d := NewDispatcher(map[domain.TargetType]Notifier{
		domain.TargetEmail:   email,
		domain.TargetWebhook: hook,
	})
	schedule := domain.RefreshSchedule{
		ID:              "sch-1",
		Name:            "nightly",
		NotifyOnFailure: true,
		NotifyTargets: []domain.NotificationTarget{
			{Type: domain.TargetEmail, Target: "a@example.com"},
			{Type: domain.TargetEmail, Target: "b@example.com"},
			{Type: domain.TargetWebhook, Target: "https://hooks.example.com/1"},
		},
	}

	err := d.Dispatch(context.Background(), finishedRun(domain.StatusFailed), schedule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox full")
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, email.targets)
	assert.Equal(t, []string{"https://hooks.example.com/1"}, hook.targets)
}

func TestDispatch_RespectsFlags(t *testing.T) {
	email := &recorder{}
	d := NewDispatcher(map[domain.TargetType]Notifier{domain.TargetEmail: email})
	schedule := domain.RefreshSchedule{
		NotifyOnFailure: true,
		NotifyTargets:   []domain.NotificationTarget{{Type: domain.TargetEmail, Target: "a@example.com"}},
	}

	require.NoError(t, d.Dispatch(context.Background(), finishedRun(domain.StatusSucceeded), schedule))
	assert.Empty(t, email.targets)

	require.NoError(t, d.Dispatch(context.Background(), finishedRun(domain.StatusCancelled), schedule))
	assert.Len(t, email.targets, 1)
}

func TestDispatch_UnknownTargetType(t *testing.T) {
	d := NewDispatcher(map[domain.TargetType]Notifier{})
	schedule := domain.RefreshSchedule{
		NotifyOnSuccess: true,
		NotifyTargets:   []domain.NotificationTarget{{Type: "Pager", Target: "x"}},
	}
	err := d.Dispatch(context.Background(), finishedRun(domain.StatusSucceeded), schedule)
	assert.ErrorContains(t, err, "no notifier")
}

func TestEmailNotifier(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "refresh@example.com"}).
		WithSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			assert.Nil(t, a)
			return nil
		})

	run := finishedRun(domain.StatusFailed)
	run.FailureReason = "gateway timeout"
	msg := compose(run, domain.RefreshSchedule{Name: "nightly"})
	require.NoError(t, n.Notify(context.Background(), "ops@example.com", msg))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "refresh@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: [refreshflow] nightly: Failed\r\n")
	assert.Contains(t, string(gotMsg), "Failure: gateway timeout")
	assert.Contains(t, string(gotMsg), "Duration: 2m0s")
}

func TestEmailNotifier_HeaderValuesStayOnOneLine(t *testing.T) {
	var gotMsg []byte
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 25, From: "refresh@example.com"}).
		WithSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotMsg = msg
			return nil
		})

	msg := compose(finishedRun(domain.StatusFailed), domain.RefreshSchedule{Name: "nightly\r\nBcc: attacker@evil.example"})
	require.NoError(t, n.Notify(context.Background(), "ops@example.com", msg))

	headers, _, found := strings.Cut(string(gotMsg), "\r\n\r\n")
	require.True(t, found)
	for _, line := range strings.Split(headers, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"), "unexpected header line %q", line)
	}
	assert.Contains(t, headers, "Subject: [refreshflow] nightly Bcc: attacker@evil.example: Failed")
}

func TestEmailNotifier_EncodesNonASCIISubject(t *testing.T) {
	mail := string(buildMail("a@example.com", "b@example.com", Message{Subject: "Umsätze: Succeeded"}))
	assert.Contains(t, mail, "Subject: =?utf-8?q?")
}

func TestEmailNotifier_Unconfigured(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{})
	assert.Error(t, n.Notify(context.Background(), "ops@example.com", Message{}))
}

func TestWebhookNotifier(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second, map[string]string{"X-Token": "secret"})
	run := finishedRun(domain.StatusSucceeded)
	err := n.Notify(context.Background(), srv.URL, compose(run, domain.RefreshSchedule{ID: "sch-1", Name: "nightly"}))
	require.NoError(t, err)

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "sch-1", got.ScheduleID)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(120000), *got.DurationMs)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second, nil)
	err := n.Notify(context.Background(), srv.URL, compose(finishedRun(domain.StatusFailed), domain.RefreshSchedule{}))
	assert.ErrorContains(t, err, "HTTP 502")
}
