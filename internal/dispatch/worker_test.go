package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/redis"
	"github.com/courierhq/courier/internal/transport"
)

type fakeStore struct {
	mu sync.Mutex

	due []*db.ScheduledEmail

	sent      []string
	failed    map[string]string // email id -> last error
	retries   map[string][]retryCall
	tracked   map[string]string
	reclaimed int
}

type retryCall struct {
	attempt     int
	reason      string
	nextRetryAt time.Time
}

func newFakeStore(due ...*db.ScheduledEmail) *fakeStore {
	return &fakeStore{
		due:     due,
		failed:  map[string]string{},
		retries: map[string][]retryCall{},
		tracked: map[string]string{},
	}
}

func (f *fakeStore) CountDuePending(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.due), nil
}

func (f *fakeStore) ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.due)
	if n > limit {
		n = limit
	}
	claimed := f.due[:n]
	f.due = f.due[n:]
	return claimed, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, emailID string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emailID)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, emailID string, attempt int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[emailID] = lastError
	return nil
}

func (f *fakeStore) ScheduleRetry(ctx context.Context, emailID string, attempt int, lastError string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[emailID] = append(f.retries[emailID], retryCall{attempt: attempt, reason: lastError, nextRetryAt: nextRetryAt})
	return nil
}

func (f *fakeStore) SetTrackingID(ctx context.Context, emailID, trackingID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.tracked[emailID]; ok {
		return existing, nil
	}
	f.tracked[emailID] = trackingID
	return trackingID, nil
}

func (f *fakeStore) ReclaimStaleSending(ctx context.Context, olderThan time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.reclaimed
	f.reclaimed = 0
	return n, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	errs  []error // consumed per call; nil entry means success
	calls []*transport.Message
}

func (f *fakeTransport) Send(ctx context.Context, msg *transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeTransport) Name() string { return "fake" }

type fakeLimiter struct {
	allowed bool
}

func (f *fakeLimiter) Reserve(ctx context.Context, key string) (*redis.SendWindowResult, error) {
	return &redis.SendWindowResult{Allowed: f.allowed, ResetAt: time.Now().Add(time.Hour)}, nil
}

type fakeTracker struct {
	mu      sync.Mutex
	baseURL string
	sent    []string // tracking ids
}

func (f *fakeTracker) BaseURL() string { return f.baseURL }

func (f *fakeTracker) RecordSent(ctx context.Context, trackingID, campaign, username, recipientEmail string, sentAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, trackingID)
}

func pendingEmail(id string) *db.ScheduledEmail {
	return &db.ScheduledEmail{
		EmailID:        id,
		Campaign:       "camp",
		RecipientEmail: "alice@example.com",
		Username:       "alice",
		Subject:        "Hello alice",
		Body:           "<html><body>Hi</body></html>",
		ScheduledAt:    time.Now().Add(-time.Minute),
		Status:         db.StatusPending,
	}
}

func testWorker(store *fakeStore, tr transport.Transport, limiter Limiter, tracker Tracker) *Worker {
	return New(store, tr, limiter, tracker, Config{
		PollInterval: time.Second,
		ClaimLimit:   10,
		MaxAttempts:  3,
		BackoffBase:  time.Minute,
		BackoffMax:   30 * time.Minute,
		SendTimeout:  time.Second,
		StaleAfter:   10 * time.Minute,
	}, zap.NewNop())
}

func TestTick_SendsDueEmail(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"))
	tr := &fakeTransport{}
	w := testWorker(store, tr, nil, nil)

	w.Tick(context.Background())

	if len(store.sent) != 1 || store.sent[0] != "e1" {
		t.Fatalf("expected e1 marked sent, got %v", store.sent)
	}
	if len(tr.calls) != 1 {
		t.Fatalf("expected 1 transport call, got %d", len(tr.calls))
	}
	if tr.calls[0].To != "alice@example.com" {
		t.Errorf("unexpected recipient %q", tr.calls[0].To)
	}
}

func TestTick_TransientFailureSchedulesRetryWithBackoff(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"))
	tr := &fakeTransport{errs: []error{transport.Transientf(nil, "smtp timeout")}}
	w := testWorker(store, tr, nil, nil)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.Tick(context.Background())

	calls := store.retries["e1"]
	if len(calls) != 1 {
		t.Fatalf("expected 1 retry, got %d", len(calls))
	}
	if calls[0].attempt != 1 {
		t.Errorf("expected attempt 1, got %d", calls[0].attempt)
	}
	if !calls[0].nextRetryAt.Equal(now.Add(time.Minute)) {
		t.Errorf("first retry should back off by base: %v", calls[0].nextRetryAt)
	}
	if len(store.failed) != 0 {
		t.Errorf("email should not be failed yet: %v", store.failed)
	}
}

func TestTick_PermanentFailureDoesNotRetry(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"))
	tr := &fakeTransport{errs: []error{transport.Permanentf(nil, "mailbox does not exist")}}
	w := testWorker(store, tr, nil, nil)

	w.Tick(context.Background())

	if len(store.retries) != 0 {
		t.Fatalf("permanent failure must not schedule retries: %v", store.retries)
	}
	if msg, ok := store.failed["e1"]; !ok || !strings.Contains(msg, "mailbox does not exist") {
		t.Fatalf("expected e1 failed with cause, got %v", store.failed)
	}
}

func TestRetry_ExhaustedAfterMaxAttempts(t *testing.T) {
	email := pendingEmail("e1")
	tr := &fakeTransport{errs: []error{
		transport.Transientf(nil, "down"),
		transport.Transientf(nil, "down"),
		transport.Transientf(nil, "down"),
		transport.Transientf(nil, "down"),
	}}
	store := newFakeStore(email)
	w := testWorker(store, tr, nil, nil)

	// Attempt 1: retry scheduled.
	w.Tick(context.Background())
	// Re-queue with recorded attempt count, as the repository would.
	email.AttemptCount = 1
	store.due = []*db.ScheduledEmail{email}
	w.Tick(context.Background())
	// Attempt 3 hits MaxAttempts and fails the email for good.
	email.AttemptCount = 2
	store.due = []*db.ScheduledEmail{email}
	w.Tick(context.Background())

	if len(store.retries["e1"]) != 2 {
		t.Fatalf("expected 2 scheduled retries, got %d", len(store.retries["e1"]))
	}
	if _, ok := store.failed["e1"]; !ok {
		t.Fatal("email should be failed after attempts are exhausted")
	}
	if len(tr.calls) != 3 {
		t.Fatalf("expected exactly 3 send attempts, got %d", len(tr.calls))
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	w := testWorker(newFakeStore(), &fakeTransport{}, nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 30 * time.Minute},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := w.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestTick_SendWindowExhaustedDefersWithoutAttempt(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"))
	tr := &fakeTransport{}
	w := testWorker(store, tr, &fakeLimiter{allowed: false}, nil)

	w.Tick(context.Background())

	if len(tr.calls) != 0 {
		t.Fatal("deferred email must not reach the transport")
	}
	calls := store.retries["e1"]
	if len(calls) != 1 {
		t.Fatalf("expected 1 deferral, got %d", len(calls))
	}
	if calls[0].attempt != 0 {
		t.Errorf("deferral must not consume an attempt, got attempt %d", calls[0].attempt)
	}
}

func TestTick_SendWindowOpenAllowsSend(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"))
	tr := &fakeTransport{}
	w := testWorker(store, tr, &fakeLimiter{allowed: true}, nil)

	w.Tick(context.Background())

	if len(store.sent) != 1 {
		t.Fatalf("expected send to proceed, got %v", store.sent)
	}
}

func TestTick_InjectsPixelAndRecordsSent(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"))
	tr := &fakeTransport{}
	tracker := &fakeTracker{baseURL: "https://track.example.com"}
	w := testWorker(store, tr, nil, tracker)

	w.Tick(context.Background())

	if len(tr.calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(tr.calls))
	}
	body := tr.calls[0].Body
	if !strings.Contains(body, "track.example.com/track/open") {
		t.Errorf("pixel not injected: %q", body)
	}
	id, ok := store.tracked["e1"]
	if !ok {
		t.Fatal("tracking id not persisted")
	}
	if !strings.Contains(body, id) {
		t.Errorf("pixel does not carry persisted tracking id %q", id)
	}
	if len(tracker.sent) != 1 || tracker.sent[0] != id {
		t.Fatalf("tracker not notified with id %q: %v", id, tracker.sent)
	}
}

func TestTick_TrackingIDStableAcrossRetries(t *testing.T) {
	email := pendingEmail("e1")
	store := newFakeStore(email)
	tr := &fakeTransport{errs: []error{transport.Transientf(nil, "down")}}
	tracker := &fakeTracker{baseURL: "https://track.example.com"}
	w := testWorker(store, tr, nil, tracker)

	w.Tick(context.Background())
	first := store.tracked["e1"]

	email.AttemptCount = 1
	store.due = []*db.ScheduledEmail{email}
	w.Tick(context.Background())

	if store.tracked["e1"] != first {
		t.Fatalf("tracking id changed across retries: %q vs %q", first, store.tracked["e1"])
	}
}

func TestTick_NoTrackerSendsPlainBody(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"))
	tr := &fakeTransport{}
	w := testWorker(store, tr, nil, nil)

	w.Tick(context.Background())

	if strings.Contains(tr.calls[0].Body, "track/open") {
		t.Errorf("pixel injected without a tracker: %q", tr.calls[0].Body)
	}
}

func TestTick_AttachmentPathPassedToTransport(t *testing.T) {
	email := pendingEmail("e1")
	path := "/data/brochure.pdf"
	email.AttachmentPath = &path
	store := newFakeStore(email)
	tr := &fakeTransport{}
	w := testWorker(store, tr, nil, nil)

	w.Tick(context.Background())

	if tr.calls[0].AttachmentPath != path {
		t.Errorf("attachment path not forwarded: %q", tr.calls[0].AttachmentPath)
	}
}

func TestTick_ClaimLimitRespected(t *testing.T) {
	store := newFakeStore(pendingEmail("e1"), pendingEmail("e2"), pendingEmail("e3"))
	tr := &fakeTransport{}
	w := New(store, tr, nil, nil, Config{
		PollInterval: time.Second,
		ClaimLimit:   2,
		MaxAttempts:  3,
	}, zap.NewNop())

	w.Tick(context.Background())

	if len(store.sent) != 2 {
		t.Fatalf("expected 2 sends this tick, got %d", len(store.sent))
	}
	if len(store.due) != 1 {
		t.Fatalf("expected 1 email left for next tick, got %d", len(store.due))
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	w := New(store, &fakeTransport{}, nil, nil, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
