package transport

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeTransport struct {
	name  string
	err   error
	calls int
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(ctx context.Context, msg *Message) error {
	f.calls++
	return f.err
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := &fakeTransport{name: "primary"}
	fallback := &fakeTransport{name: "fallback"}
	fo := NewFailover(primary, fallback, zap.NewNop())

	if err := fo.Send(context.Background(), &Message{To: "a@b.c"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fallback.calls != 0 {
		t.Error("fallback must not be called when primary succeeds")
	}
}

func TestFailover_TransientFailureFallsOver(t *testing.T) {
	primary := &fakeTransport{name: "primary", err: Transientf(nil, "throttled")}
	fallback := &fakeTransport{name: "fallback"}
	fo := NewFailover(primary, fallback, zap.NewNop())

	if err := fo.Send(context.Background(), &Message{To: "a@b.c"}); err != nil {
		t.Fatalf("expected fallback to rescue the send, got %v", err)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.calls)
	}
}

func TestFailover_PermanentFailureDoesNotFallOver(t *testing.T) {
	primary := &fakeTransport{name: "primary", err: Permanentf(nil, "bad address")}
	fallback := &fakeTransport{name: "fallback"}
	fo := NewFailover(primary, fallback, zap.NewNop())

	err := fo.Send(context.Background(), &Message{To: "a@b.c"})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if fallback.calls != 0 {
		t.Error("permanent failure must not trigger the fallback")
	}
}

func TestFailover_BothFail(t *testing.T) {
	primary := &fakeTransport{name: "primary", err: Transientf(nil, "timeout")}
	fallback := &fakeTransport{name: "fallback", err: Transientf(nil, "also down")}
	fo := NewFailover(primary, fallback, zap.NewNop())

	err := fo.Send(context.Background(), &Message{To: "a@b.c"})
	if err == nil {
		t.Fatal("expected error when both legs fail")
	}
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestFailover_FallbackCapabilityGapKeepsRetryEligibility(t *testing.T) {
	// SMTP times out on a message with an attachment; SES cannot carry
	// attachments at all. The send must stay transient so it retries on SMTP.
	primary := &fakeTransport{name: "smtp", err: Transientf(nil, "timeout")}
	fallback := &fakeTransport{name: "ses", err: Permanentf(nil, "no attachments")}
	fo := NewFailover(primary, fallback, zap.NewNop())

	err := fo.Send(context.Background(), &Message{To: "a@b.c", AttachmentPath: "/tmp/deck.pdf"})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestFailover_NilFallback(t *testing.T) {
	wantErr := Transientf(nil, "down")
	primary := &fakeTransport{name: "primary", err: wantErr}
	fo := NewFailover(primary, nil, zap.NewNop())

	if err := fo.Send(context.Background(), &Message{To: "a@b.c"}); !errors.Is(err, wantErr) {
		t.Fatalf("expected primary error passthrough, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{"nil", nil, false, false},
		{"transient", Transientf(nil, "x"), true, false},
		{"permanent", Permanentf(nil, "x"), false, true},
		{"unclassified_defaults_transient", errors.New("connection reset"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
			if got := IsPermanent(tt.err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.wantPermanent)
			}
		})
	}
}
