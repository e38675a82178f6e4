package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordEmailsScheduled(t *testing.T) {
	RecordEmailsScheduled("spring-launch", 95)
	RecordEmailsScheduled("autumn-sale", 10)
}

func TestRecordDuplicatesSkipped(t *testing.T) {
	RecordDuplicatesSkipped("spring-launch", 5)
	RecordDuplicatesSkipped("spring-launch", 0)
}

func TestRecordDispatchAttempt(t *testing.T) {
	RecordDispatchAttempt("sent")
	RecordDispatchAttempt("retried")
	RecordDispatchAttempt("failed")
	RecordDispatchAttempt("deferred")
}

func TestRecordSendDuration(t *testing.T) {
	RecordSendDuration("smtp", 500*time.Millisecond)
	RecordSendDuration("ses", 200*time.Millisecond)
}

func TestRecordTransportFailure(t *testing.T) {
	RecordTransportFailure("smtp", "transient")
	RecordTransportFailure("ses", "permanent")
}

func TestRecordStaleReclaimed(t *testing.T) {
	RecordStaleReclaimed(3)
	RecordStaleReclaimed(0)
}

func TestRecordSendWindowDeferral(t *testing.T) {
	RecordSendWindowDeferral()
	RecordSendWindowDeferral()
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(20)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
