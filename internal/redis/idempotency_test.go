package redis

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestIdempotency(t *testing.T) (*IdempotencyService, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	svc := NewIdempotencyService(client, zap.NewNop())

	return svc, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotency_CheckMissingKey(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	result, err := svc.Check(context.Background(), "camp", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for missing key, got %+v", result)
	}
}

func TestIdempotency_StoreAndCheck(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()
	body := []byte(`{"campaign":"camp","scheduled":95,"duplicates_skipped":5}`)
	stored := &IdempotencyResult{
		Campaign:   "camp",
		StatusCode: 201,
		Body:       body,
	}
	if err := svc.Store(ctx, "camp", "key-1", stored, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "camp", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.StatusCode != 201 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !bytes.Equal(result.Body, body) {
		t.Fatalf("cached body should round-trip unchanged, got %s", result.Body)
	}
	if result.CreatedAt == 0 {
		t.Error("CreatedAt should be populated on store")
	}
}

func TestIdempotency_ReserveBlocksSecondCaller(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	ok, err := svc.Reserve(ctx, "camp", "key-1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !ok {
		t.Fatal("first reserve should succeed")
	}

	ok, err = svc.Reserve(ctx, "camp", "key-1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if ok {
		t.Fatal("second reserve should fail")
	}
}

func TestIdempotency_CheckInFlightReturnsDuplicate(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := svc.Reserve(ctx, "camp", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, err := svc.Check(ctx, "camp", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestIdempotency_CheckOrReserve(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "camp", "key-1")
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if result != nil {
		t.Fatalf("first call should reserve, got %+v", result)
	}

	if _, err := svc.CheckOrReserve(ctx, "camp", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("in-flight duplicate should error, got %v", err)
	}

	body := []byte(`{"campaign":"camp","scheduled":10}`)
	if err := svc.Store(ctx, "camp", "key-1", &IdempotencyResult{Campaign: "camp", StatusCode: 201, Body: body}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err = svc.CheckOrReserve(ctx, "camp", "key-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if result == nil || !bytes.Equal(result.Body, body) {
		t.Fatalf("replay should return cached result, got %+v", result)
	}
}

func TestIdempotency_KeyExpires(t *testing.T) {
	svc, mr, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()
	if err := svc.Store(ctx, "camp", "key-1", &IdempotencyResult{Campaign: "camp", StatusCode: 201}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	mr.FastForward(IdempotencyTTL + time.Second)

	result, err := svc.Check(ctx, "camp", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result != nil {
		t.Fatalf("expired key should miss, got %+v", result)
	}
}
