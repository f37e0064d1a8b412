package idempotency

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"record-sync-engine/internal/models"
)

func testClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestClaimIsAtomicPerDelivery(t *testing.T) {
	ctx := context.Background()
	client, _ := testClient(t)
	claims := NewClaims(client, 24*time.Hour)

	ok, err := claims.Claim(ctx, "op-1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = claims.Claim(ctx, "op-1")
	if err != nil || ok {
		t.Fatalf("duplicate claim should be refused: ok=%v err=%v", ok, err)
	}

	// Different delivery about the same entity claims independently.
	ok, _ = claims.Claim(ctx, "op-2")
	if !ok {
		t.Fatalf("unrelated operation id should claim")
	}
}

func TestEmptyOperationIDAlwaysClaims(t *testing.T) {
	ctx := context.Background()
	client, _ := testClient(t)
	claims := NewClaims(client, time.Hour)

	for i := 0; i < 3; i++ {
		ok, err := claims.Claim(ctx, "")
		if err != nil || !ok {
			t.Fatalf("empty operation id must always claim: ok=%v err=%v", ok, err)
		}
	}
}

func TestClaimExpires(t *testing.T) {
	ctx := context.Background()
	client, mr := testClient(t)
	claims := NewClaims(client, time.Hour)

	if ok, _ := claims.Claim(ctx, "op-3"); !ok {
		t.Fatalf("first claim refused")
	}
	mr.FastForward(2 * time.Hour)
	if ok, _ := claims.Claim(ctx, "op-3"); !ok {
		t.Fatalf("claim should succeed again after expiry")
	}
}

func TestTripleLock(t *testing.T) {
	ctx := context.Background()
	client, _ := testClient(t)
	lock := NewTripleLock(client, time.Minute)

	triple := models.Triple{EntityID: "rec-1", Source: models.SystemA, Target: models.SystemB}

	ok, err := lock.Acquire(ctx, triple, "worker-1")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = lock.Acquire(ctx, triple, "worker-2")
	if ok {
		t.Fatalf("second worker must not acquire a held lock")
	}

	// Release with the wrong token is a no-op.
	if err := lock.Release(ctx, triple, "worker-2"); err != nil {
		t.Fatalf("release wrong token: %v", err)
	}
	if ok, _ = lock.Acquire(ctx, triple, "worker-2"); ok {
		t.Fatalf("lock should still be held after foreign release")
	}

	if err := lock.Release(ctx, triple, "worker-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ = lock.Acquire(ctx, triple, "worker-2"); !ok {
		t.Fatalf("lock should be free after owner release")
	}
}

func TestLockIsPerTriple(t *testing.T) {
	ctx := context.Background()
	client, _ := testClient(t)
	lock := NewTripleLock(client, time.Minute)

	t1 := models.Triple{EntityID: "rec-1", Source: models.SystemA, Target: models.SystemB}
	t2 := models.Triple{EntityID: "rec-2", Source: models.SystemA, Target: models.SystemB}
	t3 := models.Triple{EntityID: "rec-1", Source: models.SystemB, Target: models.SystemA}

	if ok, _ := lock.Acquire(ctx, t1, "w"); !ok {
		t.Fatalf("acquire t1")
	}
	if ok, _ := lock.Acquire(ctx, t2, "w"); !ok {
		t.Fatalf("unrelated entity should not contend")
	}
	if ok, _ := lock.Acquire(ctx, t3, "w"); !ok {
		t.Fatalf("reverse direction is a distinct triple")
	}
}
