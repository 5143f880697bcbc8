package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"guest-access-service/internal/client"
	"guest-access-service/internal/models"
)

func newTestActionTokenStore(t *testing.T) *ActionTokenStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewActionTokenStore(client.Wrap(rdb), 7*24*time.Hour)
}

func testGrant(now time.Time) *models.ActionGrant {
	return &models.ActionGrant{
		OrderID:   "ORD-2002",
		Purpose:   models.PurposeReviewInvitation,
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}

func TestActionTokenPutAndGet(t *testing.T) {
	store := newTestActionTokenStore(t)
	ctx := context.Background()

	grant := testGrant(time.Now().UTC())
	if err := store.Put(ctx, "digest-1", grant); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "digest-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a grant record")
	}
	if got.OrderID != grant.OrderID || got.Purpose != grant.Purpose {
		t.Fatalf("grant mismatch: %+v", got)
	}
	if got.Used() {
		t.Fatal("fresh grant must not be used")
	}
}

func TestActionTokenGetMissing(t *testing.T) {
	store := newTestActionTokenStore(t)

	got, err := store.Get(context.Background(), "no-such-digest")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown digest")
	}
}

func TestActionTokenSingleUse(t *testing.T) {
	store := newTestActionTokenStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "digest-2", testGrant(time.Now().UTC())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	outcome, err := store.Consume(ctx, "digest-2")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if outcome != ConsumeOK {
		t.Fatalf("expected first consume to succeed, got %d", outcome)
	}

	outcome, err = store.Consume(ctx, "digest-2")
	if err != nil {
		t.Fatalf("second Consume failed: %v", err)
	}
	if outcome != ConsumeAlreadyUsed {
		t.Fatalf("expected replay to report already used, got %d", outcome)
	}

	got, err := store.Get(ctx, "digest-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Used() {
		t.Fatal("expected used_at to be recorded")
	}
}

func TestActionTokenConsumeMissing(t *testing.T) {
	store := newTestActionTokenStore(t)

	outcome, err := store.Consume(context.Background(), "no-such-digest")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if outcome != ConsumeMissing {
		t.Fatalf("expected missing outcome, got %d", outcome)
	}
}

func TestActionTokenConsumeExpired(t *testing.T) {
	store := newTestActionTokenStore(t)
	ctx := context.Background()

	grant := testGrant(time.Now().UTC().Add(-31 * 24 * time.Hour))
	if err := store.Put(ctx, "digest-3", grant); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	outcome, err := store.Consume(ctx, "digest-3")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if outcome != ConsumeExpired {
		t.Fatalf("expected expired outcome, got %d", outcome)
	}
}

func TestActionTokenConcurrentConsumeSingleWinner(t *testing.T) {
	store := newTestActionTokenStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "digest-4", testGrant(time.Now().UTC())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	outcomes := make(chan ConsumeOutcome, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.Consume(ctx, "digest-4")
			if err != nil {
				t.Errorf("Consume failed: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	winners := 0
	for o := range outcomes {
		if o == ConsumeOK {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one consume winner, got %d", winners)
	}
}
