package intake

import (
	"context"
	"testing"
	"time"
)

func newTestSweeper(t *testing.T, p *testPipeline, maxAttempts int) *Sweeper {
	t.Helper()
	return NewSweeper(SweeperConfig{
		MaxAttempts: maxAttempts,
		StaleAfter:  5 * time.Minute,
		RetryDelay:  time.Minute,
	}, p.db, p.ledger, p.queue, nil)
}

func seedDelivery(t *testing.T, p *testPipeline, d Delivery) *Delivery {
	t.Helper()
	if d.RawPayload == nil {
		d.RawPayload = map[string]any{"phone": "1"}
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	if err := p.db.Create(&d).Error; err != nil {
		t.Fatal(err)
	}
	return &d
}

func TestSweeper_ReclaimsStaleProcessing(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	old := time.Now().UTC().Add(-10 * time.Minute)
	recent := time.Now().UTC()

	stale := seedDelivery(t, p, Delivery{IdempotencyKey: "stale", Status: StatusProcessing, Attempts: 1, ClaimToken: strPtr("t1"), ClaimedAt: &old})
	exhausted := seedDelivery(t, p, Delivery{IdempotencyKey: "exhausted", Status: StatusProcessing, Attempts: 3, ClaimToken: strPtr("t2"), ClaimedAt: &old})
	busy := seedDelivery(t, p, Delivery{IdempotencyKey: "busy", Status: StatusProcessing, Attempts: 1, ClaimToken: strPtr("t3"), ClaimedAt: &recent})

	stats, err := newTestSweeper(t, p, 3).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.StaleReclaimed != 1 || stats.StaleTerminal != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got, _ := p.ledger.Get(ctx, stale.ID)
	if got.Status != StatusPending || got.Attempts != 1 || got.ClaimToken != nil {
		t.Fatalf("stale row should be pending again: %+v", got)
	}
	got, _ = p.ledger.Get(ctx, exhausted.ID)
	if got.Status != StatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "processing timed out" {
		t.Fatalf("exhausted row should be terminally failed: %+v", got)
	}
	got, _ = p.ledger.Get(ctx, busy.ID)
	if got.Status != StatusProcessing {
		t.Fatalf("fresh claim must be left alone, got %s", got.Status)
	}
	if ids := p.queue.IDs(); len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expected only %d re-enqueued, got %v", stale.ID, ids)
	}
}

func TestSweeper_RetriesFailedUnderCeiling(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	old := time.Now().UTC().Add(-10 * time.Minute)
	recent := time.Now().UTC()

	retry := seedDelivery(t, p, Delivery{IdempotencyKey: "retry", Status: StatusFailed, Attempts: 1, FailedAt: &old})
	terminal := seedDelivery(t, p, Delivery{IdempotencyKey: "terminal", Status: StatusFailed, Attempts: 3, FailedAt: &old})
	cooling := seedDelivery(t, p, Delivery{IdempotencyKey: "cooling", Status: StatusFailed, Attempts: 1, FailedAt: &recent})

	stats, err := newTestSweeper(t, p, 3).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FailedRetried != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	got, _ := p.ledger.Get(ctx, retry.ID)
	if got.Status != StatusPending || got.Attempts != 1 {
		t.Fatalf("retryable row should be pending with attempts kept: %+v", got)
	}
	for _, id := range []uint{terminal.ID, cooling.ID} {
		got, _ := p.ledger.Get(ctx, id)
		if got.Status != StatusFailed {
			t.Fatalf("delivery %d should stay failed, got %s", id, got.Status)
		}
	}
	if ids := p.queue.IDs(); len(ids) != 1 || ids[0] != retry.ID {
		t.Fatalf("expected only %d re-enqueued, got %v", retry.ID, ids)
	}
}

func TestSweeper_RequeuesLostPending(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	old := time.Now().UTC().Add(-10 * time.Minute)
	recent := time.Now().UTC()

	lost := seedDelivery(t, p, Delivery{IdempotencyKey: "lost", Status: StatusPending, EnqueuedAt: &old})
	seedDelivery(t, p, Delivery{IdempotencyKey: "queued", Status: StatusPending, EnqueuedAt: &recent})
	seedDelivery(t, p, Delivery{IdempotencyKey: "done", Status: StatusProcessed, EnqueuedAt: &old})

	sweeper := newTestSweeper(t, p, 3)
	stats, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingRequeued != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if ids := p.queue.IDs(); len(ids) != 1 || ids[0] != lost.ID {
		t.Fatalf("expected %d re-enqueued, got %v", lost.ID, ids)
	}

	// enqueued_at was refreshed, so an immediate second sweep does nothing.
	stats, err = sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingRequeued != 0 {
		t.Fatalf("expected no requeue on second sweep, got %+v", stats)
	}
}

func TestSweeper_RecoversDeliveryEndToEnd(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	p.queue.FailNext(1)

	r, err := p.gate.Submit(ctx, "", testSecret, mustJSON(t, map[string]any{"email": "a@x.com"}))
	if err != nil {
		t.Fatal(err)
	}
	sweeper := newTestSweeper(t, p, 3)
	sweeper.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	if _, err := sweeper.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if ids := p.queue.IDs(); len(ids) != 1 || ids[0] != r.DeliveryID {
		t.Fatalf("expected lost enqueue recovered, got %v", ids)
	}
	out, err := p.engine.Process(ctx, r.DeliveryID)
	if err != nil || out.Action != ActionCreated {
		t.Fatalf("expected created after recovery, got %+v err=%v", out, err)
	}
}
