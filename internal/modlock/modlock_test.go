package modlock

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRefusesSecondAdminUntilCooldown(t *testing.T) {
	now := time.Date(2026, 10, 3, 20, 0, 0, 0, time.UTC)
	locks, err := NewMemory(2*time.Minute, func() time.Time { return now })
	if err != nil {
		t.Fatalf("failed to construct locks: %v", err)
	}
	ctx := context.Background()

	if refusal, err := locks.Claim(ctx, 7, 100, "Alice"); err != nil || refusal != nil {
		t.Fatalf("first claim should succeed, got %+v (%v)", refusal, err)
	}

	now = now.Add(30*time.Second + 500*time.Millisecond)
	refusal, err := locks.Claim(ctx, 7, 200, "Bob")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if refusal == nil {
		t.Fatalf("second admin should be refused")
	}
	if refusal.Holder.Name != "Alice" || refusal.Seconds != 90 {
		t.Fatalf("unexpected refusal %+v", refusal)
	}

	if refusal, _ := locks.Claim(ctx, 7, 100, "Alice"); refusal != nil {
		t.Fatalf("holder should be able to re-claim")
	}
	if refusal, _ := locks.Claim(ctx, 8, 200, "Bob"); refusal != nil {
		t.Fatalf("claims are per initiative")
	}

	now = now.Add(3 * time.Minute)
	if refusal, _ := locks.Claim(ctx, 7, 200, "Bob"); refusal != nil {
		t.Fatalf("expired claim should not block, got %+v", refusal)
	}
	if refusal, _ := locks.Claim(ctx, 7, 100, "Alice"); refusal == nil || refusal.Holder.AdminID != 200 {
		t.Fatalf("new claim should now block the previous holder, got %+v", refusal)
	}
}

func TestNewMemoryRejectsInvalidCooldown(t *testing.T) {
	if _, err := NewMemory(0, nil); err == nil {
		t.Fatalf("expected error for zero cooldown")
	}
}

func TestHolderRemainingRoundsUp(t *testing.T) {
	now := time.Unix(1000, 0)
	holder := Holder{Expires: now.Add(1500 * time.Millisecond)}
	if got := holder.Remaining(now); got != 2 {
		t.Fatalf("expected 2 seconds, got %d", got)
	}
	if got := holder.Remaining(now.Add(time.Minute)); got != 0 {
		t.Fatalf("expected 0 seconds, got %d", got)
	}
}
