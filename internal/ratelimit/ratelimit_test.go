package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlotOf(t *testing.T) {
	window := time.Minute
	base := time.Unix(0, 0)

	tests := []struct {
		name        string
		t           time.Time
		wantSlot    int64
		wantElapsed float64
	}{
		{"slot start", base, 0, 0},
		{"mid slot", base.Add(30 * time.Second), 0, 0.5},
		{"next slot", base.Add(time.Minute), 1, 0},
		{"deep in later slot", base.Add(5*time.Minute + 45*time.Second), 5, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, elapsed := slotOf(tt.t, window)
			if slot != tt.wantSlot {
				t.Errorf("slot = %d, want %d", slot, tt.wantSlot)
			}
			if elapsed != tt.wantElapsed {
				t.Errorf("elapsed = %v, want %v", elapsed, tt.wantElapsed)
			}
		})
	}
}

func TestWindowedCount(t *testing.T) {
	tests := []struct {
		name    string
		prev    int64
		cur     int64
		elapsed float64
		want    int64
	}{
		{"fresh slot counts all of previous", 100, 0, 0, 100},
		{"half elapsed halves previous", 100, 50, 0.5, 100},
		{"fully elapsed drops previous", 100, 50, 1, 50},
		{"no previous", 0, 70, 0.3, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := windowedCount(tt.prev, tt.cur, tt.elapsed); got != tt.want {
				t.Errorf("windowedCount(%d, %d, %v) = %d, want %d",
					tt.prev, tt.cur, tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	window := time.Minute
	at := time.Unix(0, 0).Add(45 * time.Second)
	if got := retryAfter(at, window); got != 15*time.Second {
		t.Errorf("retryAfter = %v, want 15s", got)
	}
}

func TestMemoryLimiterBudget(t *testing.T) {
	m := NewMemory(Config{Window: time.Minute, MaxBytes: 100})
	now := time.Unix(0, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _, err := m.AllowBytes(ctx, "u1", 60)
	if err != nil || !ok {
		t.Fatalf("first 60 bytes: ok=%v err=%v, want admitted", ok, err)
	}
	ok, _, err = m.AllowBytes(ctx, "u1", 40)
	if err != nil || !ok {
		t.Fatalf("next 40 bytes: ok=%v err=%v, want admitted (exactly at budget)", ok, err)
	}
	ok, retry, err := m.AllowBytes(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("AllowBytes() error = %v", err)
	}
	if ok {
		t.Fatal("byte over budget admitted")
	}
	if retry <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", retry)
	}
}

func TestMemoryLimiterRejectionConsumesNothing(t *testing.T) {
	m := NewMemory(Config{Window: time.Minute, MaxBytes: 100})
	now := time.Unix(0, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _, _ := m.AllowBytes(ctx, "u1", 200); ok {
		t.Fatal("oversized request admitted")
	}
	// The rejected request must not have eaten the budget.
	if ok, _, _ := m.AllowBytes(ctx, "u1", 100); !ok {
		t.Error("budget was consumed by a rejected request")
	}
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	m := NewMemory(Config{Window: time.Minute, MaxBytes: 100})
	now := time.Unix(0, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _, _ := m.AllowBytes(ctx, "u1", 100); !ok {
		t.Fatal("initial fill rejected")
	}
	if ok, _, _ := m.AllowBytes(ctx, "u1", 1); ok {
		t.Fatal("over-budget byte admitted")
	}

	// Half a window later the previous slot weighs half.
	now = now.Add(time.Minute + 30*time.Second)
	if ok, _, _ := m.AllowBytes(ctx, "u1", 50); !ok {
		t.Error("half-weighted window rejected 50 bytes, want admitted")
	}
	if ok, _, _ := m.AllowBytes(ctx, "u1", 60); ok {
		t.Error("half-weighted window admitted 60 more bytes, want rejected")
	}

	// Two full windows later the budget is fresh.
	now = now.Add(2 * time.Minute)
	if ok, _, _ := m.AllowBytes(ctx, "u1", 100); !ok {
		t.Error("fresh window rejected a full budget")
	}
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	m := NewMemory(Config{Window: time.Minute, MaxBytes: 100})
	now := time.Unix(0, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _, _ := m.AllowBytes(ctx, "u1", 100); !ok {
		t.Fatal("u1 fill rejected")
	}
	if ok, _, _ := m.AllowBytes(ctx, "u2", 100); !ok {
		t.Error("u2 budget affected by u1")
	}
}

func TestZeroMaxBytesDisablesLimiting(t *testing.T) {
	m := NewMemory(Config{Window: time.Minute, MaxBytes: 0})
	if ok, _, _ := m.AllowBytes(context.Background(), "u1", 1<<40); !ok {
		t.Error("disabled limiter rejected a request")
	}
}
