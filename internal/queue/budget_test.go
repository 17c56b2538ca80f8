package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestProviderBudgetSpend(t *testing.T) {
	mr, rdb := newRedis(t)
	b := NewProviderBudget(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 20, 0, 0, time.UTC)
	reset := time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)

	var got []Quota
	for i := 0; i < 3; i++ {
		q, err := b.Spend(context.Background(), 10, now)
		if err != nil {
			t.Fatalf("spend #%d: %v", i+1, err)
		}
		got = append(got, q)
	}
	want := []Quota{
		{Allowed: true, Used: 1, Limit: 2, ResetAt: reset},
		{Allowed: true, Used: 2, Limit: 2, ResetAt: reset},
		{Allowed: false, Used: 3, Limit: 2, ResetAt: reset},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("quota mismatch (-want +got):\n%s", diff)
	}
	if ttl := mr.TTL(budgetKey(10, now.Truncate(time.Hour))); ttl != 40*time.Minute {
		t.Fatalf("ttl = %v, want 40m", ttl)
	}

	q, err := b.Spend(context.Background(), 10, reset)
	if err != nil || !q.Allowed || q.Used != 1 {
		t.Fatalf("next hour must start fresh: %+v %v", q, err)
	}
}

func TestProviderBudgetIsPerUser(t *testing.T) {
	_, rdb := newRedis(t)
	b := NewProviderBudget(rdb, 1)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	if q, err := b.Spend(context.Background(), 10, now); err != nil || !q.Allowed {
		t.Fatalf("first spend: %+v %v", q, err)
	}
	// Switching chats does not reset the owner's budget.
	if q, err := b.Spend(context.Background(), 10, now.Add(time.Minute)); err != nil || q.Allowed {
		t.Fatalf("second spend by same user must be denied: %+v %v", q, err)
	}
	if q, err := b.Spend(context.Background(), 11, now); err != nil || !q.Allowed {
		t.Fatalf("other user has own budget: %+v %v", q, err)
	}
}

func TestProviderBudgetDisabled(t *testing.T) {
	mr, rdb := newRedis(t)
	b := NewProviderBudget(rdb, 0)
	for i := 0; i < 5; i++ {
		if q, err := b.Spend(context.Background(), 1, time.Now()); err != nil || !q.Allowed {
			t.Fatalf("limit 0 must allow everything")
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("disabled budget wrote keys %v", keys)
	}
}

func TestCallsProvider(t *testing.T) {
	for kind, want := range map[JobKind]bool{
		JobSend:    true,
		JobSuggest: true,
		JobChoose:  true,
		JobPing:    true,
		JobAccept:  false,
		JobReject:  false,
	} {
		if got := kind.CallsProvider(); got != want {
			t.Fatalf("%s.CallsProvider() = %v, want %v", kind, got, want)
		}
	}
}
