package app

import (
	"context"
	"testing"
	"time"

	"replypilot/internal/domain"
)

func TestDecideQuota_Boundary(t *testing.T) {
	tests := []struct {
		current, limit int
		allowed        bool
	}{
		{9, 10, true},
		{10, 10, false},
		{11, 10, false},
		{0, 10, true},
		{100000, domain.Unlimited, true},
	}
	for _, tt := range tests {
		got := decideQuota(tt.current, tt.limit)
		if got.Allowed != tt.allowed || got.Current != tt.current || got.Limit != tt.limit {
			t.Fatalf("decideQuota(%d, %d) = %+v", tt.current, tt.limit, got)
		}
	}
}

type usageStub struct {
	tier  domain.Tier
	count int
	since time.Time
}

func (u *usageStub) ActiveTier(ctx context.Context, userID int64) (domain.Tier, error) {
	return u.tier, nil
}

func (u *usageStub) CountQuotaUsage(ctx context.Context, userID int64, since time.Time) (int, error) {
	u.since = since
	return u.count, nil
}

func TestQuotaGate_UsesTierAndCalendarMonth(t *testing.T) {
	u := &usageStub{tier: domain.TierFree, count: 9}
	g := NewQuotaGate(u)
	// still March locally, already April in UTC
	g.now = func() time.Time { return time.Date(2026, 3, 31, 22, 0, 0, 0, time.FixedZone("EST", -5*3600)) }

	d, err := g.Check(context.Background(), 7)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.Limit != 10 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !u.since.Equal(want) {
		t.Fatalf("since = %v, want %v", u.since, want)
	}

	u.count = 10
	if d, _ := g.Check(context.Background(), 7); d.Allowed {
		t.Fatalf("count at limit must be denied")
	}

	u.tier = domain.TierAgency
	u.count = 5000
	if d, _ := g.Check(context.Background(), 7); !d.Allowed || d.Limit != domain.Unlimited {
		t.Fatalf("agency tier must be unlimited: %+v", d)
	}
}
