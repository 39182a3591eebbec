package app

import (
	"context"
	"fmt"
	"time"

	"replypilot/internal/domain"
)

// QuotaGate decides whether a user may get another generated reply this month.
type QuotaGate struct {
	usage domain.UsageRepository
	now   func() time.Time
}

func NewQuotaGate(u domain.UsageRepository) *QuotaGate {
	return &QuotaGate{usage: u, now: time.Now}
}

func (g *QuotaGate) Check(ctx context.Context, userID int64) (domain.QuotaDecision, error) {
	tier, err := g.usage.ActiveTier(ctx, userID)
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("tier for user %d: %w", userID, err)
	}
	n, err := g.usage.CountQuotaUsage(ctx, userID, domain.MonthStart(g.now()))
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("usage for user %d: %w", userID, err)
	}
	return decideQuota(n, tier.MonthlyLimit()), nil
}

// decideQuota is strictly less-than: a user at exactly the limit is denied.
func decideQuota(current, limit int) domain.QuotaDecision {
	return domain.QuotaDecision{
		Allowed: limit == domain.Unlimited || current < limit,
		Current: current,
		Limit:   limit,
	}
}
