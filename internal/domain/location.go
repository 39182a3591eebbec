package domain

import (
	"fmt"
	"time"
)

type Location struct {
	ID                 int64
	Name               string
	ExternalLocationID string // the numeric tail of locations/{id}
	ResourceName       string // accounts/{a}/locations/{l}
}

type Account struct {
	ID                    int64
	UserID                int64
	Email                 string
	EncryptedRefreshToken string
}

// Ownership is the resolved owner of a location: the identity that pays
// (UserID) and the connection whose credential talks to the platform (AccountID).
type Ownership struct {
	UserID    int64
	AccountID int64
}

// Stakeholder is a user connected to a location through a membership or an
// account link.
type Stakeholder struct {
	UserID        int64
	Email         string
	Name          string
	NotifyEnabled bool
}

// Connection pairs a location with the account that imports it.
type Connection struct {
	LocationID int64
	AccountID  int64
}

type RatingConfig struct {
	AutoReply    bool
	Instructions string
}

// RatingConfigs is indexed by Rating-1.
type RatingConfigs [5]RatingConfig

func (c *RatingConfigs) For(r Rating) RatingConfig {
	if !r.Valid() {
		return RatingConfig{}
	}
	return c[r-1]
}

// RatingConfigRow is one persisted per-rating setting before validation.
type RatingConfigRow struct {
	Rating       int
	AutoReply    bool
	Instructions string
}

// BuildRatingConfigs validates rows and folds them into the fixed array.
// Ratings without a row keep the zero config (auto-reply off).
func BuildRatingConfigs(rows []RatingConfigRow) (RatingConfigs, error) {
	var out RatingConfigs
	for _, row := range rows {
		r := Rating(row.Rating)
		if !r.Valid() {
			return RatingConfigs{}, fmt.Errorf("%w: rating config %d", ErrInvalidRating, row.Rating)
		}
		out[r-1] = RatingConfig{AutoReply: row.AutoReply, Instructions: row.Instructions}
	}
	return out, nil
}

// Unlimited is the sentinel monthly reply limit for unmetered tiers.
const Unlimited = -1

type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierAgency  Tier = "agency"
)

var tierLimits = map[Tier]int{
	TierFree:    10,
	TierStarter: 100,
	TierPro:     500,
	TierAgency:  Unlimited,
}

// MonthlyLimit returns the reply allowance for a tier; unknown tiers fall back to free.
func (t Tier) MonthlyLimit() int {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

type QuotaDecision struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"currentCount"`
	Limit   int  `json:"limit"`
}

// MonthStart returns 00:00 UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
