package domain

import (
	"context"
	"time"
)

type ReviewRepository interface {
	// Write paths
	InsertReview(ctx context.Context, r Review) (int64, error) // ErrDuplicate on (location, external id) conflict
	ApplyReviewUpdate(ctx context.Context, id int64, u ReviewUpdate) error
	SetReplyStatus(ctx context.Context, id int64, s ReplyStatus) error
	SetClassification(ctx context.Context, id int64, c Classification) error
	MarkNotificationSent(ctx context.Context, id int64) error
	InsertReply(ctx context.Context, rp ReviewReply) (int64, error)
	MarkReplyPosted(ctx context.Context, replyID int64, at time.Time) error

	// Read paths
	GetReview(ctx context.Context, id int64) (Review, error)
	FindReviewByExternalID(ctx context.Context, locationID int64, externalID string) (Review, error)
	ExistingExternalIDs(ctx context.Context, locationID int64, ids []string) (map[string]struct{}, error)
	LatestReply(ctx context.Context, reviewID int64) (ReviewReply, error)
	ListReviews(ctx context.Context, locationID int64, pg PageQuery) (ReviewsPage, error)
	ListRetryable(ctx context.Context, since time.Time, limit int) ([]int64, error)
}

type LocationRepository interface {
	GetLocation(ctx context.Context, id int64) (Location, error)
	LocationByExternalID(ctx context.Context, externalLocationID string) (Location, error)
	ResolveOwner(ctx context.Context, locationID int64) (Ownership, error)
	Stakeholders(ctx context.Context, locationID int64) ([]Stakeholder, error)
	RatingConfigs(ctx context.Context, locationID int64) (RatingConfigs, error)
	EncryptedRefreshToken(ctx context.Context, accountID int64) (string, error)
	ConnectedLocations(ctx context.Context) ([]Connection, error)
}

type UsageRepository interface {
	ActiveTier(ctx context.Context, userID int64) (Tier, error)
	CountQuotaUsage(ctx context.Context, userID int64, since time.Time) (int, error)
}

// ReviewSource is the upstream review platform, bound to one account's credential.
type ReviewSource interface {
	ListReviews(ctx context.Context, locationName, pageToken string) (ReviewPage, error)
	GetReview(ctx context.Context, reviewName string) (SourceReview, error)
	PostReply(ctx context.Context, reviewName, text string) error
}

type SourceFactory interface {
	ForRefreshToken(refreshToken string) ReviewSource
}

// Credentials returns an account's decrypted refresh token. Implementations
// must not cache plaintext across calls.
type Credentials interface {
	RefreshToken(ctx context.Context, accountID int64) (string, error)
}

type Generator interface {
	Classify(ctx context.Context, r Review) (Classification, error)
	GenerateReply(ctx context.Context, r Review, loc Location, cfg RatingConfig) (string, error)
}

type Email struct {
	To      string
	Subject string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// Read models & queries
type PageQuery struct {
	Limit  int
	Cursor *string
	Sort   string
}

type ReviewsPage struct {
	Items      []Review `json:"items"`
	NextCursor *string  `json:"nextCursor,omitempty"`
}
