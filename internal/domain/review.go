package domain

import (
	"fmt"
	"strings"
	"time"
)

type ReplyStatus string

const (
	ReplyPending       ReplyStatus = "pending"
	ReplyPosted        ReplyStatus = "posted"
	ReplyFailed        ReplyStatus = "failed"
	ReplyQuotaExceeded ReplyStatus = "quota_exceeded"
)

type ReplyType string

const (
	ReplyGenerated ReplyType = "generated"
	ReplyImported  ReplyType = "imported"
)

// Rating is a star rating in 1..5.
type Rating int

func (r Rating) Valid() bool { return r >= 1 && r <= 5 }

var starRatings = map[string]Rating{
	"ONE": 1, "TWO": 2, "THREE": 3, "FOUR": 4, "FIVE": 5,
}

// ParseStarRating accepts the upstream enum form ("FOUR") or a digit ("4").
func ParseStarRating(s string) (Rating, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if r, ok := starRatings[s]; ok {
		return r, nil
	}
	if len(s) == 1 && s[0] >= '1' && s[0] <= '5' {
		return Rating(s[0] - '0'), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRating, s)
}

type Classification struct {
	Sentiment  string   `json:"sentiment"` // positive|neutral|negative
	Categories []string `json:"categories,omitempty"`
	Urgent     bool     `json:"urgent"`
	Summary    string   `json:"summary,omitempty"`
}

type Review struct {
	ID                 int64           `json:"id"`
	LocationID         int64           `json:"locationId"`
	ExternalReviewID   string          `json:"externalReviewId"`
	ExternalReviewName string          `json:"externalReviewName"` // opaque upstream handle, e.g. accounts/1/locations/2/reviews/abc
	ReviewerName       string          `json:"reviewerName"`
	ReviewerPhotoURL   string          `json:"reviewerPhotoUrl,omitempty"`
	Rating             Rating          `json:"rating"`
	Text               *string         `json:"text"`
	CreatedAt          time.Time       `json:"createdAt"` // upstream createTime
	UpdatedAt          time.Time       `json:"updatedAt"` // upstream updateTime
	ReceivedAt         time.Time       `json:"receivedAt"`
	IsAnonymous        bool            `json:"isAnonymous"`
	ReplyStatus        ReplyStatus     `json:"replyStatus"`
	ConsumesQuota      bool            `json:"consumesQuota"`
	Classification     *Classification `json:"classification,omitempty"`
	NotificationSent   bool            `json:"notificationSent"`
}

func (r Review) TextOrEmpty() string {
	if r.Text == nil {
		return ""
	}
	return *r.Text
}

// ReviewUpdate carries the fields an "updated review" notification may change.
type ReviewUpdate struct {
	Rating           Rating
	Text             *string
	UpdatedAt        time.Time
	ReviewerName     string
	ReviewerPhotoURL string
	IsAnonymous      bool
}

type ReviewReply struct {
	ID          int64       `json:"id"`
	ReviewID    int64       `json:"reviewId"`
	Text        string      `json:"text"`
	Status      ReplyStatus `json:"status"` // pending|posted
	PostedAt    *time.Time  `json:"postedAt,omitempty"`
	GeneratedBy *string     `json:"generatedBy,omitempty"` // nil for imported replies
	Type        ReplyType   `json:"type"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// SourceReview is a review as returned by the upstream platform.
type SourceReview struct {
	ReviewID         string
	Name             string
	ReviewerName     string
	ReviewerPhotoURL string
	IsAnonymous      bool
	Rating           Rating
	Comment          *string
	CreateTime       time.Time
	UpdateTime       time.Time
	Reply            *SourceReply
}

type SourceReply struct {
	Comment    string
	UpdateTime time.Time
}

type ReviewPage struct {
	Reviews          []SourceReview
	NextPageToken    string
	TotalReviewCount int
	// Invalid counts upstream items dropped because they could not be parsed.
	Invalid int
}
