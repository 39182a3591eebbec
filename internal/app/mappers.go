package app

import (
	"fmt"
	"path"
	"strings"
	"time"

	"replypilot/internal/domain"
)

const reviewsCacheLimit = 50

// cache keys for the location review list; the API default limit plus the
// larger pages the dashboard asks for.
var reviewsCacheLimits = []int{reviewsCacheLimit, 100, 200}

func reviewsCacheKey(locationID int64, limit int) string {
	return fmt.Sprintf("reviews:%d:%d", locationID, limit)
}

// externalLocationID turns "accounts/1/locations/987" into "987".
func externalLocationID(resourceName string) string {
	return path.Base(strings.TrimRight(strings.TrimSpace(resourceName), "/"))
}

// newReview maps an upstream review onto a fresh row. Imported history does
// not count against the monthly allowance.
func newReview(locationID int64, sr domain.SourceReview, receivedAt time.Time, consumesQuota bool) domain.Review {
	status := domain.ReplyPending
	if sr.Reply != nil {
		status = domain.ReplyPosted
	}
	updated := sr.UpdateTime
	if updated.IsZero() {
		updated = sr.CreateTime
	}
	return domain.Review{
		LocationID:         locationID,
		ExternalReviewID:   sr.ReviewID,
		ExternalReviewName: sr.Name,
		ReviewerName:       sr.ReviewerName,
		ReviewerPhotoURL:   sr.ReviewerPhotoURL,
		Rating:             sr.Rating,
		Text:               sr.Comment,
		CreatedAt:          sr.CreateTime,
		UpdatedAt:          updated,
		ReceivedAt:         receivedAt,
		IsAnonymous:        sr.IsAnonymous,
		ReplyStatus:        status,
		ConsumesQuota:      consumesQuota,
	}
}

func reviewUpdate(sr domain.SourceReview) domain.ReviewUpdate {
	return domain.ReviewUpdate{
		Rating:           sr.Rating,
		Text:             sr.Comment,
		UpdatedAt:        sr.UpdateTime,
		ReviewerName:     sr.ReviewerName,
		ReviewerPhotoURL: sr.ReviewerPhotoURL,
		IsAnonymous:      sr.IsAnonymous,
	}
}

// importedReply records a reply that already exists on the platform.
func importedReply(reviewID int64, rp domain.SourceReply) domain.ReviewReply {
	at := rp.UpdateTime
	return domain.ReviewReply{
		ReviewID: reviewID,
		Text:     rp.Comment,
		Status:   domain.ReplyPosted,
		PostedAt: &at,
		Type:     domain.ReplyImported,
	}
}
