package gbp

import (
	"fmt"
	"path"
	"time"

	"replypilot/internal/domain"
)

type listReviewsResponse struct {
	Reviews          []apiReview `json:"reviews"`
	AverageRating    float64     `json:"averageRating"`
	TotalReviewCount int         `json:"totalReviewCount"`
	NextPageToken    string      `json:"nextPageToken"`
}

type apiReview struct {
	ReviewID string `json:"reviewId"`
	Name     string `json:"name"`
	Reviewer struct {
		DisplayName     string `json:"displayName"`
		ProfilePhotoURL string `json:"profilePhotoUrl"`
		IsAnonymous     bool   `json:"isAnonymous"`
	} `json:"reviewer"`
	StarRating  string    `json:"starRating"`
	Comment     *string   `json:"comment"`
	CreateTime  time.Time `json:"createTime"`
	UpdateTime  time.Time `json:"updateTime"`
	ReviewReply *struct {
		Comment    string    `json:"comment"`
		UpdateTime time.Time `json:"updateTime"`
	} `json:"reviewReply"`
}

type replyRequest struct {
	Comment string `json:"comment"`
}

func (r apiReview) toDomain() (domain.SourceReview, error) {
	rating, err := domain.ParseStarRating(r.StarRating)
	if err != nil {
		return domain.SourceReview{}, fmt.Errorf("review %s: %w", r.Name, err)
	}
	id := r.ReviewID
	if id == "" {
		// older payloads only carry the resource name
		id = path.Base(r.Name)
	}
	out := domain.SourceReview{
		ReviewID:         id,
		Name:             r.Name,
		ReviewerName:     r.Reviewer.DisplayName,
		ReviewerPhotoURL: r.Reviewer.ProfilePhotoURL,
		IsAnonymous:      r.Reviewer.IsAnonymous,
		Rating:           rating,
		Comment:          r.Comment,
		CreateTime:       r.CreateTime,
		UpdateTime:       r.UpdateTime,
	}
	if r.ReviewReply != nil && r.ReviewReply.Comment != "" {
		out.Reply = &domain.SourceReply{Comment: r.ReviewReply.Comment, UpdateTime: r.ReviewReply.UpdateTime}
	}
	return out, nil
}
