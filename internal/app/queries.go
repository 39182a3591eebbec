package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"replypilot/internal/domain"
)

// pages above this size are served but never cached
const maxCachedPageItems = 200

// cacheableLimit reports whether a first-page request lands on a key that
// invalidateReviews knows to drop.
func cacheableLimit(pg domain.PageQuery) bool {
	if pg.Cursor != nil {
		return false
	}
	for _, lim := range reviewsCacheLimits {
		if pg.Limit == lim {
			return true
		}
	}
	return false
}

// ReviewDetail is a review with its most recent reply, if any.
type ReviewDetail struct {
	domain.Review
	Reply *domain.ReviewReply `json:"reply,omitempty"`
}

// QueryService is the read side used by the dashboard. First pages at the
// standard limits are cached per (location, limit) and dropped whenever a
// write touches the location. Other limits always read through.
type QueryService struct {
	repo     domain.ReviewRepository
	cache    domain.Cache
	cacheTTL time.Duration
}

func NewQueryService(r domain.ReviewRepository, c domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{repo: r, cache: c, cacheTTL: ttl}
}

func (s *QueryService) ListReviews(ctx context.Context, locationID int64, pg domain.PageQuery) (domain.ReviewsPage, error) {
	key := reviewsCacheKey(locationID, pg.Limit)
	useCache := s.cache != nil && cacheableLimit(pg)
	if useCache {
		var cached domain.ReviewsPage
		ok, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("review cache read failed")
		}
		if ok {
			return cached, nil
		}
	}

	page, err := s.repo.ListReviews(ctx, locationID, pg)
	if err != nil {
		return domain.ReviewsPage{}, fmt.Errorf("list reviews for location %d: %w", locationID, err)
	}
	page = clonePage(page)

	if useCache && len(page.Items) <= maxCachedPageItems {
		if err := s.cache.Set(ctx, key, page, int(s.cacheTTL.Seconds())); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("review cache write failed")
		}
	}
	return page, nil
}

// ReviewDetail is never cached; it backs the link in notification emails and
// must reflect the current reply state.
func (s *QueryService) ReviewDetail(ctx context.Context, id int64) (ReviewDetail, error) {
	rv, err := s.repo.GetReview(ctx, id)
	if err != nil {
		return ReviewDetail{}, fmt.Errorf("review %d: %w", id, err)
	}
	out := ReviewDetail{Review: rv}
	rp, err := s.repo.LatestReply(ctx, id)
	switch {
	case err == nil:
		out.Reply = &rp
	case !errors.Is(err, domain.ErrNotFound):
		return ReviewDetail{}, fmt.Errorf("latest reply for review %d: %w", id, err)
	}
	return out, nil
}

// clonePage detaches the items from the repository's backing array.
func clonePage(in domain.ReviewsPage) domain.ReviewsPage {
	out := domain.ReviewsPage{NextCursor: in.NextCursor}
	if len(in.Items) > 0 {
		out.Items = append([]domain.Review(nil), in.Items...)
	}
	return out
}
