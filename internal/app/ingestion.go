package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"replypilot/internal/adapters/observability"
	"replypilot/internal/domain"
)

const (
	NotificationNewReview     = "NEW_REVIEW"
	NotificationUpdatedReview = "UPDATED_REVIEW"
)

var ErrMalformedEnvelope = errors.New("malformed push envelope")

// PushEnvelope is the body a push subscription delivers.
type PushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type Notification struct {
	Type     string `json:"type"`
	Review   string `json:"review"`
	Location string `json:"location"`
}

// DecodeNotification unwraps the base64 payload of a push envelope.
func DecodeNotification(body []byte) (Notification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Message.Data == "" {
		return Notification{}, fmt.Errorf("%w: empty message data", ErrMalformedEnvelope)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// some publishers emit the URL alphabet
		if raw, err = base64.URLEncoding.DecodeString(env.Message.Data); err != nil {
			return Notification{}, fmt.Errorf("%w: data is not base64", ErrMalformedEnvelope)
		}
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return n, nil
}

type IngestOutcome string

const (
	OutcomeIgnoredType       IngestOutcome = "ignored_type"
	OutcomeUntrackedLocation IngestOutcome = "untracked_location"
	OutcomeReviewGone        IngestOutcome = "review_not_found"
	OutcomeCreated           IngestOutcome = "created"
	OutcomeDuplicate         IngestOutcome = "duplicate"
	OutcomeUpdated           IngestOutcome = "updated"
	OutcomeAlreadyProcessed  IngestOutcome = "already_processed"
)

type IngestResult struct {
	Outcome    IngestOutcome `json:"outcome"`
	ReviewID   int64         `json:"reviewId,omitempty"`
	LocationID int64         `json:"locationId,omitempty"`
	// NeedsReply is set for new reviews that arrived without an owner reply.
	NeedsReply bool `json:"-"`
}

type IngestionService struct {
	locations domain.LocationRepository
	reviews   domain.ReviewRepository
	creds     domain.Credentials
	sources   domain.SourceFactory
	cache     domain.Cache
	now       func() time.Time
}

func NewIngestionService(l domain.LocationRepository, r domain.ReviewRepository, c domain.Credentials, s domain.SourceFactory, cache domain.Cache) *IngestionService {
	return &IngestionService{locations: l, reviews: r, creds: c, sources: s, cache: cache, now: time.Now}
}

// Ingest applies one review notification. Benign misses come back as
// outcomes; only internal inconsistencies and infrastructure failures are errors.
func (s *IngestionService) Ingest(ctx context.Context, n Notification) (IngestResult, error) {
	res, err := s.ingest(ctx, n)
	if err != nil {
		observability.ObserveWebhook("error")
		return res, err
	}
	observability.ObserveWebhook(string(res.Outcome))
	return res, nil
}

func (s *IngestionService) ingest(ctx context.Context, n Notification) (IngestResult, error) {
	if n.Type != NotificationNewReview && n.Type != NotificationUpdatedReview {
		return IngestResult{Outcome: OutcomeIgnoredType}, nil
	}
	if strings.TrimSpace(n.Review) == "" || strings.TrimSpace(n.Location) == "" {
		return IngestResult{}, fmt.Errorf("%w: review and location are required", ErrMalformedEnvelope)
	}

	loc, err := s.locations.LocationByExternalID(ctx, externalLocationID(n.Location))
	if errors.Is(err, domain.ErrNotFound) {
		return IngestResult{Outcome: OutcomeUntrackedLocation}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("lookup location: %w", err)
	}

	owner, err := s.locations.ResolveOwner(ctx, loc.ID)
	if err != nil {
		return IngestResult{LocationID: loc.ID}, fmt.Errorf("location %d: %w", loc.ID, err)
	}

	token, err := s.creds.RefreshToken(ctx, owner.AccountID)
	if err != nil {
		return IngestResult{LocationID: loc.ID}, fmt.Errorf("account %d credential: %w", owner.AccountID, err)
	}
	sr, err := s.sources.ForRefreshToken(token).GetReview(ctx, n.Review)
	if errors.Is(err, domain.ErrNotFound) {
		return IngestResult{Outcome: OutcomeReviewGone, LocationID: loc.ID}, nil
	}
	if err != nil {
		return IngestResult{LocationID: loc.ID}, fmt.Errorf("fetch review: %w", err)
	}

	existing, err := s.reviews.FindReviewByExternalID(ctx, loc.ID, sr.ReviewID)
	switch {
	case err == nil:
		if n.Type == NotificationNewReview {
			return IngestResult{Outcome: OutcomeAlreadyProcessed, ReviewID: existing.ID, LocationID: loc.ID}, nil
		}
		if err := s.reviews.ApplyReviewUpdate(ctx, existing.ID, reviewUpdate(sr)); err != nil {
			return IngestResult{}, fmt.Errorf("update review %d: %w", existing.ID, err)
		}
		s.invalidateReviews(ctx, loc.ID)
		return IngestResult{Outcome: OutcomeUpdated, ReviewID: existing.ID, LocationID: loc.ID}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return IngestResult{}, fmt.Errorf("lookup review: %w", err)
	}

	rv := newReview(loc.ID, sr, s.now().UTC(), sr.Reply == nil)
	id, err := s.reviews.InsertReview(ctx, rv)
	if errors.Is(err, domain.ErrDuplicate) {
		// a concurrent delivery won the insert
		return IngestResult{Outcome: OutcomeDuplicate, LocationID: loc.ID}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("insert review: %w", err)
	}
	if sr.Reply != nil {
		if _, err := s.reviews.InsertReply(ctx, importedReply(id, *sr.Reply)); err != nil {
			log.Error().Err(err).Int64("review_id", id).Msg("import existing reply failed")
		}
	}
	s.invalidateReviews(ctx, loc.ID)

	log.Info().
		Int64("review_id", id).
		Int64("location_id", loc.ID).
		Int64("user_id", owner.UserID).
		Str("type", n.Type).
		Msg("review ingested")
	return IngestResult{Outcome: OutcomeCreated, ReviewID: id, LocationID: loc.ID, NeedsReply: sr.Reply == nil}, nil
}

func (s *IngestionService) invalidateReviews(ctx context.Context, locationID int64) {
	invalidateReviews(ctx, s.cache, locationID)
}

func invalidateReviews(ctx context.Context, c domain.Cache, locationID int64) {
	if c == nil {
		return
	}
	for _, lim := range reviewsCacheLimits {
		_ = c.Del(ctx, reviewsCacheKey(locationID, lim))
	}
}
