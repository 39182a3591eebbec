package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"replypilot/internal/adapters/observability"
	"replypilot/internal/domain"
)

var (
	ErrGeneration       = errors.New("reply generation failed")
	ErrNothingToPublish = errors.New("no unpublished draft for review")
)

const backgroundTimeout = 2 * time.Minute

type ProcessResult struct {
	ReviewID int64                 `json:"reviewId"`
	Status   domain.ReplyStatus    `json:"replyStatus"`
	ReplyID  int64                 `json:"replyId,omitempty"`
	Quota    *domain.QuotaDecision `json:"quota,omitempty"`
	Fanout   *FanoutReport         `json:"notifications,omitempty"`
	// Skipped is set when the review was already handled and nothing ran.
	Skipped bool `json:"skipped,omitempty"`
}

// ReplyService drives a review from pending to its terminal reply status.
type ReplyService struct {
	reviews   domain.ReviewRepository
	locations domain.LocationRepository
	quota     *QuotaGate
	gen       domain.Generator
	creds     domain.Credentials
	sources   domain.SourceFactory
	notifier  *Notifier
	cache     domain.Cache
	now       func() time.Time

	bg sync.WaitGroup
}

func NewReplyService(
	reviews domain.ReviewRepository,
	locations domain.LocationRepository,
	quota *QuotaGate,
	gen domain.Generator,
	creds domain.Credentials,
	sources domain.SourceFactory,
	notifier *Notifier,
	cache domain.Cache,
) *ReplyService {
	return &ReplyService{
		reviews:   reviews,
		locations: locations,
		quota:     quota,
		gen:       gen,
		creds:     creds,
		sources:   sources,
		notifier:  notifier,
		cache:     cache,
		now:       time.Now,
	}
}

// Process runs classification, quota, drafting and optional auto-posting for
// one review. It reads current state first, so re-running a failed review is safe.
func (s *ReplyService) Process(ctx context.Context, reviewID int64) (ProcessResult, error) {
	rv, err := s.reviews.GetReview(ctx, reviewID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("load review %d: %w", reviewID, err)
	}
	loc, err := s.locations.GetLocation(ctx, rv.LocationID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("load location %d: %w", rv.LocationID, err)
	}
	res := ProcessResult{ReviewID: rv.ID, Status: rv.ReplyStatus}

	if done, err := s.alreadyHandled(ctx, rv); err != nil {
		return res, err
	} else if done {
		res.Skipped = true
		return res, nil
	}

	owner, err := s.locations.ResolveOwner(ctx, loc.ID)
	if err != nil {
		return res, fmt.Errorf("location %d: %w", loc.ID, err)
	}
	lg := log.With().Int64("review_id", rv.ID).Int64("location_id", loc.ID).Int64("user_id", owner.UserID).Logger()

	decision, err := s.quota.Check(ctx, owner.UserID)
	if err != nil {
		return res, err
	}
	res.Quota = &decision
	if !decision.Allowed {
		lg.Info().Int("current", decision.Current).Int("limit", decision.Limit).Msg("reply quota exceeded")
		return s.finish(ctx, res, domain.ReplyQuotaExceeded, rv.LocationID)
	}

	cfgs, err := s.locations.RatingConfigs(ctx, loc.ID)
	if err != nil {
		return res, fmt.Errorf("rating configs for location %d: %w", loc.ID, err)
	}
	cfg := cfgs.For(rv.Rating)

	if rv.Classification == nil {
		s.classify(ctx, &rv, lg)
	}

	text, genErr := s.gen.GenerateReply(ctx, rv, loc, cfg)
	if genErr != nil {
		lg.Error().Err(genErr).Msg("generate reply failed")
		if res, err = s.finish(ctx, res, domain.ReplyFailed, rv.LocationID); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %v", ErrGeneration, genErr)
	}

	runID := uuid.NewString()
	draft := domain.ReviewReply{
		ReviewID:    rv.ID,
		Text:        text,
		Status:      domain.ReplyPending,
		GeneratedBy: &runID,
		Type:        domain.ReplyGenerated,
	}
	draft.ID, err = s.reviews.InsertReply(ctx, draft)
	if err != nil {
		return res, fmt.Errorf("store draft: %w", err)
	}
	res.ReplyID = draft.ID

	status := domain.ReplyPending
	if cfg.AutoReply {
		status = s.post(ctx, rv, owner.AccountID, &draft, lg)
	}
	if res, err = s.finish(ctx, res, status, rv.LocationID); err != nil {
		return res, err
	}
	lg.Info().Str("status", string(status)).Bool("auto_reply", cfg.AutoReply).Str("run_id", runID).Msg("review processed")

	// failed reviews stay silent; a later PublishDraft notifies on success
	if (status == domain.ReplyPosted || status == domain.ReplyPending) && !rv.NotificationSent {
		res.Fanout = s.notify(ctx, rv, loc, &draft)
	}
	return res, nil
}

// PublishDraft posts the latest generated draft. It serves manual approval
// and retries after a failed auto-post.
func (s *ReplyService) PublishDraft(ctx context.Context, reviewID int64) (ProcessResult, error) {
	rv, err := s.reviews.GetReview(ctx, reviewID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("load review %d: %w", reviewID, err)
	}
	res := ProcessResult{ReviewID: rv.ID, Status: rv.ReplyStatus}
	draft, err := s.reviews.LatestReply(ctx, rv.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return res, ErrNothingToPublish
	}
	if err != nil {
		return res, err
	}
	if draft.Type != domain.ReplyGenerated || draft.Status == domain.ReplyPosted {
		return res, ErrNothingToPublish
	}
	loc, err := s.locations.GetLocation(ctx, rv.LocationID)
	if err != nil {
		return res, fmt.Errorf("load location %d: %w", rv.LocationID, err)
	}
	owner, err := s.locations.ResolveOwner(ctx, loc.ID)
	if err != nil {
		return res, fmt.Errorf("location %d: %w", loc.ID, err)
	}
	lg := log.With().Int64("review_id", rv.ID).Int64("location_id", loc.ID).Logger()

	res.ReplyID = draft.ID
	status := s.post(ctx, rv, owner.AccountID, &draft, lg)
	if res, err = s.finish(ctx, res, status, rv.LocationID); err != nil {
		return res, err
	}
	if status == domain.ReplyPosted && !rv.NotificationSent {
		res.Fanout = s.notify(ctx, rv, loc, &draft)
	}
	return res, nil
}

// ProcessDetached runs Process on its own goroutine, detached from the
// caller's cancellation. Errors are logged only.
func (s *ReplyService) ProcessDetached(ctx context.Context, reviewID int64) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Int64("review_id", reviewID).Msg("background reply processing panicked")
			}
		}()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		if _, err := s.Process(bctx, reviewID); err != nil {
			log.Error().Err(err).Int64("review_id", reviewID).Msg("background reply processing failed")
		}
	}()
}

// Wait blocks until detached work has finished.
func (s *ReplyService) Wait() { s.bg.Wait() }

// alreadyHandled reports reviews with nothing left to do: posted ones, and
// pending ones whose draft awaits approval.
func (s *ReplyService) alreadyHandled(ctx context.Context, rv domain.Review) (bool, error) {
	switch rv.ReplyStatus {
	case domain.ReplyPosted:
		return true, nil
	case domain.ReplyPending:
		rp, err := s.reviews.LatestReply(ctx, rv.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return rp.Type == domain.ReplyGenerated, nil
	}
	return false, nil
}

func (s *ReplyService) classify(ctx context.Context, rv *domain.Review, lg zerolog.Logger) {
	c, err := s.gen.Classify(ctx, *rv)
	if err != nil {
		lg.Warn().Err(err).Msg("classification failed")
		return
	}
	if err := s.reviews.SetClassification(ctx, rv.ID, c); err != nil {
		lg.Warn().Err(err).Msg("store classification failed")
		return
	}
	rv.Classification = &c
}

// post publishes a draft upstream and returns the resulting review status.
// A failed post keeps the draft for a later PublishDraft.
func (s *ReplyService) post(ctx context.Context, rv domain.Review, accountID int64, draft *domain.ReviewReply, lg zerolog.Logger) domain.ReplyStatus {
	token, err := s.creds.RefreshToken(ctx, accountID)
	if err != nil {
		lg.Error().Err(err).Int64("account_id", accountID).Msg("no usable credential for auto-reply")
		return domain.ReplyFailed
	}
	if err := s.sources.ForRefreshToken(token).PostReply(ctx, rv.ExternalReviewName, draft.Text); err != nil {
		lg.Error().Err(err).Int64("account_id", accountID).Msg("post reply failed")
		return domain.ReplyFailed
	}
	at := s.now().UTC()
	if err := s.reviews.MarkReplyPosted(ctx, draft.ID, at); err != nil {
		// the reply is live upstream; the review status still moves to posted
		lg.Error().Err(err).Int64("reply_id", draft.ID).Msg("mark reply posted failed")
	}
	draft.Status = domain.ReplyPosted
	draft.PostedAt = &at
	return domain.ReplyPosted
}

func (s *ReplyService) finish(ctx context.Context, res ProcessResult, status domain.ReplyStatus, locationID int64) (ProcessResult, error) {
	if err := s.reviews.SetReplyStatus(ctx, res.ReviewID, status); err != nil {
		return res, fmt.Errorf("set reply status %s: %w", status, err)
	}
	res.Status = status
	observability.ObserveReply(string(status))
	invalidateReviews(ctx, s.cache, locationID)
	return res, nil
}

func (s *ReplyService) notify(ctx context.Context, rv domain.Review, loc domain.Location, reply *domain.ReviewReply) *FanoutReport {
	if s.notifier == nil {
		return nil
	}
	rep, err := s.notifier.Notify(ctx, rv, loc, reply)
	if err != nil {
		log.Error().Err(err).Int64("review_id", rv.ID).Msg("notification fan-out failed")
		return nil
	}
	return &rep
}
