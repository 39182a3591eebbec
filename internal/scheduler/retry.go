package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"replypilot/internal/app"
)

const (
	retryWindow = 7 * 24 * time.Hour
	retryBatch  = 100
)

type retryableLister interface {
	ListRetryable(ctx context.Context, since time.Time, limit int) ([]int64, error)
}

type processor interface {
	Process(ctx context.Context, reviewID int64) (app.ProcessResult, error)
}

// RetryScheduler re-runs reply processing for reviews whose generation failed.
type RetryScheduler struct {
	cron       *cron.Cron
	spec       string
	reviews    retryableLister
	replies    processor
	now        func() time.Time
	runTimeout time.Duration
}

func NewRetryScheduler(spec string, reviews retryableLister, replies processor) *RetryScheduler {
	return &RetryScheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		spec:       spec,
		reviews:    reviews,
		replies:    replies,
		now:        time.Now,
		runTimeout: 10 * time.Minute,
	}
}

func (s *RetryScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		log.Error().Err(err).Str("schedule", s.spec).Msg("invalid retry schedule")
		return err
	}
	s.cron.Start()
	log.Info().Str("schedule", s.spec).Msg("reply retry scheduler started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *RetryScheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("reply retry scheduler stopped")
}

// Sweep retries one batch. A failing review never stops the rest.
func (s *RetryScheduler) Sweep(ctx context.Context) (retried, failed int) {
	ids, err := s.reviews.ListRetryable(ctx, s.now().Add(-retryWindow), retryBatch)
	if err != nil {
		log.Error().Err(err).Msg("list retryable reviews failed")
		return 0, 0
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		retried++
		res, err := s.replies.Process(ctx, id)
		if err != nil {
			failed++
			log.Warn().Err(err).Int64("review_id", id).Msg("reply retry failed")
			continue
		}
		log.Debug().Int64("review_id", id).Str("status", string(res.Status)).Msg("reply retried")
	}
	if retried > 0 {
		log.Info().Int("retried", retried).Int("failed", failed).Msg("reply retry sweep done")
	}
	return retried, failed
}
