package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"replypilot/internal/adapters/observability"
	"replypilot/internal/domain"
)

const (
	EventTotal    = "total"
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// ImportEvent is one step of an import stream. Type selects the SSE event name.
type ImportEvent struct {
	Type     string `json:"-"`
	Total    int    `json:"total,omitempty"`
	Fetched  int    `json:"fetched"`
	Imported int    `json:"imported"`
	Error    string `json:"error,omitempty"`
}

type ImportOptions struct {
	Cap       int // hard limit on reviews fetched per run
	BatchSize int
	Workers   int // concurrent inserts per batch
}

func DefaultImportOptions() ImportOptions {
	return ImportOptions{Cap: 500, BatchSize: 50, Workers: 5}
}

type ImportSummary struct {
	Total      int
	Fetched    int
	Imported   int
	Duplicates int
	Failed     int
	Stopped    bool // caller went away before the listing was exhausted
}

type Importer struct {
	locations domain.LocationRepository
	reviews   domain.ReviewRepository
	creds     domain.Credentials
	sources   domain.SourceFactory
	cache     domain.Cache
	opts      ImportOptions
	now       func() time.Time
}

func NewImporter(l domain.LocationRepository, r domain.ReviewRepository, c domain.Credentials, s domain.SourceFactory, cache domain.Cache, opts ImportOptions) *Importer {
	def := DefaultImportOptions()
	if opts.Cap <= 0 {
		opts.Cap = def.Cap
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	return &Importer{locations: l, reviews: r, creds: c, sources: s, cache: cache, opts: opts, now: time.Now}
}

// Run imports a location's review history through accountID's credential.
// emit is called from the calling goroutine only. When ctx is cancelled the
// batch in flight completes and no further pages are requested.
func (im *Importer) Run(ctx context.Context, accountID, locationID int64, emit func(ImportEvent)) (ImportSummary, error) {
	if emit == nil {
		emit = func(ImportEvent) {}
	}
	sum, err := im.run(ctx, accountID, locationID, emit)
	observability.ObserveImport("imported", sum.Imported)
	observability.ObserveImport("duplicate", sum.Duplicates)
	observability.ObserveImport("failed", sum.Failed)
	if sum.Imported > 0 {
		invalidateReviews(context.WithoutCancel(ctx), im.cache, locationID)
	}
	if err != nil {
		emit(ImportEvent{Type: EventError, Fetched: sum.Fetched, Imported: sum.Imported, Error: err.Error()})
		return sum, err
	}
	emit(ImportEvent{Type: EventComplete, Total: sum.Total, Fetched: sum.Fetched, Imported: sum.Imported})
	log.Info().
		Int64("location_id", locationID).
		Int64("account_id", accountID).
		Int("fetched", sum.Fetched).
		Int("imported", sum.Imported).
		Int("duplicates", sum.Duplicates).
		Int("failed", sum.Failed).
		Bool("stopped", sum.Stopped).
		Msg("review import finished")
	return sum, nil
}

func (im *Importer) run(ctx context.Context, accountID, locationID int64, emit func(ImportEvent)) (ImportSummary, error) {
	var sum ImportSummary

	loc, err := im.locations.GetLocation(ctx, locationID)
	if err != nil {
		return sum, fmt.Errorf("location %d: %w", locationID, err)
	}
	token, err := im.creds.RefreshToken(ctx, accountID)
	if err != nil {
		return sum, fmt.Errorf("account %d credential: %w", accountID, err)
	}
	src := im.sources.ForRefreshToken(token)

	var (
		buf       []domain.SourceReview
		pageToken string
		first     = true
	)
	flush := func(n int) {
		im.processBatch(ctx, loc.ID, buf[:n], &sum)
		buf = buf[n:]
		emit(ImportEvent{Type: EventProgress, Fetched: sum.Fetched, Imported: sum.Imported})
	}

	for {
		if ctx.Err() != nil {
			sum.Stopped = true
			break
		}
		page, err := src.ListReviews(ctx, loc.ResourceName, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				sum.Stopped = true
				break
			}
			if len(buf) > 0 {
				flush(len(buf))
			}
			return sum, fmt.Errorf("list reviews: %w", err)
		}

		if first {
			first = false
			total := page.TotalReviewCount
			if total == 0 {
				total = len(page.Reviews)
			}
			sum.Total = min(total, im.opts.Cap)
			emit(ImportEvent{Type: EventTotal, Total: sum.Total})
		}

		reviews := page.Reviews
		if room := im.opts.Cap - sum.Fetched; len(reviews) > room {
			reviews = reviews[:room]
		}
		sum.Fetched += len(reviews)
		sum.Failed += page.Invalid
		buf = append(buf, reviews...)
		for len(buf) >= im.opts.BatchSize {
			flush(im.opts.BatchSize)
		}

		if sum.Fetched >= im.opts.Cap || page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if len(buf) > 0 {
		flush(len(buf))
	}
	return sum, nil
}

// processBatch inserts the new reviews of one batch with bounded concurrency.
// It runs to completion even if the caller has gone away.
func (im *Importer) processBatch(ctx context.Context, locationID int64, batch []domain.SourceReview, sum *ImportSummary) {
	ctx = context.WithoutCancel(ctx)

	ids := make([]string, 0, len(batch))
	for _, sr := range batch {
		ids = append(ids, sr.ReviewID)
	}
	existing, err := im.reviews.ExistingExternalIDs(ctx, locationID, ids)
	if err != nil {
		// fall back to per-insert conflict detection
		log.Warn().Err(err).Int64("location_id", locationID).Msg("existing review lookup failed")
		existing = nil
	}

	var imported, dups, failed atomic.Int64
	receivedAt := im.now().UTC()
	seen := make(map[string]struct{}, len(batch))

	g := new(errgroup.Group)
	g.SetLimit(im.opts.Workers)
	for _, sr := range batch {
		if _, ok := existing[sr.ReviewID]; ok {
			dups.Add(1)
			continue
		}
		if _, ok := seen[sr.ReviewID]; ok {
			dups.Add(1)
			continue
		}
		seen[sr.ReviewID] = struct{}{}

		sr := sr
		g.Go(func() error {
			id, err := im.reviews.InsertReview(ctx, newReview(locationID, sr, receivedAt, false))
			if errors.Is(err, domain.ErrDuplicate) {
				dups.Add(1)
				return nil
			}
			if err != nil {
				failed.Add(1)
				log.Error().Err(err).Int64("location_id", locationID).Str("external_review_id", sr.ReviewID).Msg("import review failed")
				return nil
			}
			imported.Add(1)
			if sr.Reply != nil {
				if _, err := im.reviews.InsertReply(ctx, importedReply(id, *sr.Reply)); err != nil {
					log.Error().Err(err).Int64("review_id", id).Msg("import existing reply failed")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sum.Imported += int(imported.Load())
	sum.Duplicates += int(dups.Load())
	sum.Failed += int(failed.Load())
}
