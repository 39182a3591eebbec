package app_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"replypilot/internal/domain"
)

func ptr[T any](v T) *T { return &v }

// ---- reviews ----

type memReviews struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]domain.Review
	byExt    map[string]int64
	replies  []domain.ReviewReply
	inserts  int
	insertFn func(domain.Review) error // optional failure hook
}

func newMemReviews() *memReviews {
	return &memReviews{rows: map[int64]domain.Review{}, byExt: map[string]int64{}}
}

func extKey(loc int64, ext string) string { return strconv.FormatInt(loc, 10) + "/" + ext }

func (m *memReviews) InsertReview(ctx context.Context, r domain.Review) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.insertFn != nil {
		if err := m.insertFn(r); err != nil {
			return 0, err
		}
	}
	k := extKey(r.LocationID, r.ExternalReviewID)
	if _, ok := m.byExt[k]; ok {
		return 0, domain.ErrDuplicate
	}
	m.nextID++
	r.ID = m.nextID
	m.rows[r.ID] = r
	m.byExt[k] = r.ID
	return r.ID, nil
}

func (m *memReviews) ApplyReviewUpdate(ctx context.Context, id int64, u domain.ReviewUpdate) error {
	return m.mutate(id, func(r *domain.Review) {
		r.Rating, r.Text, r.UpdatedAt = u.Rating, u.Text, u.UpdatedAt
		r.ReviewerName, r.ReviewerPhotoURL, r.IsAnonymous = u.ReviewerName, u.ReviewerPhotoURL, u.IsAnonymous
	})
}

func (m *memReviews) SetReplyStatus(ctx context.Context, id int64, s domain.ReplyStatus) error {
	return m.mutate(id, func(r *domain.Review) { r.ReplyStatus = s })
}

func (m *memReviews) SetClassification(ctx context.Context, id int64, c domain.Classification) error {
	return m.mutate(id, func(r *domain.Review) { r.Classification = &c })
}

func (m *memReviews) MarkNotificationSent(ctx context.Context, id int64) error {
	return m.mutate(id, func(r *domain.Review) { r.NotificationSent = true })
}

func (m *memReviews) mutate(id int64, f func(*domain.Review)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	f(&r)
	m.rows[id] = r
	return nil
}

func (m *memReviews) InsertReply(ctx context.Context, rp domain.ReviewReply) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp.ID = int64(len(m.replies) + 1)
	m.replies = append(m.replies, rp)
	return rp.ID, nil
}

func (m *memReviews) MarkReplyPosted(ctx context.Context, replyID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.replies {
		if m.replies[i].ID == replyID {
			m.replies[i].Status = domain.ReplyPosted
			m.replies[i].PostedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memReviews) GetReview(ctx context.Context, id int64) (domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return domain.Review{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memReviews) FindReviewByExternalID(ctx context.Context, loc int64, ext string) (domain.Review, error) {
	m.mu.Lock()
	id, ok := m.byExt[extKey(loc, ext)]
	m.mu.Unlock()
	if !ok {
		return domain.Review{}, domain.ErrNotFound
	}
	return m.GetReview(ctx, id)
}

func (m *memReviews) ExistingExternalIDs(ctx context.Context, loc int64, ids []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := m.byExt[extKey(loc, id)]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *memReviews) LatestReply(ctx context.Context, reviewID int64) (domain.ReviewReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.replies) - 1; i >= 0; i-- {
		if m.replies[i].ReviewID == reviewID {
			return m.replies[i], nil
		}
	}
	return domain.ReviewReply{}, domain.ErrNotFound
}

func (m *memReviews) ListReviews(ctx context.Context, loc int64, pg domain.PageQuery) (domain.ReviewsPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Review
	for _, r := range m.rows {
		if r.LocationID == loc {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if pg.Limit > 0 && len(out) > pg.Limit {
		out = out[:pg.Limit]
	}
	return domain.ReviewsPage{Items: out}, nil
}

func (m *memReviews) ListRetryable(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	return nil, nil
}

func (m *memReviews) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memReviews) repliesFor(reviewID int64) []domain.ReviewReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ReviewReply
	for _, rp := range m.replies {
		if rp.ReviewID == reviewID {
			out = append(out, rp)
		}
	}
	return out
}

// ---- locations / usage ----

type fakeLocations struct {
	locs         map[int64]domain.Location
	owner        domain.Ownership
	ownerErr     error
	stakeholders []domain.Stakeholder
	configs      domain.RatingConfigs
}

func newFakeLocations(loc domain.Location) *fakeLocations {
	return &fakeLocations{
		locs:  map[int64]domain.Location{loc.ID: loc},
		owner: domain.Ownership{UserID: 1, AccountID: 10},
	}
}

func (f *fakeLocations) GetLocation(ctx context.Context, id int64) (domain.Location, error) {
	l, ok := f.locs[id]
	if !ok {
		return domain.Location{}, domain.ErrNotFound
	}
	return l, nil
}

func (f *fakeLocations) LocationByExternalID(ctx context.Context, ext string) (domain.Location, error) {
	for _, l := range f.locs {
		if l.ExternalLocationID == ext {
			return l, nil
		}
	}
	return domain.Location{}, domain.ErrNotFound
}

func (f *fakeLocations) ResolveOwner(ctx context.Context, id int64) (domain.Ownership, error) {
	if f.ownerErr != nil {
		return domain.Ownership{}, f.ownerErr
	}
	return f.owner, nil
}

func (f *fakeLocations) Stakeholders(ctx context.Context, id int64) ([]domain.Stakeholder, error) {
	return f.stakeholders, nil
}

func (f *fakeLocations) RatingConfigs(ctx context.Context, id int64) (domain.RatingConfigs, error) {
	return f.configs, nil
}

func (f *fakeLocations) EncryptedRefreshToken(ctx context.Context, accountID int64) (string, error) {
	return "", domain.ErrNoCredential
}

func (f *fakeLocations) ConnectedLocations(ctx context.Context) ([]domain.Connection, error) {
	return nil, nil
}

type fakeUsage struct {
	tier  domain.Tier
	count int
}

func (f *fakeUsage) ActiveTier(ctx context.Context, userID int64) (domain.Tier, error) {
	return f.tier, nil
}

func (f *fakeUsage) CountQuotaUsage(ctx context.Context, userID int64, since time.Time) (int, error) {
	return f.count, nil
}

// ---- credentials / upstream ----

type fakeCreds map[int64]string

func (f fakeCreds) RefreshToken(ctx context.Context, accountID int64) (string, error) {
	t, ok := f[accountID]
	if !ok {
		return "", domain.ErrNoCredential
	}
	return t, nil
}

type fakeSource struct {
	mu       sync.Mutex
	byName   map[string]domain.SourceReview
	listing  []domain.SourceReview
	pageSize int
	total    int // reported totalReviewCount; defaults to len(listing)
	pages    int
	invalid  int // reported as dropped on every page
	postErr  error
	posted   []string
}

func (f *fakeSource) ForRefreshToken(string) domain.ReviewSource { return f }

func (f *fakeSource) GetReview(ctx context.Context, name string) (domain.SourceReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byName[name]
	if !ok {
		return domain.SourceReview{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeSource) ListReviews(ctx context.Context, loc, token string) (domain.ReviewPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages++
	start := 0
	if token != "" {
		start, _ = strconv.Atoi(token)
	}
	size := f.pageSize
	if size == 0 {
		size = 50
	}
	end := min(start+size, len(f.listing))
	total := f.total
	if total == 0 {
		total = len(f.listing)
	}
	p := domain.ReviewPage{Reviews: f.listing[start:end], TotalReviewCount: total, Invalid: f.invalid}
	if end < len(f.listing) {
		p.NextPageToken = strconv.Itoa(end)
	}
	return p, nil
}

func (f *fakeSource) PostReply(ctx context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, name)
	return nil
}

func sourceReviews(n int) []domain.SourceReview {
	out := make([]domain.SourceReview, n)
	for i := range out {
		id := fmt.Sprintf("r%d", i)
		out[i] = domain.SourceReview{
			ReviewID:   id,
			Name:       "accounts/1/locations/987/reviews/" + id,
			Rating:     domain.Rating(i%5 + 1),
			CreateTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

// ---- generator / mail / cache ----

type fakeGen struct {
	mu          sync.Mutex
	reply       string
	err         error
	classifyErr error
	calls       int
}

func (f *fakeGen) Classify(ctx context.Context, r domain.Review) (domain.Classification, error) {
	if f.classifyErr != nil {
		return domain.Classification{}, f.classifyErr
	}
	return domain.Classification{Sentiment: "positive"}, nil
}

func (f *fakeGen) GenerateReply(ctx context.Context, r domain.Review, loc domain.Location, cfg domain.RatingConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []domain.Email
	fail map[string]bool
}

func (f *fakeMailer) Send(ctx context.Context, e domain.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[e.To] {
		return errors.New("smtp: 550 mailbox unavailable")
	}
	f.sent = append(f.sent, e)
	return nil
}

type fakeCache struct {
	mu    sync.Mutex
	store map[string]any
	dels  []string
}

func (c *fakeCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	if !ok {
		return false, nil
	}
	if d, ok := dst.(*domain.ReviewsPage); ok {
		*d = v.(domain.ReviewsPage)
	}
	return true, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, v any, ttlSec int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = map[string]any{}
	}
	c.store[key] = v
	return nil
}

func (c *fakeCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	c.dels = append(c.dels, key)
	return nil
}
