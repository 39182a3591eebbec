package httpserver_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "replypilot/internal/adapters/http_server"
	"replypilot/internal/adapters/pushauth"
	"replypilot/internal/app"
	"replypilot/internal/domain"
)

// ---- stubs ----

type stubVerifier struct{ err error }

func (s stubVerifier) Verify(ctx context.Context, h string) (pushauth.Claims, error) {
	return pushauth.Claims{}, s.err
}

type stubIngestor struct {
	res app.IngestResult
	err error
	got app.Notification
}

func (s *stubIngestor) Ingest(ctx context.Context, n app.Notification) (app.IngestResult, error) {
	s.got = n
	return s.res, s.err
}

type stubReplies struct {
	mu       sync.Mutex
	res      app.ProcessResult
	err      error
	detached []int64
}

func (s *stubReplies) Process(ctx context.Context, id int64) (app.ProcessResult, error) {
	r := s.res
	r.ReviewID = id
	return r, s.err
}

func (s *stubReplies) PublishDraft(ctx context.Context, id int64) (app.ProcessResult, error) {
	return s.Process(ctx, id)
}

func (s *stubReplies) ProcessDetached(ctx context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, id)
}

type stubImporter struct {
	events []app.ImportEvent
	err    error
}

func (s *stubImporter) Run(ctx context.Context, accountID, locationID int64, emit func(app.ImportEvent)) (app.ImportSummary, error) {
	for _, e := range s.events {
		emit(e)
	}
	return app.ImportSummary{}, s.err
}

type stubQueries struct {
	page   domain.ReviewsPage
	detail map[int64]app.ReviewDetail
}

func (s stubQueries) ListReviews(ctx context.Context, id int64, pg domain.PageQuery) (domain.ReviewsPage, error) {
	return s.page, nil
}

func (s stubQueries) ReviewDetail(ctx context.Context, id int64) (app.ReviewDetail, error) {
	d, ok := s.detail[id]
	if !ok {
		return app.ReviewDetail{}, fmt.Errorf("review %d: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

func newTestServer(t *testing.T, h *httpserver.Handlers) *httptest.Server {
	t.Helper()
	srv := httpserver.New()
	srv.MountHandlers(h)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return ts
}

func pushBody(t *testing.T, typ string) string {
	t.Helper()
	inner, _ := json.Marshal(map[string]string{
		"type":     typ,
		"review":   "accounts/1/locations/987/reviews/abc",
		"location": "accounts/1/locations/987",
	})
	b, _ := json.Marshal(map[string]any{
		"message":      map[string]string{"data": base64.StdEncoding.EncodeToString(inner)},
		"subscription": "projects/p/subscriptions/reviews",
	})
	return string(b)
}

// ---- webhook ----

func TestWebhook_Statuses(t *testing.T) {
	tests := []struct {
		name       string
		verifyErr  error
		body       string
		res        app.IngestResult
		ingestErr  error
		wantStatus int
		detached   int
	}{
		{name: "created starts processing", res: app.IngestResult{Outcome: app.OutcomeCreated, ReviewID: 7, NeedsReply: true}, wantStatus: 200, detached: 1},
		{name: "duplicate acked", res: app.IngestResult{Outcome: app.OutcomeDuplicate}, wantStatus: 200},
		{name: "untracked acked", res: app.IngestResult{Outcome: app.OutcomeUntrackedLocation}, wantStatus: 200},
		{name: "bad token", verifyErr: domain.ErrUnauthorized, wantStatus: 401},
		{name: "malformed", body: `{"message":{"data":"%%%"}}`, wantStatus: 400},
		{name: "no owner", ingestErr: fmt.Errorf("location 5: %w", domain.ErrNoOwner), wantStatus: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replies := &stubReplies{}
			ing := &stubIngestor{res: tt.res, err: tt.ingestErr}
			ts := newTestServer(t, &httpserver.Handlers{
				Verifier: stubVerifier{err: tt.verifyErr},
				Ingest:   ing,
				Replies:  replies,
			})
			body := tt.body
			if body == "" {
				body = pushBody(t, app.NotificationNewReview)
			}
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/reviews", strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer token")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Len(t, replies.detached, tt.detached)
			if tt.wantStatus == 200 {
				assert.Equal(t, app.NotificationNewReview, ing.got.Type)
				var out app.IngestResult
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
				assert.Equal(t, tt.res.Outcome, out.Outcome)
			} else {
				assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			}
		})
	}
}

// ---- import stream ----

func TestImport_StreamsEvents(t *testing.T) {
	imp := &stubImporter{events: []app.ImportEvent{
		{Type: app.EventTotal, Total: 120},
		{Type: app.EventProgress, Fetched: 50, Imported: 50},
		{Type: app.EventComplete, Total: 120, Fetched: 120, Imported: 118},
	}}
	ts := newTestServer(t, &httpserver.Handlers{Import: imp})

	resp, err := http.Post(ts.URL+"/v1/imports", "application/json", strings.NewReader(`{"accountId":10,"locationId":5}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var names []string
	var last app.ImportEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
		}
	}
	assert.Equal(t, []string{"total", "progress", "complete"}, names)
	assert.Equal(t, 118, last.Imported)
}

func TestImport_RejectsBadRequest(t *testing.T) {
	ts := newTestServer(t, &httpserver.Handlers{Import: &stubImporter{}})
	for _, body := range []string{`nope`, `{"accountId":10}`} {
		resp, err := http.Post(ts.URL+"/v1/imports", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

// ---- internal reply endpoints ----

func TestProcess_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{fmt.Errorf("load review 3: %w", domain.ErrNotFound), 404},
		{fmt.Errorf("%w: timeout", app.ErrGeneration), 502},
		{app.ErrNothingToPublish, 409},
		{errors.New("db down"), 500},
	}
	for _, tt := range tests {
		replies := &stubReplies{res: app.ProcessResult{Status: domain.ReplyPending}, err: tt.err}
		ts := newTestServer(t, &httpserver.Handlers{Replies: replies, InternalToken: "s3cret"})

		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/internal/reviews/3/process", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, "err=%v", tt.err)
	}
}

func TestInternalRoutes_RequireToken(t *testing.T) {
	ts := newTestServer(t, &httpserver.Handlers{Replies: &stubReplies{}, InternalToken: "s3cret"})

	resp, err := http.Post(ts.URL+"/internal/reviews/3/publish", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/internal/reviews/abc/process", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ---- read path ----

func TestListReviews_ETag(t *testing.T) {
	text := "Great"
	ts := newTestServer(t, &httpserver.Handlers{Q: stubQueries{page: domain.ReviewsPage{Items: []domain.Review{{ID: 1, Rating: 5, Text: &text}}}}})

	resp, err := http.Get(ts.URL + "/v1/locations/5/reviews?limit=10")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/locations/5/reviews?limit=10", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/locations/5/reviews?limit=500")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetReview(t *testing.T) {
	ts := newTestServer(t, &httpserver.Handlers{Q: stubQueries{detail: map[int64]app.ReviewDetail{
		7: {Review: domain.Review{ID: 7, Rating: 2}, Reply: &domain.ReviewReply{Text: "Sorry to hear that", Status: domain.ReplyPending}},
	}}})

	resp, err := http.Get(ts.URL + "/v1/reviews/7")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.EqualValues(t, 7, got["id"])
	reply, ok := got["reply"].(map[string]any)
	require.True(t, ok, "reply should be embedded: %v", got)
	assert.Equal(t, "pending", reply["status"])

	resp, err = http.Get(ts.URL + "/v1/reviews/8")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ready := errors.New("mysql down")
	ts := newTestServer(t, &httpserver.Handlers{Ready: func(context.Context) error { return ready }})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready = nil
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_UnknownRouteIsProblem(t *testing.T) {
	ts := newTestServer(t, &httpserver.Handlers{})

	resp, err := http.Get(ts.URL + "/v2/nothing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	resp, err = http.Get(ts.URL + "/webhooks/reviews")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
