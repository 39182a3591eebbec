// internal/adapters/gbp/client.go
package gbp

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"replypilot/internal/adapters/observability"
	"replypilot/internal/domain"
)

const (
	DefaultBaseURL = "https://mybusiness.googleapis.com/v4"
	pageSize       = 50
	maxAttempts    = 4
)

var (
	ErrUnauthorized = fmt.Errorf("gbp: %w", domain.ErrUnauthorized)
	ErrForbidden    = errors.New("gbp: forbidden")
	ErrNotFound     = fmt.Errorf("gbp: %w", domain.ErrNotFound)
)

type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string // overrides google.Endpoint.TokenURL
	RPS          float64
	HTTPClient   *http.Client
}

// Factory builds per-account clients. The rate limiter is shared so that all
// accounts together stay under the project quota.
type Factory struct {
	base  string
	oauth *oauth2.Config
	hc    *http.Client
	rl    *rate.Limiter
}

func NewFactory(o Options) (*Factory, error) {
	if o.ClientID == "" || o.ClientSecret == "" {
		return nil, fmt.Errorf("oauth client id and secret are required")
	}
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	endpoint := google.Endpoint
	if o.TokenURL != "" {
		endpoint.TokenURL = o.TokenURL
	}
	return &Factory{
		base: strings.TrimRight(o.BaseURL, "/"),
		oauth: &oauth2.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/business.manage"},
		},
		hc: o.HTTPClient,
		rl: rate.NewLimiter(rate.Limit(o.RPS), max(int(o.RPS), 1)),
	}, nil
}

// ForRefreshToken returns a client that exchanges refreshToken for access
// tokens as needed. The token source lives only as long as the client.
func (f *Factory) ForRefreshToken(refreshToken string) domain.ReviewSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, f.hc)
	return &Client{
		base: f.base,
		hc:   f.hc,
		rl:   f.rl,
		ts:   f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}),
	}
}

type Client struct {
	base string
	hc   *http.Client
	rl   *rate.Limiter
	ts   oauth2.TokenSource
}

// ---- Public API ----

func (c *Client) ListReviews(ctx context.Context, locationName, pageToken string) (domain.ReviewPage, error) {
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	u := fmt.Sprintf("%s/%s/reviews?%s", c.base, strings.Trim(locationName, "/"), q.Encode())

	var out listReviewsResponse
	if err := c.do(ctx, "list_reviews", http.MethodGet, u, nil, &out); err != nil {
		return domain.ReviewPage{}, err
	}
	page := domain.ReviewPage{
		NextPageToken:    out.NextPageToken,
		TotalReviewCount: out.TotalReviewCount,
		Reviews:          make([]domain.SourceReview, 0, len(out.Reviews)),
	}
	for _, r := range out.Reviews {
		sr, err := r.toDomain()
		if err != nil {
			// one malformed review must not sink the rest of the page
			log.Warn().Err(err).Str("review", r.Name).Msg("gbp: skipping unparseable review")
			page.Invalid++
			continue
		}
		page.Reviews = append(page.Reviews, sr)
	}
	return page, nil
}

func (c *Client) GetReview(ctx context.Context, reviewName string) (domain.SourceReview, error) {
	u := fmt.Sprintf("%s/%s", c.base, strings.Trim(reviewName, "/"))
	var out apiReview
	if err := c.do(ctx, "get_review", http.MethodGet, u, nil, &out); err != nil {
		return domain.SourceReview{}, err
	}
	return out.toDomain()
}

func (c *Client) PostReply(ctx context.Context, reviewName, text string) error {
	u := fmt.Sprintf("%s/%s/reply", c.base, strings.Trim(reviewName, "/"))
	body, err := json.Marshal(replyRequest{Comment: text})
	if err != nil {
		return err
	}
	return c.do(ctx, "put_reply", http.MethodPut, u, body, nil)
}

// ---- Internals ----

// do performs one call with per-attempt rate limiting, retries, and JSON
// decode into out. Retries on 429 and transient 5xx, honoring Retry-After.
func (c *Client) do(ctx context.Context, endpoint, method, url string, body []byte, out any) error {
	tok, err := c.ts.Token()
	if err != nil {
		// a revoked or malformed refresh token lands here
		return fmt.Errorf("%w: token exchange: %v", ErrUnauthorized, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		// every attempt, retries included, spends a limiter token
		if err := c.rl.Wait(ctx); err != nil {
			return err
		}
		// build a fresh request each attempt
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return err
		}
		tok.SetAuthHeader(req)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "replypilot/1.0")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal("gbp", endpoint, 0, time.Since(start))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if i < maxAttempts-1 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr
		}
		observability.ObserveExternal("gbp", endpoint, resp.StatusCode, time.Since(start))

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted:
			defer resp.Body.Close()
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)

		case http.StatusNoContent:
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil

		case http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound

		case http.StatusUnauthorized:
			resp.Body.Close()
			return ErrUnauthorized

		case http.StatusForbidden:
			resp.Body.Close()
			return ErrForbidden

		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			wait := retryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = backoff(i)
			}
			lastErr = fmt.Errorf("gbp: remote %d", resp.StatusCode)
			if i < maxAttempts-1 && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("gbp: bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
	}

	return lastErr
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles from 200ms per attempt with up to +50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
