// internal/adapters/http_server/handlers.go
package httpserver

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"replypilot/internal/adapters/pushauth"
	"replypilot/internal/app"
	"replypilot/internal/domain"
)

const maxWebhookBody = 1 << 20

type WebhookVerifier interface {
	Verify(ctx context.Context, authHeader string) (pushauth.Claims, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, n app.Notification) (app.IngestResult, error)
}

type ReplyProcessor interface {
	Process(ctx context.Context, reviewID int64) (app.ProcessResult, error)
	PublishDraft(ctx context.Context, reviewID int64) (app.ProcessResult, error)
	ProcessDetached(ctx context.Context, reviewID int64)
}

type ReviewImporter interface {
	Run(ctx context.Context, accountID, locationID int64, emit func(app.ImportEvent)) (app.ImportSummary, error)
}

type ReviewQueries interface {
	ListReviews(ctx context.Context, locationID int64, pg domain.PageQuery) (domain.ReviewsPage, error)
	ReviewDetail(ctx context.Context, id int64) (app.ReviewDetail, error)
}

type Handlers struct {
	Verifier WebhookVerifier
	Ingest   Ingestor
	Replies  ReplyProcessor
	Import   ReviewImporter
	Q        ReviewQueries
	// Ready reports backing-store health for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	// InternalToken guards /internal routes when non-empty.
	InternalToken string
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", h.healthz)

	// SSE stream: no response timeout
	s.mux.Post("/v1/imports", h.startImport)

	s.mux.Group(func(r chi.Router) {
		r.Use(Timeout(15 * time.Second))
		r.Post("/webhooks/reviews", h.webhook)
		r.Get("/v1/locations/{id}/reviews", h.listReviews)
		r.Get("/v1/reviews/{id}", h.getReview)
	})
	s.mux.Group(func(r chi.Router) {
		r.Use(Timeout(2 * time.Minute))
		r.Use(h.requireInternalToken)
		r.Post("/internal/reviews/{id}/process", h.processReview)
		r.Post("/internal/reviews/{id}/publish", h.publishDraft)
	})
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		// Log but don't fail the whole response; return empty ETag and best-effort body.
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			log.Warn().Err(err).Msg("readiness check failed")
			writeProblem(w, http.StatusServiceUnavailable, "Unavailable", "dependency check failed")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.InternalToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.InternalToken)) != 1 {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "internal token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) webhook(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Verifier.Verify(r.Context(), r.Header.Get("Authorization")); err != nil {
		log.Warn().Err(err).Str("remote", remoteIP(r)).Msg("webhook rejected")
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid push token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return
	}
	n, err := app.DecodeNotification(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	res, err := h.Ingest.Ingest(r.Context(), n)
	if err != nil {
		if errors.Is(err, app.ErrMalformedEnvelope) {
			writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		log.Error().Err(err).Str("type", n.Type).Str("review", n.Review).Msg("webhook ingestion failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "ingestion failed")
		return
	}
	if res.NeedsReply {
		h.Replies.ProcessDetached(r.Context(), res.ReviewID)
	}
	writeJSON(w, http.StatusOK, res)
}

type importRequest struct {
	AccountID  int64 `json:"accountId"`
	LocationID int64 `json:"locationId"`
}

func (h *Handlers) startImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "body must be JSON {accountId, locationId}")
		return
	}
	if req.AccountID <= 0 || req.LocationID <= 0 {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "accountId and locationId are required")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	emit := func(e app.ImportEvent) {
		if err := writeSSE(w, e.Type, e); err != nil {
			return // client gone; the importer notices via the request context
		}
		_ = rc.Flush()
	}
	if _, err := h.Import.Run(r.Context(), req.AccountID, req.LocationID, emit); err != nil {
		log.Error().Err(err).
			Int64("account_id", req.AccountID).
			Int64("location_id", req.LocationID).
			Msg("review import failed")
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func (h *Handlers) processReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	res, err := h.Replies.Process(r.Context(), id)
	if err != nil {
		writeReplyError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) publishDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	res, err := h.Replies.PublishDraft(r.Context(), id)
	if err != nil {
		writeReplyError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeReplyError(w http.ResponseWriter, id int64, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "review or location not found")
	case errors.Is(err, app.ErrNothingToPublish):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, app.ErrGeneration):
		// review is now failed and may be retried
		writeProblem(w, http.StatusBadGateway, "Bad Gateway", "reply generation failed")
	case errors.Is(err, domain.ErrNoOwner):
		writeProblem(w, http.StatusConflict, "Conflict", "location has no owner")
	default:
		log.Error().Err(err).Int64("review_id", id).Msg("reply processing failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "reply processing failed")
	}
}

func (h *Handlers) listReviews(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}

	limit := 50
	if ls := r.URL.Query().Get("limit"); ls != "" {
		l, err := strconv.Atoi(ls)
		if err != nil || l <= 0 || l > 200 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 200")
			return
		}
		limit = l
	}

	// Newest first; aligns with DB index on (location_id, created_at, id)
	page := domain.PageQuery{Limit: limit, Cursor: nil, Sort: "-created_at"}
	out, err := h.Q.ListReviews(r.Context(), id, page)
	if err != nil {
		log.Error().Err(err).Int64("location_id", id).Msg("list reviews failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "could not list reviews")
		return
	}

	etag, body := calcETagAndBody(out)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("failed to write listReviews body")
	}
}

func (h *Handlers) getReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	out, err := h.Q.ReviewDetail(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "review not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("review_id", id).Msg("get review failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "could not load review")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
