package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"replypilot/internal/adapters/observability"
	"replypilot/internal/domain"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// Generator classifies reviews and drafts owner replies via chat completions.
type Generator struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func New(apiKey, baseURL, model string) *Generator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Generator{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

const classifySystem = `You label customer reviews for a local business.
Answer with a JSON object: {"sentiment":"positive|neutral|negative","categories":[...],"urgent":bool,"summary":"..."}.
Categories come from: service, staff, price, quality, cleanliness, wait_time, location, other.
"urgent" is true only for safety, legal, or health complaints.`

func (g *Generator) Classify(ctx context.Context, r domain.Review) (domain.Classification, error) {
	user := fmt.Sprintf("Rating: %d/5\nReview: %s", r.Rating, orPlaceholder(r.TextOrEmpty()))
	out, err := g.complete(ctx, []chatMessage{
		{Role: "system", Content: classifySystem},
		{Role: "user", Content: user},
	}, 0, true)
	if err != nil {
		return domain.Classification{}, err
	}
	var c domain.Classification
	if err := json.Unmarshal([]byte(out), &c); err != nil {
		return domain.Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	c.Sentiment = strings.ToLower(strings.TrimSpace(c.Sentiment))
	return c, nil
}

func (g *Generator) GenerateReply(ctx context.Context, r domain.Review, loc domain.Location, cfg domain.RatingConfig) (string, error) {
	reply, err := g.complete(ctx, []chatMessage{
		{Role: "system", Content: buildReplyPrompt(loc, cfg)},
		{Role: "user", Content: describeReview(r)},
	}, 0.7, false)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", errors.New("empty reply from model")
	}
	return reply, nil
}

func buildReplyPrompt(loc domain.Location, cfg domain.RatingConfig) string {
	var b strings.Builder
	b.WriteString("You are the owner of ")
	if loc.Name != "" {
		b.WriteString(loc.Name)
	} else {
		b.WriteString("a local business")
	}
	b.WriteString(" writing a public reply to a customer review.\n")
	b.WriteString("- Keep it under 120 words, warm and specific to what the reviewer said.\n")
	b.WriteString("- Never invent facts, discounts, or promises that are not in the review.\n")
	b.WriteString("- For critical reviews apologise once and invite the reviewer to get in touch.\n")
	b.WriteString("- Reply in the language of the review.\n")
	if s := strings.TrimSpace(cfg.Instructions); s != "" {
		b.WriteString("\nOwner instructions for this rating:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("\nOutput only the reply text.")
	return b.String()
}

func describeReview(r domain.Review) string {
	name := r.ReviewerName
	if r.IsAnonymous || name == "" {
		name = "an anonymous customer"
	}
	return fmt.Sprintf("Reviewer: %s\nRating: %d/5\nReview: %s", name, r.Rating, orPlaceholder(r.TextOrEmpty()))
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(no text, rating only)"
	}
	return s
}

func (g *Generator) complete(ctx context.Context, msgs []chatMessage, temp float64, jsonOut bool) (string, error) {
	if g.apiKey == "" {
		return "", errors.New("OPENAI_API_KEY not set")
	}
	reqData := chatRequest{Model: g.model, Messages: msgs, Temperature: temp}
	if jsonOut {
		reqData.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(reqData)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		observability.ObserveExternal("openai", "chat_completions", 0, time.Since(start))
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	observability.ObserveExternal("openai", "chat_completions", resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openai error: %s", out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
