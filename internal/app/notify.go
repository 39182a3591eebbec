package app

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"replypilot/internal/adapters/observability"
	"replypilot/internal/domain"
)

const defaultFanoutWorkers = 4

// FanoutReport counts per-recipient results. Failures never propagate.
type FanoutReport struct {
	Recipients int `json:"recipients"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type Notifier struct {
	locations    domain.LocationRepository
	reviews      domain.ReviewRepository
	mailer       domain.Mailer
	cache        domain.Cache
	dashboardURL string
	workers      int
}

func NewNotifier(l domain.LocationRepository, r domain.ReviewRepository, m domain.Mailer, c domain.Cache, dashboardURL string) *Notifier {
	return &Notifier{
		locations:    l,
		reviews:      r,
		mailer:       m,
		cache:        c,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		workers:      defaultFanoutWorkers,
	}
}

// Notify emails every distinct stakeholder of the review's location.
// The returned error only covers recipient lookup.
func (n *Notifier) Notify(ctx context.Context, rv domain.Review, loc domain.Location, reply *domain.ReviewReply) (FanoutReport, error) {
	people, err := n.locations.Stakeholders(ctx, loc.ID)
	if err != nil {
		return FanoutReport{}, fmt.Errorf("stakeholders for location %d: %w", loc.ID, err)
	}
	people = distinctStakeholders(people)

	var sent, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.workers)
	for _, p := range people {
		p := p
		g.Go(func() error {
			switch {
			case !p.NotifyEnabled:
				skipped.Add(1)
				observability.ObserveEmail("skipped")
				return nil
			case strings.TrimSpace(p.Email) == "":
				failed.Add(1)
				observability.ObserveEmail("failed")
				log.Warn().Int64("review_id", rv.ID).Int64("user_id", p.UserID).Msg("stakeholder has no email")
				return nil
			}
			msg, err := renderReviewEmail(p, rv, loc, reply, n.dashboardURL)
			if err == nil {
				err = n.mailer.Send(gctx, msg)
			}
			if err != nil {
				failed.Add(1)
				observability.ObserveEmail("failed")
				log.Error().Err(err).
					Int64("review_id", rv.ID).
					Int64("user_id", p.UserID).
					Str("recipient", p.Email).
					Msg("notification email failed")
				return nil
			}
			sent.Add(1)
			observability.ObserveEmail("sent")
			return nil
		})
	}
	_ = g.Wait()

	rep := FanoutReport{
		Recipients: len(people),
		Sent:       int(sent.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
	// leave the flag unset when every attempted send failed so a later run can retry
	if rep.Sent > 0 || rep.Failed == 0 {
		if err := n.reviews.MarkNotificationSent(ctx, rv.ID); err != nil {
			log.Error().Err(err).Int64("review_id", rv.ID).Msg("mark notification sent failed")
		} else {
			invalidateReviews(ctx, n.cache, rv.LocationID)
		}
	}
	log.Info().
		Int64("review_id", rv.ID).
		Int64("location_id", loc.ID).
		Int("sent", rep.Sent).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Msg("review notification fan-out")
	return rep, nil
}

func distinctStakeholders(in []domain.Stakeholder) []domain.Stakeholder {
	seen := make(map[int64]struct{}, len(in))
	out := in[:0:0]
	for _, p := range in {
		if _, ok := seen[p.UserID]; ok {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p)
	}
	return out
}

var reviewEmailTmpl = template.Must(template.New("review").Parse(`<!doctype html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<p>Hi {{.Recipient}},</p>
<p><strong>{{.Reviewer}}</strong> left a {{.Rating}}-star review for <strong>{{.Location}}</strong>.</p>
<p style="color:#f5a623;font-size:18px">{{.Stars}}</p>
{{if .Text}}<blockquote style="border-left:3px solid #ddd;margin:0;padding-left:12px">{{.Text}}</blockquote>{{end}}
{{if .Reply}}<p>{{.ReplyLabel}}</p>
<blockquote style="border-left:3px solid #4a90e2;margin:0;padding-left:12px">{{.Reply}}</blockquote>{{end}}
{{if .Link}}<p><a href="{{.Link}}">Open in dashboard</a></p>{{end}}
</body></html>`))

type reviewEmailData struct {
	Recipient  string
	Reviewer   string
	Rating     int
	Stars      string
	Location   string
	Text       string
	Reply      string
	ReplyLabel string
	Link       string
}

func renderReviewEmail(p domain.Stakeholder, rv domain.Review, loc domain.Location, reply *domain.ReviewReply, dashboardURL string) (domain.Email, error) {
	d := reviewEmailData{
		Recipient: p.Name,
		Reviewer:  rv.ReviewerName,
		Rating:    int(rv.Rating),
		Stars:     strings.Repeat("★", int(rv.Rating)) + strings.Repeat("☆", 5-int(rv.Rating)),
		Location:  loc.Name,
		Text:      rv.TextOrEmpty(),
	}
	if d.Recipient == "" {
		d.Recipient = "there"
	}
	if rv.IsAnonymous || d.Reviewer == "" {
		d.Reviewer = "A customer"
	}
	if reply != nil {
		d.Reply = reply.Text
		if reply.Status == domain.ReplyPosted {
			d.ReplyLabel = "We posted this reply for you:"
		} else {
			d.ReplyLabel = "A draft reply is waiting for your approval:"
		}
	}
	if dashboardURL != "" {
		d.Link = fmt.Sprintf("%s/reviews/%d", dashboardURL, rv.ID)
	}

	var buf bytes.Buffer
	if err := reviewEmailTmpl.Execute(&buf, d); err != nil {
		return domain.Email{}, fmt.Errorf("render email: %w", err)
	}
	return domain.Email{
		To:      p.Email,
		Subject: fmt.Sprintf("New %d-star review for %s", rv.Rating, loc.Name),
		HTML:    buf.String(),
	}, nil
}
