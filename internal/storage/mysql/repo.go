package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"replypilot/internal/domain"
)

// MySQL error number for ER_DUP_ENTRY.
const errDupEntry = 1062

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func valTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

func isDuplicate(err error) bool {
	var me *driver.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) InsertReview(ctx context.Context, rv domain.Review) (int64, error) {
	res, err := r.db.ExecContext(ctx, insertReviewSQL,
		rv.LocationID,
		rv.ExternalReviewID,
		rv.ExternalReviewName,
		rv.ReviewerName,
		rv.ReviewerPhotoURL,
		int(rv.Rating),
		valStr(rv.Text),
		rv.CreatedAt.UTC(),
		rv.UpdatedAt.UTC(),
		rv.ReceivedAt.UTC(),
		rv.IsAnonymous,
		string(rv.ReplyStatus),
		rv.ConsumesQuota,
	)
	if err != nil {
		if isDuplicate(err) {
			return 0, domain.ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repo) ApplyReviewUpdate(ctx context.Context, id int64, u domain.ReviewUpdate) error {
	return r.execOne(ctx, applyReviewUpdateSQL,
		int(u.Rating),
		valStr(u.Text),
		u.UpdatedAt.UTC(),
		u.ReviewerName,
		u.ReviewerPhotoURL,
		u.IsAnonymous,
		id,
	)
}

func (r *Repo) SetReplyStatus(ctx context.Context, id int64, s domain.ReplyStatus) error {
	return r.execOne(ctx, setReplyStatusSQL, string(s), id)
}

func (r *Repo) SetClassification(ctx context.Context, id int64, c domain.Classification) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.execOne(ctx, setClassificationSQL, string(b), id)
}

func (r *Repo) MarkNotificationSent(ctx context.Context, id int64) error {
	return r.execOne(ctx, markNotificationSentSQL, id)
}

// execOne runs an UPDATE keyed by id. MySQL reports 0 affected rows when the
// values did not change, so a miss is confirmed with a lookup before ErrNotFound.
func (r *Repo) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		id := args[len(args)-1]
		var one int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM reviews WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
	}
	return nil
}

func (r *Repo) InsertReply(ctx context.Context, rp domain.ReviewReply) (int64, error) {
	res, err := r.db.ExecContext(ctx, insertReplySQL,
		rp.ReviewID,
		rp.Text,
		string(rp.Status),
		valTime(rp.PostedAt),
		valStr(rp.GeneratedBy),
		string(rp.Type),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repo) MarkReplyPosted(ctx context.Context, replyID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, markReplyPostedSQL, at.UTC(), replyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repo) GetReview(ctx context.Context, id int64) (domain.Review, error) {
	return scanReview(r.db.QueryRowContext(ctx, getReviewSQL, id))
}

func (r *Repo) FindReviewByExternalID(ctx context.Context, locationID int64, externalID string) (domain.Review, error) {
	return scanReview(r.db.QueryRowContext(ctx, findReviewByExternalSQL, locationID, externalID))
}

// ExistingExternalIDs returns the subset of ids already stored for the location.
func (r *Repo) ExistingExternalIDs(ctx context.Context, locationID int64, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, locationID)
	for _, id := range ids {
		args = append(args, id)
	}
	q := fmt.Sprintf(existingExternalIDsSQL, strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (r *Repo) LatestReply(ctx context.Context, reviewID int64) (domain.ReviewReply, error) {
	var (
		rp          domain.ReviewReply
		status, typ string
		postedAt    sql.NullTime
		generatedBy sql.NullString
	)
	err := r.db.QueryRowContext(ctx, latestReplySQL, reviewID).Scan(
		&rp.ID, &rp.ReviewID, &rp.Text, &status, &postedAt, &generatedBy, &typ, &rp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReviewReply{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ReviewReply{}, err
	}
	rp.Status = domain.ReplyStatus(status)
	rp.Type = domain.ReplyType(typ)
	if postedAt.Valid {
		t := postedAt.Time
		rp.PostedAt = &t
	}
	if generatedBy.Valid {
		s := generatedBy.String
		rp.GeneratedBy = &s
	}
	return rp, nil
}

func (r *Repo) ListReviews(ctx context.Context, locationID int64, pg domain.PageQuery) (domain.ReviewsPage, error) {
	rows, err := r.db.QueryContext(ctx, listReviewsSQL, locationID, pg.Limit)
	if err != nil {
		return domain.ReviewsPage{}, err
	}
	defer rows.Close()

	var out []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return domain.ReviewsPage{}, err
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return domain.ReviewsPage{}, err
	}
	return domain.ReviewsPage{Items: out}, nil
}

func (r *Repo) ListRetryable(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, listRetryableSQL, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReview(s scanner) (domain.Review, error) {
	var (
		rv             domain.Review
		rating         int
		text           sql.NullString
		status         string
		classification []byte
	)
	if err := s.Scan(
		&rv.ID,
		&rv.LocationID,
		&rv.ExternalReviewID,
		&rv.ExternalReviewName,
		&rv.ReviewerName,
		&rv.ReviewerPhotoURL,
		&rating,
		&text,
		&rv.CreatedAt,
		&rv.UpdatedAt,
		&rv.ReceivedAt,
		&rv.IsAnonymous,
		&status,
		&rv.ConsumesQuota,
		&classification,
		&rv.NotificationSent,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Review{}, domain.ErrNotFound
		}
		return domain.Review{}, err
	}
	rv.Rating = domain.Rating(rating)
	rv.ReplyStatus = domain.ReplyStatus(status)
	if text.Valid {
		t := text.String
		rv.Text = &t
	}
	if len(classification) > 0 {
		var c domain.Classification
		if err := json.Unmarshal(classification, &c); err != nil {
			return domain.Review{}, fmt.Errorf("decode classification for review %d: %w", rv.ID, err)
		}
		rv.Classification = &c
	}
	return rv, nil
}
