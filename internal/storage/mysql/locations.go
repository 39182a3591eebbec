package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"replypilot/internal/domain"
)

func (r *Repo) GetLocation(ctx context.Context, id int64) (domain.Location, error) {
	return scanLocation(r.db.QueryRowContext(ctx, getLocationSQL, id))
}

func (r *Repo) LocationByExternalID(ctx context.Context, externalLocationID string) (domain.Location, error) {
	return scanLocation(r.db.QueryRowContext(ctx, locationByExternalSQL, externalLocationID))
}

func scanLocation(row *sql.Row) (domain.Location, error) {
	var l domain.Location
	if err := row.Scan(&l.ID, &l.Name, &l.ExternalLocationID, &l.ResourceName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Location{}, domain.ErrNotFound
		}
		return domain.Location{}, err
	}
	return l, nil
}

// ResolveOwner applies the ownership precedence: an owner membership decides
// the user; the active account link decides the account, falling back to the
// membership's own account. Without an owner membership the account link
// decides both.
func (r *Repo) ResolveOwner(ctx context.Context, locationID int64) (domain.Ownership, error) {
	var (
		memberUser    int64
		memberAccount sql.NullInt64
		haveMember    = true
	)
	err := r.db.QueryRowContext(ctx, ownerMembershipSQL, locationID).Scan(&memberUser, &memberAccount)
	if errors.Is(err, sql.ErrNoRows) {
		haveMember = false
	} else if err != nil {
		return domain.Ownership{}, err
	}

	var (
		linkAccount, linkUser int64
		haveLink              = true
	)
	err = r.db.QueryRowContext(ctx, activeAccountLinkSQL, locationID).Scan(&linkAccount, &linkUser)
	if errors.Is(err, sql.ErrNoRows) {
		haveLink = false
	} else if err != nil {
		return domain.Ownership{}, err
	}

	return resolveOwnership(
		ownerMembership{found: haveMember, userID: memberUser, accountID: memberAccount.Int64, hasAccount: memberAccount.Valid},
		accountLink{found: haveLink, accountID: linkAccount, userID: linkUser},
	)
}

type ownerMembership struct {
	found      bool
	userID     int64
	accountID  int64
	hasAccount bool
}

type accountLink struct {
	found     bool
	accountID int64
	userID    int64
}

func resolveOwnership(m ownerMembership, l accountLink) (domain.Ownership, error) {
	switch {
	case m.found && l.found:
		return domain.Ownership{UserID: m.userID, AccountID: l.accountID}, nil
	case m.found && m.hasAccount:
		return domain.Ownership{UserID: m.userID, AccountID: m.accountID}, nil
	case m.found:
		// an owner with no connection cannot act on the platform
		return domain.Ownership{}, domain.ErrNoOwner
	case l.found:
		return domain.Ownership{UserID: l.userID, AccountID: l.accountID}, nil
	default:
		return domain.Ownership{}, domain.ErrNoOwner
	}
}

func (r *Repo) Stakeholders(ctx context.Context, locationID int64) ([]domain.Stakeholder, error) {
	rows, err := r.db.QueryContext(ctx, stakeholdersSQL, locationID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Stakeholder
	for rows.Next() {
		var (
			s     domain.Stakeholder
			email sql.NullString
		)
		if err := rows.Scan(&s.UserID, &email, &s.Name, &s.NotifyEnabled); err != nil {
			return nil, err
		}
		s.Email = strings.TrimSpace(email.String)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) RatingConfigs(ctx context.Context, locationID int64) (domain.RatingConfigs, error) {
	rows, err := r.db.QueryContext(ctx, ratingConfigsSQL, locationID)
	if err != nil {
		return domain.RatingConfigs{}, err
	}
	defer rows.Close()

	var cfg []domain.RatingConfigRow
	for rows.Next() {
		var row domain.RatingConfigRow
		if err := rows.Scan(&row.Rating, &row.AutoReply, &row.Instructions); err != nil {
			return domain.RatingConfigs{}, err
		}
		cfg = append(cfg, row)
	}
	if err := rows.Err(); err != nil {
		return domain.RatingConfigs{}, err
	}
	return domain.BuildRatingConfigs(cfg)
}

func (r *Repo) EncryptedRefreshToken(ctx context.Context, accountID int64) (string, error) {
	var tok sql.NullString
	err := r.db.QueryRowContext(ctx, refreshTokenSQL, accountID).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !tok.Valid || tok.String == "" {
		return "", domain.ErrNoCredential
	}
	return tok.String, nil
}

func (r *Repo) ConnectedLocations(ctx context.Context) ([]domain.Connection, error) {
	rows, err := r.db.QueryContext(ctx, connectedLocationsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		var c domain.Connection
		if err := rows.Scan(&c.LocationID, &c.AccountID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) ActiveTier(ctx context.Context, userID int64) (domain.Tier, error) {
	var tier string
	err := r.db.QueryRowContext(ctx, activeTierSQL, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return domain.Tier(tier), nil
}

func (r *Repo) CountQuotaUsage(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, countQuotaUsageSQL, since.UTC(), userID, userID).Scan(&n)
	return n, err
}
