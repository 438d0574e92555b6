package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/savos/drr2/internal/model"
)

type OAuthStateRepository interface {
	Create(ctx context.Context, params model.CreateOAuthStateParams) (*model.OAuthState, error)
	// Consume atomically deletes and returns the state row. A nil
	// result means the state was unknown, already used, or expired.
	Consume(ctx context.Context, state string, platform model.Platform) (*model.OAuthState, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type oauthStateRepo struct {
	db sqlxDB
}

func NewOAuthStateRepository(db *sqlx.DB) OAuthStateRepository {
	return &oauthStateRepo{db: db}
}

func (r *oauthStateRepo) Create(ctx context.Context, params model.CreateOAuthStateParams) (*model.OAuthState, error) {
	var st model.OAuthState
	err := r.db.GetContext(ctx, &st, `
		INSERT INTO oauth_states (state, platform, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.State, params.Platform, params.UserID, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *oauthStateRepo) Consume(ctx context.Context, state string, platform model.Platform) (*model.OAuthState, error) {
	var st model.OAuthState
	err := r.db.GetContext(ctx, &st, `
		DELETE FROM oauth_states
		WHERE state = $1 AND platform = $2 AND expires_at > NOW()
		RETURNING *
	`, state, platform)
	return HandleNotFound(&st, err)
}

func (r *oauthStateRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM oauth_states WHERE expires_at <= NOW()
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
