package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/savos/drr2/internal/model"
)

type IntegrationRepository interface {
	FindByID(ctx context.Context, id string) (*model.Integration, error)
	// FindBase returns the credential-bearing row for a user on a
	// platform: the workspace-level or direct-message integration.
	FindBase(ctx context.Context, platform model.Platform, userID string) (*model.Integration, error)
	FindByChannel(ctx context.Context, platform model.Platform, userID string, containerID, channelID *string) (*model.Integration, error)
	FindAllByUser(ctx context.Context, platform model.Platform, userID string) ([]model.Integration, error)
	FindAllByContainer(ctx context.Context, platform model.Platform, containerID string) ([]model.Integration, error)
	FindAllByExternalUser(ctx context.Context, platform model.Platform, externalUserID string) ([]model.Integration, error)
	FindAllByChannel(ctx context.Context, platform model.Platform, channelID string) ([]model.Integration, error)
	Upsert(ctx context.Context, params model.UpsertIntegrationParams) (*model.Integration, error)
	Update(ctx context.Context, id string, params model.UpdateIntegrationParams) (*model.Integration, error)
	UpdateStatus(ctx context.Context, id string, status model.IntegrationStatus) (*model.Integration, error)
	UpdateTokens(ctx context.Context, id string, accessToken, refreshToken *string, expiresAt *time.Time) error
	SoftDeleteByID(ctx context.Context, id, userID string) (bool, error)
	SoftDeleteByUser(ctx context.Context, platform model.Platform, userID string) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) IntegrationRepository
}

type integrationRepo struct {
	db     sqlxDB
	cipher tokenCipher
}

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NewIntegrationRepository creates the repository. encryptionKey is a
// hex-encoded AES-256 key; empty disables at-rest token encryption.
func NewIntegrationRepository(db *sqlx.DB, encryptionKey string) IntegrationRepository {
	return &integrationRepo{db: db, cipher: tokenCipher{hexKey: encryptionKey}}
}

func (r *integrationRepo) WithTx(tx *sqlx.Tx) IntegrationRepository {
	return &integrationRepo{db: tx, cipher: r.cipher}
}

func (r *integrationRepo) one(in *model.Integration, err error) (*model.Integration, error) {
	result, err := HandleNotFound(in, err)
	if err != nil || result == nil {
		return result, err
	}
	if err := r.cipher.openIntegration(result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *integrationRepo) many(rows []model.Integration, err error) ([]model.Integration, error) {
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if err := r.cipher.openIntegration(&rows[i]); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (r *integrationRepo) FindByID(ctx context.Context, id string) (*model.Integration, error) {
	var in model.Integration
	err := r.db.GetContext(ctx, &in, `
		SELECT * FROM integrations WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return r.one(&in, err)
}

func (r *integrationRepo) FindBase(ctx context.Context, platform model.Platform, userID string) (*model.Integration, error) {
	var in model.Integration
	err := r.db.GetContext(ctx, &in, `
		SELECT * FROM integrations
		WHERE platform = $1 AND user_id = $2 AND deleted_at IS NULL
		  AND (container_id IS NULL OR channel_id = external_user_id)
		ORDER BY created_at ASC
		LIMIT 1
	`, platform, userID)
	return r.one(&in, err)
}

func (r *integrationRepo) FindByChannel(ctx context.Context, platform model.Platform, userID string, containerID, channelID *string) (*model.Integration, error) {
	var in model.Integration
	err := r.db.GetContext(ctx, &in, `
		SELECT * FROM integrations
		WHERE platform = $1 AND user_id = $2 AND deleted_at IS NULL
		  AND COALESCE(container_id, '') = COALESCE($3, '')
		  AND COALESCE(channel_id, '') = COALESCE($4, '')
	`, platform, userID, containerID, channelID)
	return r.one(&in, err)
}

func (r *integrationRepo) FindAllByUser(ctx context.Context, platform model.Platform, userID string) ([]model.Integration, error) {
	var rows []model.Integration
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM integrations
		WHERE platform = $1 AND user_id = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, platform, userID)
	return r.many(rows, err)
}

func (r *integrationRepo) FindAllByContainer(ctx context.Context, platform model.Platform, containerID string) ([]model.Integration, error) {
	var rows []model.Integration
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM integrations
		WHERE platform = $1 AND container_id = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, platform, containerID)
	return r.many(rows, err)
}

func (r *integrationRepo) FindAllByExternalUser(ctx context.Context, platform model.Platform, externalUserID string) ([]model.Integration, error) {
	var rows []model.Integration
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM integrations
		WHERE platform = $1 AND external_user_id = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, platform, externalUserID)
	return r.many(rows, err)
}

func (r *integrationRepo) FindAllByChannel(ctx context.Context, platform model.Platform, channelID string) ([]model.Integration, error) {
	var rows []model.Integration
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM integrations
		WHERE platform = $1 AND channel_id = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, platform, channelID)
	return r.many(rows, err)
}

// Upsert inserts a new integration or, when a row (live or soft-deleted)
// already exists for the same destination, revives and refreshes it.
// The unique index spans deleted rows so reconnect after disconnect is
// a single atomic statement.
func (r *integrationRepo) Upsert(ctx context.Context, params model.UpsertIntegrationParams) (*model.Integration, error) {
	botToken, err := r.cipher.seal(params.BotToken)
	if err != nil {
		return nil, err
	}
	userToken, err := r.cipher.seal(params.UserToken)
	if err != nil {
		return nil, err
	}
	accessToken, err := r.cipher.seal(params.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshToken, err := r.cipher.seal(params.RefreshToken)
	if err != nil {
		return nil, err
	}

	var in model.Integration
	err = r.db.GetContext(ctx, &in, `
		INSERT INTO integrations (
			platform, user_id, external_user_id, username, display_name, email,
			container_id, container_name, channel_id, channel_name, chat_type,
			bot_token, user_token, access_token, refresh_token, token_expires_at,
			bot_user_id, guild_snapshot, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (platform, user_id, COALESCE(container_id, ''), COALESCE(channel_id, ''))
		DO UPDATE SET
			external_user_id = EXCLUDED.external_user_id,
			username = COALESCE(EXCLUDED.username, integrations.username),
			display_name = COALESCE(EXCLUDED.display_name, integrations.display_name),
			email = COALESCE(EXCLUDED.email, integrations.email),
			container_name = COALESCE(EXCLUDED.container_name, integrations.container_name),
			channel_name = COALESCE(EXCLUDED.channel_name, integrations.channel_name),
			chat_type = COALESCE(EXCLUDED.chat_type, integrations.chat_type),
			bot_token = COALESCE(EXCLUDED.bot_token, integrations.bot_token),
			user_token = COALESCE(EXCLUDED.user_token, integrations.user_token),
			access_token = COALESCE(EXCLUDED.access_token, integrations.access_token),
			refresh_token = COALESCE(EXCLUDED.refresh_token, integrations.refresh_token),
			token_expires_at = COALESCE(EXCLUDED.token_expires_at, integrations.token_expires_at),
			bot_user_id = COALESCE(EXCLUDED.bot_user_id, integrations.bot_user_id),
			guild_snapshot = COALESCE(EXCLUDED.guild_snapshot, integrations.guild_snapshot),
			status = EXCLUDED.status,
			deleted_at = NULL,
			updated_at = NOW()
		RETURNING *
	`, params.Platform, params.UserID, params.ExternalUserID, params.Username,
		params.DisplayName, params.Email, params.ContainerID, params.ContainerName,
		params.ChannelID, params.ChannelName, params.ChatType,
		botToken, userToken, accessToken, refreshToken, params.TokenExpiresAt,
		params.BotUserID, params.GuildSnapshot, params.Status)
	if err != nil {
		return nil, err
	}
	if err := r.cipher.openIntegration(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *integrationRepo) Update(ctx context.Context, id string, params model.UpdateIntegrationParams) (*model.Integration, error) {
	accessToken, err := r.cipher.seal(params.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshToken, err := r.cipher.seal(params.RefreshToken)
	if err != nil {
		return nil, err
	}

	var in model.Integration
	err = r.db.GetContext(ctx, &in, `
		UPDATE integrations SET
			channel_id = COALESCE($2, channel_id),
			channel_name = COALESCE($3, channel_name),
			container_name = COALESCE($4, container_name),
			chat_type = COALESCE($5, chat_type),
			access_token = COALESCE($6, access_token),
			refresh_token = COALESCE($7, refresh_token),
			token_expires_at = COALESCE($8, token_expires_at),
			guild_snapshot = COALESCE($9, guild_snapshot),
			status = COALESCE($10, status),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING *
	`, id, params.ChannelID, params.ChannelName, params.ContainerName, params.ChatType,
		accessToken, refreshToken, params.TokenExpiresAt, params.GuildSnapshot, params.Status)
	return r.one(&in, err)
}

func (r *integrationRepo) UpdateStatus(ctx context.Context, id string, status model.IntegrationStatus) (*model.Integration, error) {
	var in model.Integration
	err := r.db.GetContext(ctx, &in, `
		UPDATE integrations SET status = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING *
	`, id, status)
	return r.one(&in, err)
}

func (r *integrationRepo) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken *string, expiresAt *time.Time) error {
	sealed, err := r.cipher.seal(accessToken)
	if err != nil {
		return err
	}
	sealedRefresh, err := r.cipher.seal(refreshToken)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE integrations SET
			access_token = COALESCE($2, access_token),
			refresh_token = COALESCE($3, refresh_token),
			token_expires_at = COALESCE($4, token_expires_at),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, sealed, sealedRefresh, expiresAt)
	return err
}

func (r *integrationRepo) SoftDeleteByID(ctx context.Context, id, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE integrations SET
			status = 'disabled',
			deleted_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SoftDeleteByUser disconnects every integration a user has on a
// platform. Credentials are cleared so a revoked install never leaves
// usable tokens behind.
func (r *integrationRepo) SoftDeleteByUser(ctx context.Context, platform model.Platform, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE integrations SET
			status = 'disabled',
			bot_token = NULL,
			user_token = NULL,
			access_token = NULL,
			refresh_token = NULL,
			deleted_at = NOW(),
			updated_at = NOW()
		WHERE platform = $1 AND user_id = $2 AND deleted_at IS NULL
	`, platform, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
