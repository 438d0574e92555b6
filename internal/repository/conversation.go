package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/savos/drr2/internal/model"
)

type TeamsConversationRepository interface {
	Upsert(ctx context.Context, params model.UpsertTeamsConversationParams) (*model.TeamsConversation, error)
	FindPersonalByUser(ctx context.Context, userID string) (*model.TeamsConversation, error)
	FindByTeamsUser(ctx context.Context, teamsUserID string) (*model.TeamsConversation, error)
	DeleteByUser(ctx context.Context, userID string) error
}

type teamsConversationRepo struct {
	db sqlxDB
}

func NewTeamsConversationRepository(db *sqlx.DB) TeamsConversationRepository {
	return &teamsConversationRepo{db: db}
}

// Upsert is keyed by conversation_id: Bot Framework replays the same
// conversation reference on every activity, and a user's personal and
// team conversations must stay separate rows.
func (r *teamsConversationRepo) Upsert(ctx context.Context, params model.UpsertTeamsConversationParams) (*model.TeamsConversation, error) {
	var conv model.TeamsConversation
	err := r.db.GetContext(ctx, &conv, `
		INSERT INTO teams_conversations (user_id, teams_user_id, scope, conversation_id, service_url, team_id, channel_id, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id) DO UPDATE SET
			teams_user_id = EXCLUDED.teams_user_id,
			scope = EXCLUDED.scope,
			service_url = EXCLUDED.service_url,
			team_id = EXCLUDED.team_id,
			channel_id = EXCLUDED.channel_id,
			tenant_id = EXCLUDED.tenant_id,
			updated_at = NOW()
		RETURNING *
	`, params.UserID, params.TeamsUserID, params.Scope, params.ConversationID, params.ServiceURL, params.TeamID, params.ChannelID, params.TenantID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindPersonalByUser returns the newest personal-scope reference; team
// rows never serve the proactive DM path.
func (r *teamsConversationRepo) FindPersonalByUser(ctx context.Context, userID string) (*model.TeamsConversation, error) {
	var conv model.TeamsConversation
	err := r.db.GetContext(ctx, &conv, `
		SELECT * FROM teams_conversations
		WHERE user_id = $1 AND scope = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, model.ConversationScopePersonal)
	return HandleNotFound(&conv, err)
}

func (r *teamsConversationRepo) FindByTeamsUser(ctx context.Context, teamsUserID string) (*model.TeamsConversation, error) {
	var conv model.TeamsConversation
	err := r.db.GetContext(ctx, &conv, `
		SELECT * FROM teams_conversations WHERE teams_user_id = $1 ORDER BY created_at DESC LIMIT 1
	`, teamsUserID)
	return HandleNotFound(&conv, err)
}

func (r *teamsConversationRepo) DeleteByUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM teams_conversations WHERE user_id = $1
	`, userID)
	return err
}
