package model

import "time"

// Conversation scopes. The personal reference backs proactive DM
// sends; team references record channel conversations the bot was
// added to.
const (
	ConversationScopePersonal = "personal"
	ConversationScopeTeam     = "team"
)

// TeamsConversation stores a Bot Framework conversation reference so
// the bot can send proactive messages into it later. One row per
// conversation id; a user can hold a personal row and several team
// rows at the same time.
type TeamsConversation struct {
	ID             string    `db:"id"`
	UserID         string    `db:"user_id"`
	TeamsUserID    string    `db:"teams_user_id"`
	Scope          string    `db:"scope"`
	ConversationID string    `db:"conversation_id"`
	ServiceURL     string    `db:"service_url"`
	TeamID         *string   `db:"team_id"`
	ChannelID      *string   `db:"channel_id"`
	TenantID       *string   `db:"tenant_id"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type UpsertTeamsConversationParams struct {
	UserID         string
	TeamsUserID    string
	Scope          string
	ConversationID string
	ServiceURL     string
	TeamID         *string
	ChannelID      *string
	TenantID       *string
}
