package model

import (
	"time"
)

// Integration is a connection between a user and a chat destination.
// For the base (workspace or DM) row, ContainerID and ChannelID are
// nil or point at the direct conversation; channel rows reference the
// base row's credentials via the shared (platform, user_id) pair.
type Integration struct {
	ID             string            `db:"id" json:"id"`
	Platform       Platform          `db:"platform" json:"platform"`
	UserID         string            `db:"user_id" json:"userId"`
	ExternalUserID *string           `db:"external_user_id" json:"externalUserId,omitempty"`
	Username       *string           `db:"username" json:"username,omitempty"`
	DisplayName    *string           `db:"display_name" json:"displayName,omitempty"`
	Email          *string           `db:"email" json:"email,omitempty"`
	ContainerID    *string           `db:"container_id" json:"containerId,omitempty"`
	ContainerName  *string           `db:"container_name" json:"containerName,omitempty"`
	ChannelID      *string           `db:"channel_id" json:"channelId,omitempty"`
	ChannelName    *string           `db:"channel_name" json:"channelName,omitempty"`
	ChatType       *ChatType         `db:"chat_type" json:"chatType,omitempty"`
	BotToken       *string           `db:"bot_token" json:"-"`
	UserToken      *string           `db:"user_token" json:"-"`
	AccessToken    *string           `db:"access_token" json:"-"`
	RefreshToken   *string           `db:"refresh_token" json:"-"`
	TokenExpiresAt *time.Time        `db:"token_expires_at" json:"-"`
	BotUserID      *string           `db:"bot_user_id" json:"-"`
	GuildSnapshot  *string           `db:"guild_snapshot" json:"-"`
	Status         IntegrationStatus `db:"status" json:"status"`
	DeletedAt      *time.Time        `db:"deleted_at" json:"-"`
	CreatedAt      time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updatedAt"`
}

// IsDeleted reports whether the row has been soft-deleted.
func (i *Integration) IsDeleted() bool {
	return i.DeletedAt != nil
}

type UpsertIntegrationParams struct {
	Platform       Platform
	UserID         string
	ExternalUserID *string
	Username       *string
	DisplayName    *string
	Email          *string
	ContainerID    *string
	ContainerName  *string
	ChannelID      *string
	ChannelName    *string
	ChatType       *ChatType
	BotToken       *string
	UserToken      *string
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
	BotUserID      *string
	GuildSnapshot  *string
	Status         IntegrationStatus
}

type UpdateIntegrationParams struct {
	ChannelID      *string
	ChannelName    *string
	ContainerName  *string
	ChatType       *ChatType
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
	GuildSnapshot  *string
	Status         *IntegrationStatus
}
