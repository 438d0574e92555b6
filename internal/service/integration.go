package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/savos/drr2/internal/errors"
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/repository"
)

// IntegrationService owns the integration lifecycle: create or
// reactivate, status transitions, channel cloning and soft deletion.
// All mutations re-check soft-delete state through the repository.
type IntegrationService struct {
	repo       repository.IntegrationRepository
	connectors map[model.Platform]platform.Connector
}

func NewIntegrationService(repo repository.IntegrationRepository, connectors map[model.Platform]platform.Connector) *IntegrationService {
	return &IntegrationService{repo: repo, connectors: connectors}
}

func (s *IntegrationService) ListByUser(ctx context.Context, p model.Platform, userID string) ([]model.Integration, error) {
	rows, err := s.repo.FindAllByUser(ctx, p, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return rows, nil
}

// GetOwned loads an integration and enforces that the caller owns it.
func (s *IntegrationService) GetOwned(ctx context.Context, userID, id string) (*model.Integration, error) {
	integ, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if integ == nil {
		return nil, apperrors.NotFound("Integration")
	}
	if integ.UserID != userID {
		return nil, apperrors.Forbidden("Integration belongs to another user")
	}
	return integ, nil
}

func (s *IntegrationService) FindBase(ctx context.Context, p model.Platform, userID string) (*model.Integration, error) {
	base, err := s.repo.FindBase(ctx, p, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return base, nil
}

// CreateOrReactivate is the single write path for new destinations.
// The repository upsert makes a repeat connect for the same (user,
// container, channel) tuple revive the existing row instead of
// duplicating it.
func (s *IntegrationService) CreateOrReactivate(ctx context.Context, params model.UpsertIntegrationParams) (*model.Integration, error) {
	integ, err := s.repo.Upsert(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return integ, nil
}

// ChannelSelection is one entry of a discovery pick list.
type ChannelSelection struct {
	ContainerID   string `json:"containerId"`
	ContainerName string `json:"containerName"`
	ChannelID     string `json:"channelId"`
	ChannelName   string `json:"channelName"`
}

// AddChannels creates channel-scoped rows cloned from the user's base
// integration. Credentials are inherited, never re-entered.
func (s *IntegrationService) AddChannels(ctx context.Context, p model.Platform, userID string, selections []ChannelSelection) ([]model.Integration, error) {
	base, err := s.FindBase(ctx, p, userID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, apperrors.NotConnected(string(p))
	}

	created := make([]model.Integration, 0, len(selections))
	for _, sel := range selections {
		integ, err := s.CloneChannel(ctx, base, sel)
		if err != nil {
			return created, err
		}
		created = append(created, *integ)
	}
	return created, nil
}

// CloneChannel derives a channel-scoped integration from a base row.
func (s *IntegrationService) CloneChannel(ctx context.Context, base *model.Integration, sel ChannelSelection) (*model.Integration, error) {
	chatType := model.ChatTypeChannel
	params := model.UpsertIntegrationParams{
		Platform:       base.Platform,
		UserID:         base.UserID,
		ExternalUserID: base.ExternalUserID,
		Username:       base.Username,
		DisplayName:    base.DisplayName,
		Email:          base.Email,
		ChatType:       &chatType,
		BotToken:       base.BotToken,
		UserToken:      base.UserToken,
		AccessToken:    base.AccessToken,
		RefreshToken:   base.RefreshToken,
		TokenExpiresAt: base.TokenExpiresAt,
		BotUserID:      base.BotUserID,
		Status:         model.StatusEnabled,
	}
	if sel.ContainerID != "" {
		params.ContainerID = &sel.ContainerID
	}
	if sel.ContainerName != "" {
		params.ContainerName = &sel.ContainerName
	}
	if sel.ChannelID != "" {
		params.ChannelID = &sel.ChannelID
	}
	if sel.ChannelName != "" {
		params.ChannelName = &sel.ChannelName
	}

	integ, err := s.repo.Upsert(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return integ, nil
}

// Activate flips an owned integration to active. The ownership check
// already happened in GetOwned; this re-checks deletion through the
// repository predicate.
func (s *IntegrationService) Activate(ctx context.Context, id string) (*model.Integration, error) {
	integ, err := s.repo.UpdateStatus(ctx, id, model.StatusActive)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if integ == nil {
		return nil, apperrors.NotFound("Integration")
	}
	return integ, nil
}

// Delete soft-deletes an owned integration after best-effort remote
// teardown. Teardown failures are logged and swallowed; they never
// block the local delete.
func (s *IntegrationService) Delete(ctx context.Context, userID, id string) error {
	integ, err := s.GetOwned(ctx, userID, id)
	if err != nil {
		return err
	}

	if conn, ok := s.connectors[integ.Platform]; ok {
		if err := conn.Teardown(ctx, integ); err != nil {
			log.Warn().Err(err).
				Str("platform", string(integ.Platform)).
				Str("integration_id", id).
				Msg("remote teardown failed, continuing with local delete")
		}
	}

	deleted, err := s.repo.SoftDeleteByID(ctx, id, userID)
	if err != nil {
		return apperrors.Database(err)
	}
	if !deleted {
		return apperrors.NotFound("Integration")
	}
	return nil
}

// DisconnectAll soft-deletes every row a user has on a platform, used
// when the platform itself reports the install is gone.
func (s *IntegrationService) DisconnectAll(ctx context.Context, p model.Platform, userID string) (int64, error) {
	n, err := s.repo.SoftDeleteByUser(ctx, p, userID)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	return n, nil
}

// SaveTokens persists refreshed delegated tokens. Satisfies the Teams
// connector's TokenSaver.
func (s *IntegrationService) SaveTokens(ctx context.Context, integrationID string, accessToken, refreshToken string, expiresAt time.Time) error {
	var access, refresh *string
	if accessToken != "" {
		access = &accessToken
	}
	if refreshToken != "" {
		refresh = &refreshToken
	}
	if err := s.repo.UpdateTokens(ctx, integrationID, access, refresh, &expiresAt); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return nil
}

// ListByContainer returns live rows for a workspace/guild, used by
// webhook auto-provisioning to find whose install a channel event
// belongs to. Ordered oldest first so clone tie-breaks are stable.
func (s *IntegrationService) ListByContainer(ctx context.Context, p model.Platform, containerID string) ([]model.Integration, error) {
	rows, err := s.repo.FindAllByContainer(ctx, p, containerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return rows, nil
}

// ListByExternalUser resolves which local users a platform-side user
// id maps to, used by the Telegram webhook to attribute group events.
func (s *IntegrationService) ListByExternalUser(ctx context.Context, p model.Platform, externalUserID string) ([]model.Integration, error) {
	rows, err := s.repo.FindAllByExternalUser(ctx, p, externalUserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return rows, nil
}

// ListByChannel finds live rows for a bare channel/chat id, used when
// a removal event carries no user context.
func (s *IntegrationService) ListByChannel(ctx context.Context, p model.Platform, channelID string) ([]model.Integration, error) {
	rows, err := s.repo.FindAllByChannel(ctx, p, channelID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return rows, nil
}

// SoftDeleteRow removes one row on behalf of a webhook event, bypassing
// the caller-ownership check since the platform itself is the source.
func (s *IntegrationService) SoftDeleteRow(ctx context.Context, integ *model.Integration) error {
	if _, err := s.repo.SoftDeleteByID(ctx, integ.ID, integ.UserID); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// FindChannel looks up one destination row by its natural key.
func (s *IntegrationService) FindChannel(ctx context.Context, p model.Platform, userID string, containerID, channelID *string) (*model.Integration, error) {
	integ, err := s.repo.FindByChannel(ctx, p, userID, containerID, channelID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return integ, nil
}
