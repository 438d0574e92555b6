package service

import (
	"context"

	apperrors "github.com/savos/drr2/internal/errors"
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/repository"
)

// ConversationService tracks Bot Framework conversation references so
// the Teams bot can send proactive messages later. Satisfies the Teams
// connector's ConversationFinder.
type ConversationService struct {
	repo repository.TeamsConversationRepository
}

func NewConversationService(repo repository.TeamsConversationRepository) *ConversationService {
	return &ConversationService{repo: repo}
}

func (s *ConversationService) Upsert(ctx context.Context, params model.UpsertTeamsConversationParams) (*model.TeamsConversation, error) {
	conv, err := s.repo.Upsert(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return conv, nil
}

// FindConversation returns the user's personal conversation reference,
// the only scope a proactive DM may target.
func (s *ConversationService) FindConversation(ctx context.Context, userID string) (*model.TeamsConversation, error) {
	conv, err := s.repo.FindPersonalByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return conv, nil
}

// ResolveLocalUser maps a Teams-side user id back to the local user
// who previously opened a conversation with the bot.
func (s *ConversationService) ResolveLocalUser(ctx context.Context, teamsUserID string) (*model.TeamsConversation, error) {
	conv, err := s.repo.FindByTeamsUser(ctx, teamsUserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return conv, nil
}

func (s *ConversationService) DeleteByUser(ctx context.Context, userID string) error {
	if err := s.repo.DeleteByUser(ctx, userID); err != nil {
		return apperrors.Database(err)
	}
	return nil
}
