package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/savos/drr2/internal/errors"
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
)

func TestIntegrationGetOwned(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the row when the caller owns it", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindByID", ctx, "i1").Return(&model.Integration{ID: "i1", UserID: "u1"}, nil)

		integ, err := svc.GetOwned(ctx, "u1", "i1")
		require.NoError(t, err)
		assert.Equal(t, "i1", integ.ID)
	})

	t.Run("missing row is not found", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindByID", ctx, "ghost").Return(nil, nil)

		_, err := svc.GetOwned(ctx, "u1", "ghost")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("another user's row is forbidden, not hidden", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindByID", ctx, "i1").Return(&model.Integration{ID: "i1", UserID: "owner"}, nil)

		_, err := svc.GetOwned(ctx, "intruder", "i1")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))
	})

	t.Run("repository failures surface as database errors", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindByID", ctx, "i1").Return(nil, fmt.Errorf("connection reset"))

		_, err := svc.GetOwned(ctx, "u1", "i1")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
	})
}

func TestIntegrationAddChannels(t *testing.T) {
	ctx := context.Background()

	t.Run("fails when the platform was never connected", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindBase", ctx, model.PlatformSlack, "u1").Return(nil, nil)

		_, err := svc.AddChannels(ctx, model.PlatformSlack, "u1", []ChannelSelection{{ChannelID: "C1"}})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.GetCode(err))
		repo.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	})

	t.Run("clones credentials from the base row", func(t *testing.T) {
		expiry := time.Now().Add(time.Hour)
		base := &model.Integration{
			ID:             "base-1",
			Platform:       model.PlatformSlack,
			UserID:         "u1",
			ExternalUserID: strp("U123"),
			Username:       strp("dana"),
			BotToken:       strp("xoxb-bot"),
			UserToken:      strp("xoxp-user"),
			AccessToken:    strp("access"),
			RefreshToken:   strp("refresh"),
			TokenExpiresAt: &expiry,
			BotUserID:      strp("B42"),
			Status:         model.StatusActive,
		}

		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindBase", ctx, model.PlatformSlack, "u1").Return(base, nil)
		repo.On("Upsert", ctx, mock.MatchedBy(func(p model.UpsertIntegrationParams) bool {
			return p.Platform == model.PlatformSlack &&
				p.UserID == "u1" &&
				p.BotToken != nil && *p.BotToken == "xoxb-bot" &&
				p.UserToken != nil && *p.UserToken == "xoxp-user" &&
				p.AccessToken != nil && *p.AccessToken == "access" &&
				p.RefreshToken != nil && *p.RefreshToken == "refresh" &&
				p.BotUserID != nil && *p.BotUserID == "B42" &&
				p.ChatType != nil && *p.ChatType == model.ChatTypeChannel &&
				p.Status == model.StatusEnabled &&
				p.ContainerID != nil && *p.ContainerID == "T1" &&
				p.ChannelID != nil && *p.ChannelID == "C1"
		})).Return(&model.Integration{ID: "chan-1", Platform: model.PlatformSlack, UserID: "u1"}, nil)

		created, err := svc.AddChannels(ctx, model.PlatformSlack, "u1", []ChannelSelection{
			{ContainerID: "T1", ContainerName: "Acme", ChannelID: "C1", ChannelName: "alerts"},
		})
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, "chan-1", created[0].ID)
		repo.AssertExpectations(t)
	})

	t.Run("returns the rows created before a failure", func(t *testing.T) {
		base := &model.Integration{ID: "base-1", Platform: model.PlatformSlack, UserID: "u1"}

		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindBase", ctx, model.PlatformSlack, "u1").Return(base, nil)
		repo.On("Upsert", ctx, mock.MatchedBy(func(p model.UpsertIntegrationParams) bool {
			return p.ChannelID != nil && *p.ChannelID == "C1"
		})).Return(&model.Integration{ID: "chan-1"}, nil)
		repo.On("Upsert", ctx, mock.MatchedBy(func(p model.UpsertIntegrationParams) bool {
			return p.ChannelID != nil && *p.ChannelID == "C2"
		})).Return(nil, fmt.Errorf("constraint violation"))

		created, err := svc.AddChannels(ctx, model.PlatformSlack, "u1", []ChannelSelection{
			{ChannelID: "C1"}, {ChannelID: "C2"},
		})
		require.Error(t, err)
		assert.Len(t, created, 1)
	})
}

func TestIntegrationActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("flips the row to active", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("UpdateStatus", ctx, "i1", model.StatusActive).
			Return(&model.Integration{ID: "i1", Status: model.StatusActive}, nil)

		integ, err := svc.Activate(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, integ.Status)
	})

	t.Run("deleted rows come back not found", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("UpdateStatus", ctx, "gone", model.StatusActive).Return(nil, nil)

		_, err := svc.Activate(ctx, "gone")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})
}

func TestIntegrationDelete(t *testing.T) {
	ctx := context.Background()
	row := &model.Integration{ID: "i1", UserID: "u1", Platform: model.PlatformTelegram}

	newService := func(repo *mockIntegrationRepo, conn *fakeConnector) *IntegrationService {
		connectors := map[model.Platform]platform.Connector{}
		if conn != nil {
			connectors[conn.name] = conn
		}
		return NewIntegrationService(repo, connectors)
	}

	t.Run("tears down remotely then soft-deletes", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		conn := &fakeConnector{name: model.PlatformTelegram}
		svc := newService(repo, conn)
		repo.On("FindByID", ctx, "i1").Return(row, nil)
		repo.On("SoftDeleteByID", ctx, "i1", "u1").Return(true, nil)

		require.NoError(t, svc.Delete(ctx, "u1", "i1"))
		assert.Equal(t, 1, conn.teardownCalls)
	})

	t.Run("teardown failure never blocks the local delete", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		conn := &fakeConnector{name: model.PlatformTelegram, teardownErr: fmt.Errorf("api down")}
		svc := newService(repo, conn)
		repo.On("FindByID", ctx, "i1").Return(row, nil)
		repo.On("SoftDeleteByID", ctx, "i1", "u1").Return(true, nil)

		require.NoError(t, svc.Delete(ctx, "u1", "i1"))
		assert.Equal(t, 1, conn.teardownCalls)
	})

	t.Run("ownership failures skip teardown entirely", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		conn := &fakeConnector{name: model.PlatformTelegram}
		svc := newService(repo, conn)
		repo.On("FindByID", ctx, "i1").Return(row, nil)

		err := svc.Delete(ctx, "intruder", "i1")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))
		assert.Zero(t, conn.teardownCalls)
		repo.AssertNotCalled(t, "SoftDeleteByID", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("row vanishing between read and delete is not found", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := newService(repo, nil)
		repo.On("FindByID", ctx, "i1").Return(row, nil)
		repo.On("SoftDeleteByID", ctx, "i1", "u1").Return(false, nil)

		err := svc.Delete(ctx, "u1", "i1")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})
}

func TestIntegrationDisconnectAll(t *testing.T) {
	ctx := context.Background()
	repo := new(mockIntegrationRepo)
	svc := NewIntegrationService(repo, nil)
	repo.On("SoftDeleteByUser", ctx, model.PlatformSlack, "u1").Return(int64(3), nil)

	n, err := svc.DisconnectAll(ctx, model.PlatformSlack, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestIntegrationSaveTokens(t *testing.T) {
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	t.Run("persists both tokens", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("UpdateTokens", ctx, "i1",
			mock.MatchedBy(func(p *string) bool { return p != nil && *p == "new-access" }),
			mock.MatchedBy(func(p *string) bool { return p != nil && *p == "new-refresh" }),
			mock.MatchedBy(func(p *time.Time) bool { return p != nil && p.Equal(expiresAt) }),
		).Return(nil)

		require.NoError(t, svc.SaveTokens(ctx, "i1", "new-access", "new-refresh", expiresAt))
		repo.AssertExpectations(t)
	})

	t.Run("empty refresh token leaves the stored one untouched", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("UpdateTokens", ctx, "i1",
			mock.MatchedBy(func(p *string) bool { return p != nil }),
			mock.MatchedBy(func(p *string) bool { return p == nil }),
			mock.Anything,
		).Return(nil)

		require.NoError(t, svc.SaveTokens(ctx, "i1", "new-access", "", expiresAt))
		repo.AssertExpectations(t)
	})
}

func TestIntegrationWebhookLookups(t *testing.T) {
	ctx := context.Background()

	t.Run("lists rows by container", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("FindAllByContainer", ctx, model.PlatformSlack, "T1").
			Return([]model.Integration{{ID: "a"}, {ID: "b"}}, nil)

		rows, err := svc.ListByContainer(ctx, model.PlatformSlack, "T1")
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("soft deletes one row on the platform's behalf", func(t *testing.T) {
		repo := new(mockIntegrationRepo)
		svc := NewIntegrationService(repo, nil)
		repo.On("SoftDeleteByID", ctx, "i1", "u1").Return(true, nil)

		err := svc.SoftDeleteRow(ctx, &model.Integration{ID: "i1", UserID: "u1"})
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})
}
