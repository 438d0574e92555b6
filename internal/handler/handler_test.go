package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/savos/drr2/internal/middleware"
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/repository"
	"github.com/savos/drr2/internal/service"
)

const testUserID = "u1"

// stubAuth replaces the JWT middleware: every request is authenticated
// as testUserID.
func stubAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.UserContextKey, testUserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// stubIntegrationRepo implements repository.IntegrationRepository with
// overridable functions; unset methods return zero values.
type stubIntegrationRepo struct {
	findByID              func(ctx context.Context, id string) (*model.Integration, error)
	findBase              func(ctx context.Context, p model.Platform, userID string) (*model.Integration, error)
	findAllByUser         func(ctx context.Context, p model.Platform, userID string) ([]model.Integration, error)
	findAllByContainer    func(ctx context.Context, p model.Platform, containerID string) ([]model.Integration, error)
	findAllByExternalUser func(ctx context.Context, p model.Platform, externalUserID string) ([]model.Integration, error)
	findAllByChannel      func(ctx context.Context, p model.Platform, channelID string) ([]model.Integration, error)
	upsert                func(ctx context.Context, params model.UpsertIntegrationParams) (*model.Integration, error)
	updateStatus          func(ctx context.Context, id string, status model.IntegrationStatus) (*model.Integration, error)
	softDeleteByID        func(ctx context.Context, id, userID string) (bool, error)
	softDeleteByUser      func(ctx context.Context, p model.Platform, userID string) (int64, error)
}

func (s *stubIntegrationRepo) FindByID(ctx context.Context, id string) (*model.Integration, error) {
	if s.findByID != nil {
		return s.findByID(ctx, id)
	}
	return nil, nil
}

func (s *stubIntegrationRepo) FindBase(ctx context.Context, p model.Platform, userID string) (*model.Integration, error) {
	if s.findBase != nil {
		return s.findBase(ctx, p, userID)
	}
	return nil, nil
}

func (s *stubIntegrationRepo) FindByChannel(ctx context.Context, p model.Platform, userID string, containerID, channelID *string) (*model.Integration, error) {
	return nil, nil
}

func (s *stubIntegrationRepo) FindAllByUser(ctx context.Context, p model.Platform, userID string) ([]model.Integration, error) {
	if s.findAllByUser != nil {
		return s.findAllByUser(ctx, p, userID)
	}
	return nil, nil
}

func (s *stubIntegrationRepo) FindAllByContainer(ctx context.Context, p model.Platform, containerID string) ([]model.Integration, error) {
	if s.findAllByContainer != nil {
		return s.findAllByContainer(ctx, p, containerID)
	}
	return nil, nil
}

func (s *stubIntegrationRepo) FindAllByExternalUser(ctx context.Context, p model.Platform, externalUserID string) ([]model.Integration, error) {
	if s.findAllByExternalUser != nil {
		return s.findAllByExternalUser(ctx, p, externalUserID)
	}
	return nil, nil
}

func (s *stubIntegrationRepo) FindAllByChannel(ctx context.Context, p model.Platform, channelID string) ([]model.Integration, error) {
	if s.findAllByChannel != nil {
		return s.findAllByChannel(ctx, p, channelID)
	}
	return nil, nil
}

func (s *stubIntegrationRepo) Upsert(ctx context.Context, params model.UpsertIntegrationParams) (*model.Integration, error) {
	if s.upsert != nil {
		return s.upsert(ctx, params)
	}
	return &model.Integration{ID: "new"}, nil
}

func (s *stubIntegrationRepo) Update(ctx context.Context, id string, params model.UpdateIntegrationParams) (*model.Integration, error) {
	return nil, nil
}

func (s *stubIntegrationRepo) UpdateStatus(ctx context.Context, id string, status model.IntegrationStatus) (*model.Integration, error) {
	if s.updateStatus != nil {
		return s.updateStatus(ctx, id, status)
	}
	return &model.Integration{ID: id, UserID: testUserID, Status: status}, nil
}

func (s *stubIntegrationRepo) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken *string, expiresAt *time.Time) error {
	return nil
}

func (s *stubIntegrationRepo) SoftDeleteByID(ctx context.Context, id, userID string) (bool, error) {
	if s.softDeleteByID != nil {
		return s.softDeleteByID(ctx, id, userID)
	}
	return true, nil
}

func (s *stubIntegrationRepo) SoftDeleteByUser(ctx context.Context, p model.Platform, userID string) (int64, error) {
	if s.softDeleteByUser != nil {
		return s.softDeleteByUser(ctx, p, userID)
	}
	return 0, nil
}

func (s *stubIntegrationRepo) WithTx(tx *sqlx.Tx) repository.IntegrationRepository { return s }

type stubStateRepo struct {
	create  func(ctx context.Context, params model.CreateOAuthStateParams) (*model.OAuthState, error)
	consume func(ctx context.Context, state string, p model.Platform) (*model.OAuthState, error)
}

func (s *stubStateRepo) Create(ctx context.Context, params model.CreateOAuthStateParams) (*model.OAuthState, error) {
	if s.create != nil {
		return s.create(ctx, params)
	}
	return &model.OAuthState{State: params.State, Platform: params.Platform, UserID: params.UserID}, nil
}

func (s *stubStateRepo) Consume(ctx context.Context, state string, p model.Platform) (*model.OAuthState, error) {
	if s.consume != nil {
		return s.consume(ctx, state, p)
	}
	return nil, nil
}

func (s *stubStateRepo) DeleteExpired(ctx context.Context) (int64, error) { return 0, nil }

type stubConversationRepo struct {
	findPersonalByUser func(ctx context.Context, userID string) (*model.TeamsConversation, error)
	upsert             func(ctx context.Context, params model.UpsertTeamsConversationParams) (*model.TeamsConversation, error)
}

func (s *stubConversationRepo) Upsert(ctx context.Context, params model.UpsertTeamsConversationParams) (*model.TeamsConversation, error) {
	if s.upsert != nil {
		return s.upsert(ctx, params)
	}
	return &model.TeamsConversation{}, nil
}

func (s *stubConversationRepo) FindPersonalByUser(ctx context.Context, userID string) (*model.TeamsConversation, error) {
	if s.findPersonalByUser != nil {
		return s.findPersonalByUser(ctx, userID)
	}
	return nil, nil
}

func (s *stubConversationRepo) FindByTeamsUser(ctx context.Context, teamsUserID string) (*model.TeamsConversation, error) {
	return nil, nil
}

func (s *stubConversationRepo) DeleteByUser(ctx context.Context, userID string) error { return nil }

// stubConnector is a platform.Connector for routes that never reach a
// real chat API in these tests.
type stubConnector struct {
	name model.Platform

	sendTestErr   error
	sendTestCalls int
	sendCategory  platform.Category

	teardownCalls int
}

func (c *stubConnector) Name() model.Platform { return c.name }

func (c *stubConnector) AuthorizeURL(state string) (string, error) {
	return "https://platform.example.com/authorize?state=" + state, nil
}

func (c *stubConnector) CompleteConnect(ctx context.Context, code string) (*platform.ConnectResult, error) {
	return nil, platform.ErrNotSupported
}

func (c *stubConnector) ListContainers(ctx context.Context, creds platform.Credentials) ([]platform.Container, error) {
	return nil, nil
}

func (c *stubConnector) ListChannels(ctx context.Context, creds platform.Credentials, containerID string) ([]platform.Channel, error) {
	return nil, nil
}

func (c *stubConnector) SendMessage(ctx context.Context, creds platform.Credentials, channelID, text string) error {
	return nil
}

func (c *stubConnector) SendTestMessage(ctx context.Context, integ *model.Integration, verificationURL string) error {
	c.sendTestCalls++
	return c.sendTestErr
}

func (c *stubConnector) Teardown(ctx context.Context, integ *model.Integration) error {
	c.teardownCalls++
	return nil
}

func (c *stubConnector) CategorizeSendError(err error) platform.Category {
	if c.sendCategory != "" {
		return c.sendCategory
	}
	return platform.CategoryGeneric
}

type testServices struct {
	integrations *service.IntegrationService
	oauth        *service.OAuthService
	verification *service.VerificationService
}

func newTestServices(repo repository.IntegrationRepository, states repository.OAuthStateRepository, conn platform.Connector) testServices {
	connectors := map[model.Platform]platform.Connector{}
	if conn != nil {
		connectors[conn.Name()] = conn
	}
	integrations := service.NewIntegrationService(repo, connectors)
	return testServices{
		integrations: integrations,
		oauth:        service.NewOAuthService(states, integrations, "https://app.example.com", 10*time.Minute),
		verification: service.NewVerificationService("handler-test-signing-secret-0123456789", integrations, "https://api.example.com"),
	}
}
