package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/repository"
)

type mockIntegrationRepo struct {
	mock.Mock
}

func (m *mockIntegrationRepo) FindByID(ctx context.Context, id string) (*model.Integration, error) {
	args := m.Called(ctx, id)
	return asIntegration(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) FindBase(ctx context.Context, p model.Platform, userID string) (*model.Integration, error) {
	args := m.Called(ctx, p, userID)
	return asIntegration(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) FindByChannel(ctx context.Context, p model.Platform, userID string, containerID, channelID *string) (*model.Integration, error) {
	args := m.Called(ctx, p, userID, containerID, channelID)
	return asIntegration(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) FindAllByUser(ctx context.Context, p model.Platform, userID string) ([]model.Integration, error) {
	args := m.Called(ctx, p, userID)
	return asIntegrations(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) FindAllByContainer(ctx context.Context, p model.Platform, containerID string) ([]model.Integration, error) {
	args := m.Called(ctx, p, containerID)
	return asIntegrations(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) FindAllByExternalUser(ctx context.Context, p model.Platform, externalUserID string) ([]model.Integration, error) {
	args := m.Called(ctx, p, externalUserID)
	return asIntegrations(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) FindAllByChannel(ctx context.Context, p model.Platform, channelID string) ([]model.Integration, error) {
	args := m.Called(ctx, p, channelID)
	return asIntegrations(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) Upsert(ctx context.Context, params model.UpsertIntegrationParams) (*model.Integration, error) {
	args := m.Called(ctx, params)
	return asIntegration(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) Update(ctx context.Context, id string, params model.UpdateIntegrationParams) (*model.Integration, error) {
	args := m.Called(ctx, id, params)
	return asIntegration(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) UpdateStatus(ctx context.Context, id string, status model.IntegrationStatus) (*model.Integration, error) {
	args := m.Called(ctx, id, status)
	return asIntegration(args.Get(0)), args.Error(1)
}

func (m *mockIntegrationRepo) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken *string, expiresAt *time.Time) error {
	args := m.Called(ctx, id, accessToken, refreshToken, expiresAt)
	return args.Error(0)
}

func (m *mockIntegrationRepo) SoftDeleteByID(ctx context.Context, id, userID string) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockIntegrationRepo) SoftDeleteByUser(ctx context.Context, p model.Platform, userID string) (int64, error) {
	args := m.Called(ctx, p, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockIntegrationRepo) WithTx(tx *sqlx.Tx) repository.IntegrationRepository {
	return m
}

func asIntegration(v any) *model.Integration {
	if v == nil {
		return nil
	}
	return v.(*model.Integration)
}

func asIntegrations(v any) []model.Integration {
	if v == nil {
		return nil
	}
	return v.([]model.Integration)
}

type mockOAuthStateRepo struct {
	mock.Mock
}

func (m *mockOAuthStateRepo) Create(ctx context.Context, params model.CreateOAuthStateParams) (*model.OAuthState, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OAuthState), args.Error(1)
}

func (m *mockOAuthStateRepo) Consume(ctx context.Context, state string, p model.Platform) (*model.OAuthState, error) {
	args := m.Called(ctx, state, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OAuthState), args.Error(1)
}

func (m *mockOAuthStateRepo) DeleteExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// fakeConnector is a hand-rolled platform.Connector for orchestration
// tests that never touch a real platform API.
type fakeConnector struct {
	name model.Platform

	connectResult *platform.ConnectResult
	connectErr    error

	teardownErr   error
	teardownCalls int
}

func (f *fakeConnector) Name() model.Platform { return f.name }

func (f *fakeConnector) AuthorizeURL(state string) (string, error) {
	return "https://platform.example.com/authorize?state=" + state, nil
}

func (f *fakeConnector) CompleteConnect(ctx context.Context, code string) (*platform.ConnectResult, error) {
	return f.connectResult, f.connectErr
}

func (f *fakeConnector) ListContainers(ctx context.Context, creds platform.Credentials) ([]platform.Container, error) {
	return nil, nil
}

func (f *fakeConnector) ListChannels(ctx context.Context, creds platform.Credentials, containerID string) ([]platform.Channel, error) {
	return nil, nil
}

func (f *fakeConnector) SendMessage(ctx context.Context, creds platform.Credentials, channelID, text string) error {
	return nil
}

func (f *fakeConnector) SendTestMessage(ctx context.Context, integ *model.Integration, verificationURL string) error {
	return nil
}

func (f *fakeConnector) Teardown(ctx context.Context, integ *model.Integration) error {
	f.teardownCalls++
	return f.teardownErr
}

func (f *fakeConnector) CategorizeSendError(err error) platform.Category {
	return platform.CategoryGeneric
}

func strp(s string) *string { return &s }
