package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-chi/jwtauth/v5"

	"github.com/savos/drr2/internal/config"
	apperrors "github.com/savos/drr2/internal/errors"
	"github.com/savos/drr2/internal/model"
)

// VerificationService issues and redeems the signed tokens embedded in
// test messages. Redeeming one is the only way a channel moves from
// enabled to active.
type VerificationService struct {
	tokenAuth    *jwtauth.JWTAuth
	integrations *IntegrationService
	apiBaseURL   string
}

func NewVerificationService(secret string, integrations *IntegrationService, apiBaseURL string) *VerificationService {
	return &VerificationService{
		tokenAuth:    jwtauth.New("HS256", []byte(secret), nil),
		integrations: integrations,
		apiBaseURL:   strings.TrimSuffix(apiBaseURL, "/"),
	}
}

func verifyPurpose(p model.Platform) string {
	return string(p) + "_verify"
}

// Issue signs a verification token bound to one integration and its
// owner.
func (s *VerificationService) Issue(integ *model.Integration) (string, error) {
	claims := map[string]any{
		"purpose":        verifyPurpose(integ.Platform),
		"integration_id": integ.ID,
		"user_id":        integ.UserID,
	}
	jwtauth.SetExpiryIn(claims, config.VerificationTokenTTL)

	_, token, err := s.tokenAuth.Encode(claims)
	if err != nil {
		return "", fmt.Errorf("sign verification token: %w", err)
	}
	return token, nil
}

// VerificationURL builds the signed link placed in test messages.
func (s *VerificationService) VerificationURL(integ *model.Integration) (string, error) {
	token, err := s.Issue(integ)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/api/%s/verify?token=%s", s.apiBaseURL, integ.Platform, url.QueryEscape(token)), nil
}

// Redeem validates a signed token and flips the referenced integration
// to active. Purpose and owner mismatches are rejected outright.
func (s *VerificationService) Redeem(ctx context.Context, p model.Platform, rawToken string) (*model.Integration, error) {
	token, err := jwtauth.VerifyToken(s.tokenAuth, rawToken)
	if err != nil {
		return nil, apperrors.InvalidToken("Verification token is invalid or expired")
	}

	purpose, _ := token.Get("purpose")
	if purpose != verifyPurpose(p) {
		return nil, apperrors.InvalidToken("Verification token purpose mismatch")
	}
	integrationID, _ := token.Get("integration_id")
	tokenUserID, _ := token.Get("user_id")
	idStr, _ := integrationID.(string)
	userStr, _ := tokenUserID.(string)
	if idStr == "" || userStr == "" {
		return nil, apperrors.InvalidToken("Verification token missing claims")
	}

	integ, err := s.integrations.GetOwned(ctx, userStr, idStr)
	if err != nil {
		// GetOwned returns Forbidden when the token's user does not
		// own the row; pass that through unchanged.
		return nil, err
	}

	return s.integrations.Activate(ctx, integ.ID)
}

// VerifyOwned is the authenticated variant: the caller proves
// ownership through the session rather than a signed link.
func (s *VerificationService) VerifyOwned(ctx context.Context, userID, integrationID string) (*model.Integration, error) {
	integ, err := s.integrations.GetOwned(ctx, userID, integrationID)
	if err != nil {
		return nil, err
	}
	return s.integrations.Activate(ctx, integ.ID)
}
