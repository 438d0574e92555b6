package model

import "time"

type OAuthState struct {
	ID        string    `db:"id"`
	State     string    `db:"state"`
	Platform  Platform  `db:"platform"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

type CreateOAuthStateParams struct {
	State     string
	Platform  Platform
	UserID    string
	ExpiresAt time.Time
}
