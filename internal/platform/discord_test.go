package platform

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/util"
)

func testDiscordConnector(apiBase string, cfg DiscordConfig) *DiscordConnector {
	if cfg.ClientID == "" {
		cfg.ClientID = "client-id"
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = "client-secret"
	}
	c := NewDiscordConnector(cfg)
	if apiBase != "" {
		c.apiBase = apiBase
	}
	return c
}

func TestDiscordVerifyInteractionSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	c := testDiscordConnector("", DiscordConfig{PublicKey: hex.EncodeToString(pub)})
	c.now = func() time.Time { return now }

	body := []byte(`{"type":1}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	sign := func(timestamp string, payload []byte) string {
		return hex.EncodeToString(ed25519.Sign(priv, append([]byte(timestamp), payload...)))
	}

	t.Run("accepts valid signature", func(t *testing.T) {
		assert.NoError(t, c.VerifyInteractionSignature(ts, body, sign(ts, body)))
	})

	t.Run("rejects tampered body", func(t *testing.T) {
		assert.Error(t, c.VerifyInteractionSignature(ts, []byte(`{"type":2}`), sign(ts, body)))
	})

	t.Run("rejects signature from another key", func(t *testing.T) {
		_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		sig := hex.EncodeToString(ed25519.Sign(otherPriv, append([]byte(ts), body...)))

		assert.Error(t, c.VerifyInteractionSignature(ts, body, sig))
	})

	t.Run("rejects stale timestamp even when signed", func(t *testing.T) {
		stale := strconv.FormatInt(now.Unix()-301, 10)
		err := c.VerifyInteractionSignature(stale, body, sign(stale, body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "replay window")
	})

	t.Run("rejects malformed signature hex", func(t *testing.T) {
		assert.Error(t, c.VerifyInteractionSignature(ts, body, "zz-not-hex"))
	})

	t.Run("rejects malformed public key", func(t *testing.T) {
		bad := testDiscordConnector("", DiscordConfig{PublicKey: "deadbeef"})
		bad.now = func() time.Time { return now }
		assert.Error(t, bad.VerifyInteractionSignature(ts, body, sign(ts, body)))
	})
}

func TestDiscordVerifyEventSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := testDiscordConnector("", DiscordConfig{SigningSecret: "event-secret"})
	c.now = func() time.Time { return now }

	body := []byte(`{"type":"member_joined_channel"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	sign := func(secret, timestamp string, payload []byte) string {
		return "v0=" + util.HmacSHA256(secret, fmt.Sprintf("v0:%s:%s", timestamp, payload))
	}

	t.Run("accepts valid hmac", func(t *testing.T) {
		assert.NoError(t, c.VerifyEventSignature(ts, body, sign("event-secret", ts, body)))
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		assert.Error(t, c.VerifyEventSignature(ts, body, sign("other-secret", ts, body)))
	})

	t.Run("rejects timestamp outside window", func(t *testing.T) {
		stale := strconv.FormatInt(now.Unix()-400, 10)
		assert.Error(t, c.VerifyEventSignature(stale, body, sign("event-secret", stale, body)))
	})
}

func TestDiscordCompleteConnect(t *testing.T) {
	t.Run("exchanges code and snapshots guilds", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/oauth2/token":
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
				fmt.Fprint(w, `{"access_token": "user-access-token"}`)
			case "/users/@me":
				assert.Equal(t, "Bearer user-access-token", r.Header.Get("Authorization"))
				fmt.Fprint(w, `{"id": "111", "username": "jdoe", "global_name": "J Doe"}`)
			case "/users/@me/guilds":
				fmt.Fprint(w, `[{"id": "G1", "name": "Alpha"}, {"id": "G2", "name": "Beta"}]`)
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		defer srv.Close()

		c := testDiscordConnector(srv.URL, DiscordConfig{BotToken: "bot-token"})
		result, err := c.CompleteConnect(context.Background(), "the-code")
		require.NoError(t, err)

		assert.Equal(t, "111", result.Identity.ExternalUserID)
		assert.Equal(t, "jdoe", result.Identity.Username)
		assert.Equal(t, "G1,G2", result.GuildSnapshot)
		// The user access token is discarded; only the bot token is kept.
		assert.Equal(t, "bot-token", result.Tokens.BotToken)
		assert.Empty(t, result.Tokens.AccessToken)
		assert.Empty(t, result.Tokens.UserToken)
	})

	t.Run("surfaces token endpoint error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "Invalid code"}`)
		}))
		defer srv.Close()

		c := testDiscordConnector(srv.URL, DiscordConfig{})
		_, err := c.CompleteConnect(context.Background(), "bad-code")
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Contains(t, apiErr.Message, "Invalid code")
	})
}

func TestDiscordListChannels(t *testing.T) {
	t.Run("keeps only text and announcement channels", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/guilds/G1/channels", r.URL.Path)
			assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
			fmt.Fprint(w, `[
				{"id": "C1", "name": "general", "type": 0},
				{"id": "C2", "name": "voice", "type": 2},
				{"id": "C3", "name": "announcements", "type": 5},
				{"id": "C4", "name": "category", "type": 4}
			]`)
		}))
		defer srv.Close()

		c := testDiscordConnector(srv.URL, DiscordConfig{BotToken: "bot-token"})
		channels, err := c.ListChannels(context.Background(), Credentials{}, "G1")
		require.NoError(t, err)

		require.Len(t, channels, 2)
		assert.Equal(t, "C1", channels[0].ID)
		assert.Equal(t, "C3", channels[1].ID)
		assert.Equal(t, "G1", channels[0].ContainerID)
	})
}

func TestDiscordBotInviteURL(t *testing.T) {
	c := testDiscordConnector("", DiscordConfig{})

	t.Run("includes permissions and guild", func(t *testing.T) {
		u := c.BotInviteURL("G42")
		assert.Contains(t, u, "scope=bot")
		assert.Contains(t, u, "permissions="+discordInvitePermissions)
		assert.Contains(t, u, "guild_id=G42")
	})

	t.Run("omits guild when unset", func(t *testing.T) {
		assert.NotContains(t, c.BotInviteURL(""), "guild_id")
	})
}

func TestDiscordCategorizeSendError(t *testing.T) {
	c := testDiscordConnector("", DiscordConfig{})

	tests := []struct {
		message  string
		expected Category
	}{
		{"Cannot send messages to this user", CategoryUnreachable},
		{"Unknown Channel", CategoryUnreachable},
		{"Unknown User", CategoryUnreachable},
		{"Missing Access", CategoryPermission},
		{"Missing Permissions", CategoryPermission},
		{"You are being rate limited.", CategoryGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			err := &APIError{Platform: model.PlatformDiscord, Message: tt.message}
			assert.Equal(t, tt.expected, c.CategorizeSendError(err))
		})
	}

	t.Run("plain errors are generic", func(t *testing.T) {
		assert.Equal(t, CategoryGeneric, c.CategorizeSendError(errors.New("boom")))
	})
}
