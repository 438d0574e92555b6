package platform

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// botFrameworkFixture stands in for the Bot Framework OpenID discovery
// and JWKS endpoints with a locally generated signing key.
type botFrameworkFixture struct {
	srv           *httptest.Server
	signingKey    jwk.Key
	metadataCalls atomic.Int64
}

func newBotFrameworkFixture(t *testing.T) *botFrameworkFixture {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signingKey, err := jwk.FromRaw(priv)
	require.NoError(t, err)
	require.NoError(t, signingKey.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, signingKey.Set(jwk.AlgorithmKey, jwa.RS256))

	pubKey, err := jwk.FromRaw(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pubKey.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, pubKey.Set(jwk.AlgorithmKey, jwa.RS256))
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(pubKey))

	f := &botFrameworkFixture{signingKey: signingKey}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/.well-known/openidconfiguration", func(w http.ResponseWriter, r *http.Request) {
		f.metadataCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"jwks_uri": f.srv.URL + "/v1/keys"})
	})
	mux.HandleFunc("/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(keySet)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *botFrameworkFixture) validator(t *testing.T) *BotTokenValidator {
	t.Helper()
	v, err := NewBotTokenValidator("bot-app-id", "public")
	require.NoError(t, err)
	v.metadataURL = f.srv.URL + "/v1/.well-known/openidconfiguration"
	return v
}

type botTokenOpts struct {
	issuer     string
	audience   string
	serviceURL string
	expiresAt  time.Time
	key        jwk.Key
}

func (f *botFrameworkFixture) signToken(t *testing.T, opts botTokenOpts) string {
	t.Helper()

	if opts.issuer == "" {
		opts.issuer = "https://api.botframework.com"
	}
	if opts.audience == "" {
		opts.audience = "bot-app-id"
	}
	if opts.expiresAt.IsZero() {
		opts.expiresAt = time.Now().Add(10 * time.Minute)
	}
	if opts.key == nil {
		opts.key = f.signingKey
	}

	builder := jwt.NewBuilder().
		Issuer(opts.issuer).
		Audience([]string{opts.audience}).
		IssuedAt(time.Now()).
		Expiration(opts.expiresAt)
	if opts.serviceURL != "" {
		builder = builder.Claim("serviceUrl", opts.serviceURL)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, opts.key))
	require.NoError(t, err)
	return string(signed)
}

func TestNewBotTokenValidator(t *testing.T) {
	t.Run("known environments resolve", func(t *testing.T) {
		for _, env := range []string{"public", "usgov", "china"} {
			_, err := NewBotTokenValidator("app", env)
			assert.NoError(t, err, env)
		}
	})

	t.Run("unknown environment is rejected", func(t *testing.T) {
		_, err := NewBotTokenValidator("app", "moonbase")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "moonbase")
	})
}

func TestBotTokenValidate(t *testing.T) {
	f := newBotFrameworkFixture(t)
	ctx := context.Background()

	t.Run("accepts a well formed token", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{serviceURL: "https://smba.trafficmanager.net/amer/"})

		err := v.Validate(ctx, raw, "https://smba.trafficmanager.net/amer/")
		assert.NoError(t, err)
	})

	t.Run("normalizes trailing slashes on serviceUrl", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{serviceURL: "https://smba.trafficmanager.net/amer/"})

		err := v.Validate(ctx, raw, "https://smba.trafficmanager.net/amer")
		assert.NoError(t, err)
	})

	t.Run("skips serviceUrl comparison when no url was declared", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{})

		err := v.Validate(ctx, raw, "")
		assert.NoError(t, err)
	})

	t.Run("rejects a serviceUrl mismatch", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{serviceURL: "https://attacker.example.com"})

		err := v.Validate(ctx, raw, "https://smba.trafficmanager.net/amer/")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "serviceUrl claim mismatch")
	})

	t.Run("rejects a token without a serviceUrl claim", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{})

		err := v.Validate(ctx, raw, "https://smba.trafficmanager.net/amer/")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing serviceUrl")
	})

	t.Run("rejects the wrong audience", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{audience: "someone-elses-bot"})

		err := v.Validate(ctx, raw, "")
		assert.Error(t, err)
	})

	t.Run("rejects the wrong issuer", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{issuer: "https://evil.example.com"})

		err := v.Validate(ctx, raw, "")
		assert.Error(t, err)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{expiresAt: time.Now().Add(-time.Minute)})

		err := v.Validate(ctx, raw, "")
		assert.Error(t, err)
	})

	t.Run("rejects a token signed by an unknown key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		otherKey, err := jwk.FromRaw(other)
		require.NoError(t, err)
		require.NoError(t, otherKey.Set(jwk.KeyIDKey, "test-key"))
		require.NoError(t, otherKey.Set(jwk.AlgorithmKey, jwa.RS256))

		v := f.validator(t)
		raw := f.signToken(t, botTokenOpts{key: otherKey})

		err = v.Validate(ctx, raw, "")
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		v := f.validator(t)
		assert.Error(t, v.Validate(ctx, "not.a.jwt", ""))
	})
}

func TestBotTokenValidatorCachesJWKS(t *testing.T) {
	f := newBotFrameworkFixture(t)
	v := f.validator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		raw := f.signToken(t, botTokenOpts{})
		require.NoError(t, v.Validate(ctx, raw, ""))
	}
	assert.Equal(t, int64(1), f.metadataCalls.Load())
}

func TestBotTokenValidatorRefetchesAfterTTL(t *testing.T) {
	f := newBotFrameworkFixture(t)
	v := f.validator(t)
	ctx := context.Background()

	base := time.Now()
	v.now = func() time.Time { return base }
	require.NoError(t, v.Validate(ctx, f.signToken(t, botTokenOpts{}), ""))

	v.now = func() time.Time { return base.Add(jwksCacheTTL + time.Minute) }
	require.NoError(t, v.Validate(ctx, f.signToken(t, botTokenOpts{}), ""))

	assert.Equal(t, int64(2), f.metadataCalls.Load())
}
