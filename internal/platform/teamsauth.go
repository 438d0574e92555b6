package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Bot Framework channel-service environments. Each has its own OpenID
// discovery document and token issuer.
var botFrameworkEnvs = map[string]struct {
	metadataURL string
	issuer      string
}{
	"public": {
		metadataURL: "https://login.botframework.com/v1/.well-known/openidconfiguration",
		issuer:      "https://api.botframework.com",
	},
	"usgov": {
		metadataURL: "https://login.botframework.azure.us/v1/.well-known/openidconfiguration",
		issuer:      "https://api.botframework.us",
	},
	"china": {
		metadataURL: "https://login.botframework.azure.cn/v1/.well-known/openidconfiguration",
		issuer:      "https://api.botframework.azure.cn",
	},
}

const jwksCacheTTL = time.Hour

// BotTokenValidator verifies inbound Bot Framework JWTs for the Teams
// webhook: signature against the environment's JWKS, audience (the
// bot's own app id), issuer, expiry, and the serviceUrl claim.
type BotTokenValidator struct {
	botAppID    string
	issuer      string
	metadataURL string
	client      *http.Client

	mu        sync.Mutex
	keys      jwk.Set
	fetchedAt time.Time
	now       func() time.Time
}

func NewBotTokenValidator(botAppID, channelService string) (*BotTokenValidator, error) {
	env, ok := botFrameworkEnvs[channelService]
	if !ok {
		return nil, fmt.Errorf("unknown channel service environment %q", channelService)
	}
	return &BotTokenValidator{
		botAppID:    botAppID,
		issuer:      env.issuer,
		metadataURL: env.metadataURL,
		client:      newHTTPClient(),
		now:         time.Now,
	}, nil
}

// Validate checks rawToken and, when declaredServiceURL is non-empty,
// compares it against the token's serviceUrl claim.
func (v *BotTokenValidator) Validate(ctx context.Context, rawToken, declaredServiceURL string) error {
	keys, err := v.keySet(ctx)
	if err != nil {
		return fmt.Errorf("fetch bot framework keys: %w", err)
	}

	tok, err := jwt.Parse([]byte(rawToken),
		jwt.WithKeySet(keys),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.botAppID),
	)
	if err != nil {
		return fmt.Errorf("invalid bot framework token: %w", err)
	}

	if declaredServiceURL == "" {
		return nil
	}
	claim, ok := tok.Get("serviceUrl")
	if !ok {
		return fmt.Errorf("token missing serviceUrl claim")
	}
	claimed, _ := claim.(string)
	if strings.TrimSuffix(claimed, "/") != strings.TrimSuffix(declaredServiceURL, "/") {
		return fmt.Errorf("serviceUrl claim mismatch")
	}
	return nil
}

// keySet returns the cached JWKS, re-fetching after the TTL lapses.
// The cached set is immutable per fetch; last writer wins on refresh.
func (v *BotTokenValidator) keySet(ctx context.Context) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil && v.now().Sub(v.fetchedAt) < jwksCacheTTL {
		return v.keys, nil
	}

	jwksURI, err := v.discoverJWKSURI(ctx)
	if err != nil {
		if v.keys != nil {
			return v.keys, nil
		}
		return nil, err
	}
	set, err := jwk.Fetch(ctx, jwksURI, jwk.WithHTTPClient(v.client))
	if err != nil {
		if v.keys != nil {
			return v.keys, nil
		}
		return nil, err
	}

	v.keys = set
	v.fetchedAt = v.now()
	return set, nil
}

func (v *BotTokenValidator) discoverJWKSURI(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.metadataURL, nil)
	if err != nil {
		return "", err
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	status, _, err := doJSON(v.client, req, &meta)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK || meta.JWKSURI == "" {
		return "", fmt.Errorf("openid configuration fetch failed (status %d)", status)
	}
	return meta.JWKSURI, nil
}
