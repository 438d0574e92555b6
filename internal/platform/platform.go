package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/savos/drr2/internal/model"
)

const apiTimeout = 10 * time.Second

// Category buckets a send failure into user-actionable guidance.
type Category string

const (
	// CategoryUnreachable covers recipient-side problems: DM blocked by
	// privacy settings, chat deleted, user left.
	CategoryUnreachable Category = "unreachable"
	// CategoryPermission covers bot-side problems: missing channel
	// access or scopes.
	CategoryPermission Category = "permission"
	CategoryGeneric    Category = "generic"
)

// APIError is the single error kind all platform API failures surface
// as. Message carries the platform's own error description so callers
// can categorize it without touching transport details.
type APIError struct {
	Platform model.Platform
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Platform, e.Status, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Platform, e.Message)
}

// Identity is the platform-side user snapshot captured at connect time.
type Identity struct {
	ExternalUserID string
	Username       string
	DisplayName    string
	Email          string
}

// TokenBundle holds whichever credentials a platform issues. Fields
// left empty are a per-platform policy, not missing data: Discord
// deliberately stores no user token, Teams has no standing bot token.
type TokenBundle struct {
	BotToken     string
	UserToken    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	BotUserID    string
}

type Container struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContainerID string `json:"containerId,omitempty"`
}

// ConnectResult is everything CompleteConnect learns from a finished
// OAuth exchange.
type ConnectResult struct {
	Identity      Identity
	Tokens        TokenBundle
	ContainerID   string
	ContainerName string
	// GuildSnapshot is Discord's comma-joined list of guild ids the
	// user belonged to at connect time, captured before the user token
	// is discarded.
	GuildSnapshot string
}

// Credentials is what outbound calls need after connect.
type Credentials struct {
	BotToken    string
	UserToken   string
	AccessToken string
}

// Connector is the per-platform capability surface. Orchestration code
// stays platform-agnostic and is parameterized by one of these.
type Connector interface {
	Name() model.Platform
	AuthorizeURL(state string) (string, error)
	CompleteConnect(ctx context.Context, code string) (*ConnectResult, error)
	ListContainers(ctx context.Context, creds Credentials) ([]Container, error)
	ListChannels(ctx context.Context, creds Credentials, containerID string) ([]Channel, error)
	SendMessage(ctx context.Context, creds Credentials, channelID, text string) error
	SendTestMessage(ctx context.Context, integ *model.Integration, verificationURL string) error
	// Teardown is best-effort remote cleanup. Callers log and swallow
	// the error; it never blocks a local delete.
	Teardown(ctx context.Context, integ *model.Integration) error
	CategorizeSendError(err error) Category
}

// ErrNotSupported marks operations a platform has no equivalent for,
// such as OAuth on Telegram.
var ErrNotSupported = fmt.Errorf("operation not supported on this platform")

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: apiTimeout}
}

// doJSON performs a request and decodes the response body into out
// (when non-nil), returning the raw body and HTTP status for callers
// that need body-level status checks.
func doJSON(client *http.Client, req *http.Request, out any) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, err
		}
	}
	return resp.StatusCode, body, nil
}

func jsonBody(v any) (*bytes.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
