package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const sessionsPath = "/v0.5/sessions"

// sessionRefreshMargin renews the token this long before its stated expiry so
// a callback never rides a token about to lapse mid-flight.
const sessionRefreshMargin = 30 * time.Second

// CallbackSender is how actor services hand their asynchronous replies to the
// gateway. Implementations must not block the caller's accept path; services
// invoke this from background tasks only.
type CallbackSender interface {
	SendCallback(ctx context.Context, callbackPath string, payload any) error
}

// Credentials identify one enrolled participant at the gateway's session
// endpoint.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// CallbackClient posts replies to the gateway's callback endpoints over HTTP,
// keeping actors decoupled from the router even when co-located. The callback
// surface sits behind the gateway's bearer perimeter, so the client opens a
// session with its actor's credentials and renews it as needed.
type CallbackClient struct {
	client  *Client
	baseURL string
	creds   Credentials

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewCallbackClient constructs a sender targeting the given gateway base URL,
// authenticating as the participant the credentials name.
func NewCallbackClient(client *Client, gatewayBaseURL string, creds Credentials) *CallbackClient {
	return &CallbackClient{
		client:  client,
		baseURL: strings.TrimRight(gatewayBaseURL, "/"),
		creds:   creds,
	}
}

// SendCallback implements CallbackSender. A 401 invalidates the cached
// session and the post is retried once with a fresh token.
func (c *CallbackClient) SendCallback(ctx context.Context, callbackPath string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	token, err := c.session(ctx)
	if err != nil {
		return err
	}
	err = c.client.PostRawBearer(ctx, "gateway", c.baseURL+callbackPath, body, token)
	if !IsUnauthorized(err) {
		return err
	}

	c.invalidate(token)
	token, err = c.session(ctx)
	if err != nil {
		return err
	}
	return c.client.PostRawBearer(ctx, "gateway", c.baseURL+callbackPath, body, token)
}

// session returns the cached token, opening a new session when none is live.
func (c *CallbackClient) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	var issued struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	req := map[string]string{
		"clientId":     c.creds.ClientID,
		"clientSecret": c.creds.ClientSecret,
	}
	if err := c.client.PostForResult(ctx, "gateway", c.baseURL+sessionsPath, req, &issued); err != nil {
		return "", fmt.Errorf("open gateway session as %s: %w", c.creds.ClientID, err)
	}
	if issued.AccessToken == "" {
		return "", fmt.Errorf("open gateway session as %s: empty access token", c.creds.ClientID)
	}

	c.token = issued.AccessToken
	c.expires = time.Now().Add(time.Duration(issued.ExpiresIn)*time.Second - sessionRefreshMargin)
	return c.token, nil
}

func (c *CallbackClient) invalidate(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = ""
	}
}
