package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway mimics the router perimeter: sessions are issued at the token
// endpoint and every callback post must carry a live bearer token.
type fakeGateway struct {
	mu           sync.Mutex
	secret       string
	issued       int
	revoked      map[string]bool
	callbackAuth []string
}

func newFakeGateway(secret string) *fakeGateway {
	return &fakeGateway{secret: secret, revoked: make(map[string]bool)}
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v0.5/sessions", func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			ClientID     string `json:"clientId"`
			ClientSecret string `json:"clientSecret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.ClientSecret != g.secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		g.mu.Lock()
		g.issued++
		token := fmt.Sprintf("tok-%d", g.issued)
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": token,
			"tokenType":   "bearer",
			"expiresIn":   1200,
		})
	})
	mux.HandleFunc("/v0.5/care-contexts/on-discover", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		g.mu.Lock()
		g.callbackAuth = append(g.callbackAuth, auth)
		current := fmt.Sprintf("Bearer tok-%d", g.issued)
		rejected := auth != current || g.revoked[auth]
		g.mu.Unlock()
		if rejected {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func (g *fakeGateway) revoke(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked["Bearer "+token] = true
}

func (g *fakeGateway) sessionsIssued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued
}

func (g *fakeGateway) auths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.callbackAuth...)
}

func newCallbackClientUnderTest(t *testing.T, gw *fakeGateway) (*CallbackClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(gw.handler())
	t.Cleanup(server.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(2*time.Second, logger, nil)
	return NewCallbackClient(client, server.URL, Credentials{
		ClientID:     "hip-sandbox",
		ClientSecret: "hip-sandbox-secret",
	}), server
}

func TestCallbackClient_AttachesBearerSession(t *testing.T) {
	gw := newFakeGateway("hip-sandbox-secret")
	sender, _ := newCallbackClientUnderTest(t, gw)

	err := sender.SendCallback(context.Background(), "/v0.5/care-contexts/on-discover", map[string]any{"requestId": "r-1"})
	require.NoError(t, err)

	auths := gw.auths()
	require.Len(t, auths, 1)
	assert.Equal(t, "Bearer tok-1", auths[0])
}

func TestCallbackClient_ReusesSessionAcrossCallbacks(t *testing.T) {
	gw := newFakeGateway("hip-sandbox-secret")
	sender, _ := newCallbackClientUnderTest(t, gw)

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.SendCallback(context.Background(), "/v0.5/care-contexts/on-discover", map[string]any{"requestId": "r-1"}))
	}
	assert.Equal(t, 1, gw.sessionsIssued())
}

func TestCallbackClient_ReauthenticatesAfter401(t *testing.T) {
	gw := newFakeGateway("hip-sandbox-secret")
	sender, _ := newCallbackClientUnderTest(t, gw)

	require.NoError(t, sender.SendCallback(context.Background(), "/v0.5/care-contexts/on-discover", map[string]any{"requestId": "r-1"}))

	// The gateway revokes the session; the next callback must open a new one
	// and retry rather than surface the 401.
	gw.revoke("tok-1")
	require.NoError(t, sender.SendCallback(context.Background(), "/v0.5/care-contexts/on-discover", map[string]any{"requestId": "r-2"}))

	assert.Equal(t, 2, gw.sessionsIssued())
	auths := gw.auths()
	require.Len(t, auths, 3)
	assert.Equal(t, "Bearer tok-1", auths[1])
	assert.Equal(t, "Bearer tok-2", auths[2])
}

func TestCallbackClient_BadCredentials(t *testing.T) {
	gw := newFakeGateway("some-other-secret")
	sender, _ := newCallbackClientUnderTest(t, gw)

	err := sender.SendCallback(context.Background(), "/v0.5/care-contexts/on-discover", map[string]any{"requestId": "r-1"})
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Empty(t, gw.auths())
}
