package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TestContext holds state between test steps.
type TestContext struct {
	Harness          *harness
	BaseURL          string
	HTTPClient       *http.Client
	LastResponse     *http.Response
	LastResponseBody []byte

	AccessToken      string
	LastRequestID    string
	TransactionID    string
	PatientID        string
	PatientRef       string
	LinkRef          string
	ConsentRequestID string
	ConsentID        string
	TransferTxnID    string
}

// NewTestContext creates a test context against the shared exchange node.
func NewTestContext() *TestContext {
	h := startHarness()
	return &TestContext{
		Harness: h,
		BaseURL: h.BaseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Reset clears per-scenario state. The node itself keeps running; scenarios
// are isolated by the fresh identifiers each one mints.
func (tc *TestContext) Reset() {
	tc.LastResponse = nil
	tc.LastResponseBody = nil
	tc.AccessToken = ""
	tc.LastRequestID = ""
	tc.TransactionID = ""
	tc.PatientID = ""
	tc.PatientRef = ""
	tc.LinkRef = ""
	tc.ConsentRequestID = ""
	tc.ConsentID = ""
	tc.TransferTxnID = ""
}

// POST makes a POST request and stores the response.
func (tc *TestContext) POST(path string, body interface{}) error {
	return tc.POSTWithHeaders(path, body, nil)
}

// POSTWithHeaders makes a POST request with optional headers.
func (tc *TestContext) POSTWithHeaders(path string, body interface{}, headers map[string]string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), "POST", tc.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}

	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	return nil
}

// GET makes a GET request and stores the response.
func (tc *TestContext) GET(path string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(context.Background(), "GET", tc.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}

	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	return nil
}

// authHeaders carries the bearer session for router-perimeter operations.
func (tc *TestContext) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + tc.AccessToken}
}

// GetResponseField extracts a top-level field from the JSON response.
func (tc *TestContext) GetResponseField(field string) (interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(tc.LastResponseBody, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	value, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("field %s not found in response", field)
	}

	return value, nil
}

// ResponseContains checks whether the response body contains the given text.
func (tc *TestContext) ResponseContains(text string) bool {
	return strings.Contains(string(tc.LastResponseBody), text)
}

// inboxCallback is one entry of the requester inbox listing.
type inboxCallback struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// awaitCallback polls the requester inbox until the asynchronous reply for
// the given request id lands on the given path, or the deadline passes.
// Paths are the full mounted paths, e.g. /hiu/v0.5/care-contexts/on-discover.
func (tc *TestContext) awaitCallback(path, forRequestID string) (json.RawMessage, error) {
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := tc.GET("/hiu/inbox/callbacks?path="+url.QueryEscape(path), nil); err != nil {
			return nil, err
		}
		var listing struct {
			Callbacks []inboxCallback `json:"callbacks"`
		}
		if err := json.Unmarshal(tc.LastResponseBody, &listing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inbox listing: %w", err)
		}
		for _, cb := range listing.Callbacks {
			var env struct {
				Resp struct {
					RequestID string `json:"requestId"`
				} `json:"resp"`
			}
			if err := json.Unmarshal(cb.Payload, &env); err != nil {
				continue
			}
			if env.Resp.RequestID == forRequestID {
				return cb.Payload, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no callback on %s for request %s", path, forRequestID)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// awaitNotification polls the requester inbox for a decision notification
// about the given consent request.
func (tc *TestContext) awaitNotification(consentRequestID, status string) (json.RawMessage, error) {
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := tc.GET("/hiu/inbox/callbacks?path="+url.QueryEscape("/hiu/v0.5/consents/notify"), nil); err != nil {
			return nil, err
		}
		var listing struct {
			Callbacks []inboxCallback `json:"callbacks"`
		}
		if err := json.Unmarshal(tc.LastResponseBody, &listing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inbox listing: %w", err)
		}
		for _, cb := range listing.Callbacks {
			var body struct {
				Notification struct {
					ConsentRequestID string `json:"consentRequestId"`
					Status           string `json:"status"`
				} `json:"notification"`
			}
			if err := json.Unmarshal(cb.Payload, &body); err != nil {
				continue
			}
			if body.Notification.ConsentRequestID == consentRequestID && body.Notification.Status == status {
				return cb.Payload, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no %s notification for consent request %s", status, consentRequestID)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// GetLastResponseStatus returns the last HTTP status code, or 0.
func (tc *TestContext) GetLastResponseStatus() int {
	if tc.LastResponse == nil {
		return 0
	}
	return tc.LastResponse.StatusCode
}
