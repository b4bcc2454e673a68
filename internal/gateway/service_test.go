package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"setu/internal/dispatch"
	"setu/internal/protocol"
	"setu/internal/registry"
	dErrors "setu/pkg/domain-errors"
)

// peerRecorder stands in for every participant surface: it records each
// request the gateway pushes out so tests can assert on forward and
// callback delivery.
type peerRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Path string
	Body []byte
}

func (p *peerRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.requests = append(p.requests, recordedRequest{Path: r.URL.Path, Body: body})
		p.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
}

func (p *peerRecorder) received(path string) []recordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedRequest
	for _, r := range p.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

type ServiceSuite struct {
	suite.Suite
	peer    *peerRecorder
	server  *httptest.Server
	store   *InMemoryStore
	txStore *InMemoryTxStore
	pool    *dispatch.Pool
	cancel  context.CancelFunc
	service *Service
}

func (s *ServiceSuite) SetupTest() {
	s.peer = &peerRecorder{}
	s.server = httptest.NewServer(s.peer.handler())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New()
	reg.Add(registry.Participant{
		ID:      "cm-test",
		Role:    registry.RoleConsentManager,
		BaseURL: s.server.URL + "/cm",
	})
	reg.Add(registry.Participant{
		ID:      "hip-test",
		Role:    registry.RoleProvider,
		BaseURL: s.server.URL + "/hip",
	})
	reg.Add(registry.Participant{
		ID:      "hiu-test",
		Role:    registry.RoleRequester,
		BaseURL: s.server.URL + "/hiu",
	})

	s.store = NewInMemoryStore()
	s.txStore = NewInMemoryTxStore()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pool = dispatch.New(2, 16)
	s.pool.Start(ctx)

	client := NewClient(5*time.Second, logger, nil)
	s.service = NewService(s.store, reg, NewTxLog(s.txStore), s.pool, client, logger)
}

func (s *ServiceSuite) TearDownTest() {
	s.pool.Close()
	s.cancel()
	s.server.Close()
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func newRequestPayload(t *testing.T, requestID string) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"requestId":     requestID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"transactionId": uuid.New().String(),
	})
	require.NoError(t, err)
	return body
}

// =============================================================================
// Accept
// =============================================================================

func (s *ServiceSuite) TestAccept_AcknowledgesAndForwards() {
	requestID := uuid.New().String()
	payload := newRequestPayload(s.T(), requestID)

	ack, err := s.service.Accept(context.Background(), OpDiscover, "hiu-test", payload)
	require.NoError(s.T(), err)

	// The ack carries its own fresh request id; resp points at the submitted one.
	assert.Equal(s.T(), requestID, ack.Resp.RequestID)
	assert.NotEqual(s.T(), requestID, ack.RequestID)
	_, parseErr := uuid.Parse(ack.RequestID)
	assert.NoError(s.T(), parseErr)
	assert.Equal(s.T(), protocol.StatusAccepted, ack.Status)

	entry, err := s.store.Get(context.Background(), requestID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), OpDiscover, entry.Operation)
	assert.Equal(s.T(), "hiu-test", entry.Sender)
	assert.Equal(s.T(), s.server.URL+"/hiu/v0.5/care-contexts/on-discover", entry.ReplyTo)
	assert.False(s.T(), entry.Delivered)

	// Forward happens out-of-band against the destination role's base URL.
	require.Eventually(s.T(), func() bool {
		return len(s.peer.received("/hip/v0.5/care-contexts/discover")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	forwarded := s.peer.received("/hip/v0.5/care-contexts/discover")[0]
	assert.JSONEq(s.T(), string(payload), string(forwarded.Body))
}

func (s *ServiceSuite) TestAccept_RoutesByOperation() {
	requestID := uuid.New().String()
	payload := newRequestPayload(s.T(), requestID)

	_, err := s.service.Accept(context.Background(), OpConsentRequestInit, "hiu-test", payload)
	require.NoError(s.T(), err)

	require.Eventually(s.T(), func() bool {
		return len(s.peer.received("/cm/v0.5/consent-requests/init")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ServiceSuite) TestAccept_RejectsMalformedEnvelope() {
	s.Run("unknown operation", func() {
		_, err := s.service.Accept(context.Background(), Operation("no/such/op"), "hiu-test", newRequestPayload(s.T(), uuid.New().String()))
		require.Error(s.T(), err)
		assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("requestId not a uuid", func() {
		body, _ := json.Marshal(map[string]any{
			"requestId": "req-123",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		_, err := s.service.Accept(context.Background(), OpDiscover, "hiu-test", body)
		require.Error(s.T(), err)
		assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("missing timestamp", func() {
		body, _ := json.Marshal(map[string]any{"requestId": uuid.New().String()})
		_, err := s.service.Accept(context.Background(), OpDiscover, "hiu-test", body)
		require.Error(s.T(), err)
		assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unenrolled sender", func() {
		_, err := s.service.Accept(context.Background(), OpDiscover, "ghost", newRequestPayload(s.T(), uuid.New().String()))
		require.Error(s.T(), err)
		assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

// =============================================================================
// Callback delivery
// =============================================================================

func (s *ServiceSuite) TestDeliverCallback_RoutesToOriginalSender() {
	requestID := uuid.New().String()
	_, err := s.service.Accept(context.Background(), OpDiscover, "hiu-test", newRequestPayload(s.T(), requestID))
	require.NoError(s.T(), err)

	reply, _ := json.Marshal(map[string]any{
		"requestId": uuid.New().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"resp":      map[string]string{"requestId": requestID},
	})
	require.NoError(s.T(), s.service.DeliverCallback(context.Background(), reply))

	delivered := s.peer.received("/hiu/v0.5/care-contexts/on-discover")
	require.Len(s.T(), delivered, 1)
	assert.JSONEq(s.T(), string(reply), string(delivered[0].Body))

	entry, err := s.store.Get(context.Background(), requestID)
	require.NoError(s.T(), err)
	assert.True(s.T(), entry.Delivered)
	require.NotNil(s.T(), entry.DeliveredAt)
}

func (s *ServiceSuite) TestDeliverCallback_DropsUncorrelatedReply() {
	reply, _ := json.Marshal(map[string]any{
		"requestId": uuid.New().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"resp":      map[string]string{"requestId": uuid.New().String()},
	})
	err := s.service.DeliverCallback(context.Background(), reply)
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeNotFound))
	assert.Empty(s.T(), s.peer.requests)
}

func (s *ServiceSuite) TestAcceptCallback_AcknowledgesAndDeliversAsync() {
	requestID := uuid.New().String()
	_, err := s.service.Accept(context.Background(), OpLinkInit, "cm-test", newRequestPayload(s.T(), requestID))
	require.NoError(s.T(), err)

	callbackID := uuid.New().String()
	reply, _ := json.Marshal(map[string]any{
		"requestId": callbackID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"resp":      map[string]string{"requestId": requestID},
	})
	ack, err := s.service.AcceptCallback(context.Background(), "hip-test", "/v0.5/links/link/on-init", reply)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), callbackID, ack.Resp.RequestID)

	require.Eventually(s.T(), func() bool {
		return len(s.peer.received("/cm/v0.5/links/link/on-init")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Transaction audit trail
// =============================================================================

func (s *ServiceSuite) TestTransactions_ReturnsTrailForRequestID() {
	requestID := uuid.New().String()
	_, err := s.service.Accept(context.Background(), OpDiscover, "hiu-test", newRequestPayload(s.T(), requestID))
	require.NoError(s.T(), err)

	require.Eventually(s.T(), func() bool {
		records, listErr := s.service.Transactions(context.Background(), requestID)
		return listErr == nil && len(records) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	records, err := s.service.Transactions(context.Background(), requestID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), DirectionInbound, records[0].Direction)
	assert.Equal(s.T(), "hiu-test", records[0].Actor)
}

func (s *ServiceSuite) TestTransactions_UnknownRequestID() {
	_, err := s.service.Transactions(context.Background(), uuid.New().String())
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeNotFound))
}
