package transfer

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"setu/internal/consent"
	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/protocol"
	"setu/internal/registry"
	"setu/internal/transfer/mocks"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// holderRecorder records requests relayed to the holding party surface.
type holderRecorder struct {
	mu       sync.Mutex
	requests []HIRequest
	paths    []string
}

func (h *holderRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req HIRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		h.mu.Lock()
		h.requests = append(h.requests, req)
		h.paths = append(h.paths, r.URL.Path)
		h.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
}

func (h *holderRecorder) all() []HIRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HIRequest(nil), h.requests...)
}

func (h *holderRecorder) allPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

type RelaySuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	consents *mocks.MockConsentValidator
	holder   *holderRecorder
	server   *httptest.Server
	sender   *captureSender
	pool     *dispatch.Pool
	cancel   context.CancelFunc
	relay    *Relay
}

func (s *RelaySuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.consents = mocks.NewMockConsentValidator(s.ctrl)
	s.holder = &holderRecorder{}
	s.server = httptest.NewServer(s.holder.handler())
	s.sender = &captureSender{}

	reg := registry.New()
	reg.Add(registry.Participant{
		ID:      "hip-test",
		Role:    registry.RoleProvider,
		BaseURL: s.server.URL + "/hip",
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pool = dispatch.New(1, 16)
	s.pool.Start(ctx)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := gateway.NewClient(5*time.Second, logger, nil)
	s.relay = NewRelay(s.consents, reg, s.sender, s.pool, client, logger)
}

func (s *RelaySuite) TearDownTest() {
	s.pool.Close()
	s.cancel()
	s.server.Close()
	s.ctrl.Finish()
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) request(consentID domain.ConsentID) HIRequest {
	now := time.Now().UTC()
	return HIRequest{
		Envelope: protocol.NewEnvelope(),
		HIRequest: HIRequestDetail{
			Consent:     ConsentRef{ID: consentID.String()},
			DateRange:   protocol.DateRange{From: now.AddDate(0, -1, 0), To: now},
			DataPushURL: "http://hiu.example/data/push",
		},
	}
}

func (s *RelaySuite) TestHandle_ForwardsSameEnvelopeToHolder() {
	consentID := domain.NewConsentID()
	artefact := &consent.Artefact{
		ConsentID: consentID,
		HolderID:  "hip-test",
		Status:    consent.StatusGranted,
	}
	s.consents.EXPECT().ValidateForTransfer(gomock.Any(), consentID).Return(artefact, nil)

	req := s.request(consentID)
	require.NoError(s.T(), s.relay.Handle(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.holder.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The envelope survives the hop untouched, so the router still holds the
	// original requester's correlation entry when the holder replies.
	forwarded := s.holder.all()[0]
	assert.Equal(s.T(), req.RequestID, forwarded.RequestID)
	assert.Equal(s.T(), consentID.String(), forwarded.HIRequest.Consent.ID)
	assert.Equal(s.T(), []string{"/hip/v0.5/health-information/request"}, s.holder.allPaths())
	assert.Empty(s.T(), s.sender.all())
}

func (s *RelaySuite) TestHandle_ResolvesHolderByRoleWhenUnpinned() {
	consentID := domain.NewConsentID()
	artefact := &consent.Artefact{
		ConsentID: consentID,
		Status:    consent.StatusGranted,
	}
	s.consents.EXPECT().ValidateForTransfer(gomock.Any(), consentID).Return(artefact, nil)

	require.NoError(s.T(), s.relay.Handle(context.Background(), s.request(consentID)))

	require.Eventually(s.T(), func() bool {
		return len(s.holder.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *RelaySuite) TestHandle_InvalidConsentRepliesWithoutForward() {
	consentID := domain.NewConsentID()
	s.consents.EXPECT().ValidateForTransfer(gomock.Any(), consentID).
		Return(nil, dErrors.New(dErrors.CodeConsentExpired, "consent is expired"))

	req := s.request(consentID)
	require.NoError(s.T(), s.relay.Handle(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := s.sender.all()[0]
	assert.Equal(s.T(), "/v0.5/health-information/cm/on-request", sent.Path)
	payload, ok := sent.Payload.(OnHIRequestPayload)
	require.True(s.T(), ok)
	assert.Equal(s.T(), req.RequestID, payload.Resp.RequestID)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodeConsentExpired), payload.Error.Code)
	assert.Empty(s.T(), s.holder.all())
}

func (s *RelaySuite) TestHandle_RejectsMalformedRequest() {
	req := s.request(domain.NewConsentID())
	req.HIRequest.Consent.ID = ""
	require.Error(s.T(), s.relay.Handle(context.Background(), req))
}
