package consent

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

	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/linking"
	"setu/internal/protocol"
	"setu/internal/registry"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// captureSender records callbacks handed to the gateway.
type captureSender struct {
	mu        sync.Mutex
	callbacks []sentCallback
}

type sentCallback struct {
	Path    string
	Payload any
}

func (c *captureSender) SendCallback(_ context.Context, path string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, sentCallback{Path: path, Payload: payload})
	return nil
}

func (c *captureSender) all() []sentCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCallback(nil), c.callbacks...)
}

// staticLinks serves a fixed link set for every patient reference.
type staticLinks struct {
	refs []string
}

func (l staticLinks) Links(_ context.Context, ref domain.PatientReference) ([]linking.ContextLink, error) {
	out := make([]linking.ContextLink, 0, len(l.refs))
	for _, cc := range l.refs {
		out = append(out, linking.ContextLink{
			PatientInternalID: "PT-1001",
			CareContextRef:    cc,
			PatientReference:  ref,
			Status:            linking.LinkStatusActive,
		})
	}
	return out, nil
}

// notifySink is the requester's inbound surface for decision notifications.
type notifySink struct {
	mu       sync.Mutex
	payloads []NotifyPayload
}

func (n *notifySink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload NotifyPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		n.mu.Lock()
		n.payloads = append(n.payloads, payload)
		n.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
}

func (n *notifySink) all() []NotifyPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotifyPayload(nil), n.payloads...)
}

type ServiceSuite struct {
	suite.Suite
	store    *InMemoryStore
	sender   *captureSender
	notified *notifySink
	server   *httptest.Server
	pool     *dispatch.Pool
	cancel   context.CancelFunc
	clock    time.Time
	service  *Service
}

func (s *ServiceSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.sender = &captureSender{}
	s.notified = &notifySink{}
	s.server = httptest.NewServer(s.notified.handler())
	s.clock = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	reg := registry.New()
	reg.Add(registry.Participant{
		ID:      "hiu-test",
		Role:    registry.RoleRequester,
		BaseURL: s.server.URL + "/hiu",
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pool = dispatch.New(1, 16)
	s.pool.Start(ctx)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := gateway.NewClient(5*time.Second, logger, nil)
	links := staticLinks{refs: []string{"CC-1001-EP1", "CC-1001-EP2"}}
	s.service = NewService(s.store, links, s.sender, s.pool, reg, client, logger,
		WithClock(func() time.Time { return s.clock }),
	)
}

func (s *ServiceSuite) TearDownTest() {
	s.pool.Close()
	s.cancel()
	s.server.Close()
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) initRequest() InitRequest {
	return InitRequest{
		Envelope: protocol.NewEnvelope(),
		Consent: Detail{
			Patient: PatientRef{ID: "ramesh@sbx"},
			Purpose: PurposeRef{Code: protocol.PurposeCareManagement},
			HIU:     ParticipantRef{ID: "hiu-test"},
			HITypes: []protocol.HIType{protocol.HITypePrescription, protocol.HITypeDiagnosticReport},
			Permission: PermissionDetail{
				AccessMode: protocol.AccessModeView,
				DateRange: protocol.DateRange{
					From: s.clock.AddDate(-1, 0, 0),
					To:   s.clock,
				},
				DataEraseAt: s.clock.AddDate(0, 6, 0),
			},
		},
	}
}

// solicit runs the init round and returns the persisted consent request id.
func (s *ServiceSuite) solicit() domain.ConsentRequestID {
	req := s.initRequest()
	require.NoError(s.T(), s.service.Init(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	payload, ok := s.sender.all()[0].Payload.(OnInitPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.ConsentRequest)
	id, err := domain.ParseConsentRequestID(payload.ConsentRequest.ID)
	require.NoError(s.T(), err)
	return id
}

func (s *ServiceSuite) awaitNotification(n int) NotifyPayload {
	require.Eventually(s.T(), func() bool {
		return len(s.notified.all()) == n
	}, 2*time.Second, 10*time.Millisecond)
	return s.notified.all()[n-1]
}

// =============================================================================
// Solicitation
// =============================================================================

func (s *ServiceSuite) TestInit_PersistsBeforeCallback() {
	req := s.initRequest()
	require.NoError(s.T(), s.service.Init(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := s.sender.all()[0]
	assert.Equal(s.T(), "/v0.5/consent-requests/on-init", sent.Path)
	payload, ok := sent.Payload.(OnInitPayload)
	require.True(s.T(), ok)
	assert.Equal(s.T(), req.RequestID, payload.Resp.RequestID)

	id, err := domain.ParseConsentRequestID(payload.ConsentRequest.ID)
	require.NoError(s.T(), err)
	record, err := s.store.GetRequest(context.Background(), id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusRequested, record.Status)
	assert.Equal(s.T(), domain.PatientReference("ramesh@sbx"), record.PatientReference)
	assert.Equal(s.T(), domain.ParticipantID("hiu-test"), record.RequesterID)
	assert.Equal(s.T(), protocol.PurposeCareManagement, record.Purpose)
	assert.Equal(s.T(), s.clock.Add(7*24*time.Hour), record.ExpiresAt)
}

func (s *ServiceSuite) TestInit_RejectsMissingHITypes() {
	req := s.initRequest()
	req.Consent.HITypes = nil
	err := s.service.Init(context.Background(), req)
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeValidation))
	assert.Empty(s.T(), s.sender.all())
}

// =============================================================================
// Decision
// =============================================================================

func (s *ServiceSuite) TestApprove_MintsArtefact() {
	id := s.solicit()

	artefact, err := s.service.Approve(context.Background(), id, ApprovalAction{
		CareContextRefs: []string{"CC-1001-EP1"},
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusGranted, artefact.Status)
	assert.Equal(s.T(), []string{"CC-1001-EP1"}, artefact.CareContextRefs)
	assert.NotEmpty(s.T(), artefact.Signature)
	assert.Equal(s.T(), s.clock, artefact.GrantedAt)

	record, err := s.store.GetRequest(context.Background(), id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusGranted, record.Status)
	require.NotNil(s.T(), record.ConsentID)
	assert.Equal(s.T(), artefact.ConsentID, *record.ConsentID)

	notification := s.awaitNotification(1)
	assert.Equal(s.T(), StatusGranted, notification.Notification.Status)
	assert.Equal(s.T(), id.String(), notification.Notification.ConsentRequestID)
	require.Len(s.T(), notification.Notification.ConsentArtefacts, 1)
	assert.Equal(s.T(), artefact.ConsentID.String(), notification.Notification.ConsentArtefacts[0].ID)
}

func TestArtefact_WireEncodesIDsAsStrings(t *testing.T) {
	artefact := Artefact{
		ConsentID:        domain.NewConsentID(),
		ConsentRequestID: domain.NewConsentRequestID(),
	}
	raw, err := json.Marshal(artefact)
	require.NoError(t, err)

	var wire struct {
		ConsentID        string `json:"consent_id"`
		ConsentRequestID string `json:"consent_request_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, artefact.ConsentID.String(), wire.ConsentID)
	assert.Equal(t, artefact.ConsentRequestID.String(), wire.ConsentRequestID)
}

func TestArtefactSignature_KeyedHMAC(t *testing.T) {
	artefact := &Artefact{
		ConsentID:        domain.NewConsentID(),
		ConsentRequestID: domain.NewConsentRequestID(),
		PatientReference: "ramesh@sbx",
		CareContextRefs:  []string{"CC-1001-EP1"},
		GrantedAt:        time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	one := &Service{signingKey: []byte("key-one")}
	alsoOne := &Service{signingKey: []byte("key-one")}
	two := &Service{signingKey: []byte("key-two")}

	sig := one.sign(artefact)
	assert.NotEmpty(t, sig)
	assert.Equal(t, sig, alsoOne.sign(artefact), "same key and scope must agree")
	assert.NotEqual(t, sig, two.sign(artefact), "signature must depend on the key")

	rescoped := *artefact
	rescoped.CareContextRefs = []string{"CC-1001-EP2"}
	assert.NotEqual(t, sig, one.sign(&rescoped), "signature must cover the granted scope")
}

func (s *ServiceSuite) TestApprove_EmptySelectionScopesToLinkedContexts() {
	id := s.solicit()

	artefact, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"CC-1001-EP1", "CC-1001-EP2"}, artefact.CareContextRefs)
}

func (s *ServiceSuite) TestApprove_SecondApprovalConflicts() {
	id := s.solicit()

	_, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.NoError(s.T(), err)

	_, err = s.service.Approve(context.Background(), id, ApprovalAction{})
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeStateConflict))
}

func (s *ServiceSuite) TestApprove_AfterDenyConflicts() {
	id := s.solicit()

	require.NoError(s.T(), s.service.Deny(context.Background(), id))

	_, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeStateConflict))
	assert.Contains(s.T(), err.Error(), string(StatusDenied))
}

func (s *ServiceSuite) TestApprove_ExpiredRequestConflictsAndPersists() {
	id := s.solicit()

	s.clock = s.clock.Add(8 * 24 * time.Hour)

	_, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeStateConflict))
	assert.Contains(s.T(), err.Error(), string(StatusExpired))

	record, err := s.store.GetRequest(context.Background(), id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusExpired, record.Status)
}

func (s *ServiceSuite) TestApprove_UnknownRequest() {
	_, err := s.service.Approve(context.Background(), domain.NewConsentRequestID(), ApprovalAction{})
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeConsentNotFound))
}

func (s *ServiceSuite) TestDeny_NotifiesRequester() {
	id := s.solicit()

	require.NoError(s.T(), s.service.Deny(context.Background(), id))

	record, err := s.store.GetRequest(context.Background(), id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusDenied, record.Status)

	notification := s.awaitNotification(1)
	assert.Equal(s.T(), StatusDenied, notification.Notification.Status)
	assert.Empty(s.T(), notification.Notification.ConsentArtefacts)
}

// =============================================================================
// Revocation
// =============================================================================

func (s *ServiceSuite) TestRevoke_FlipsArtefactAndRequest() {
	id := s.solicit()
	artefact, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.NoError(s.T(), err)
	s.awaitNotification(1)

	require.NoError(s.T(), s.service.Revoke(context.Background(), artefact.ConsentID))

	stored, err := s.store.GetArtefact(context.Background(), artefact.ConsentID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusRevoked, stored.Status)
	require.NotNil(s.T(), stored.RevokedAt)

	record, err := s.store.GetRequest(context.Background(), id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusRevoked, record.Status)

	notification := s.awaitNotification(2)
	assert.Equal(s.T(), StatusRevoked, notification.Notification.Status)
}

func (s *ServiceSuite) TestRevoke_SecondRevocationConflicts() {
	id := s.solicit()
	artefact, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.service.Revoke(context.Background(), artefact.ConsentID))
	err = s.service.Revoke(context.Background(), artefact.ConsentID)
	require.Error(s.T(), err)
	assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeStateConflict))
}

// =============================================================================
// Polling
// =============================================================================

func (s *ServiceSuite) TestStatus_ReportsGrantWithArtefacts() {
	id := s.solicit()
	artefact, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.NoError(s.T(), err)

	req := StatusRequest{Envelope: protocol.NewEnvelope(), ConsentRequestID: id.String()}
	require.NoError(s.T(), s.service.Status(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sent := s.sender.all()[1]
	assert.Equal(s.T(), "/v0.5/consent-requests/on-status", sent.Path)
	payload, ok := sent.Payload.(OnStatusPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.ConsentRequest)
	assert.Equal(s.T(), StatusGranted, payload.ConsentRequest.Status)
	require.Len(s.T(), payload.ConsentRequest.ConsentArtefacts, 1)
	assert.Equal(s.T(), artefact.ConsentID.String(), payload.ConsentRequest.ConsentArtefacts[0].ID)
}

func (s *ServiceSuite) TestStatus_LazyExpiryOnRead() {
	id := s.solicit()
	s.clock = s.clock.Add(8 * 24 * time.Hour)

	req := StatusRequest{Envelope: protocol.NewEnvelope(), ConsentRequestID: id.String()}
	require.NoError(s.T(), s.service.Status(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	payload, ok := s.sender.all()[1].Payload.(OnStatusPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.ConsentRequest)
	assert.Equal(s.T(), StatusExpired, payload.ConsentRequest.Status)
}

func (s *ServiceSuite) TestFetch_ReturnsArtefact() {
	id := s.solicit()
	artefact, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.NoError(s.T(), err)

	req := FetchRequest{Envelope: protocol.NewEnvelope(), ConsentID: artefact.ConsentID.String()}
	require.NoError(s.T(), s.service.Fetch(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sent := s.sender.all()[1]
	assert.Equal(s.T(), "/v0.5/consents/on-fetch", sent.Path)
	payload, ok := sent.Payload.(OnFetchPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.Consent)
	assert.Equal(s.T(), StatusGranted, payload.Consent.Status)
	require.NotNil(s.T(), payload.Consent.ConsentDetail)
	assert.Equal(s.T(), artefact.ConsentID, payload.Consent.ConsentDetail.ConsentID)
}

func (s *ServiceSuite) TestFetch_UnknownConsentTravelsOnCallback() {
	s.solicit()

	req := FetchRequest{Envelope: protocol.NewEnvelope(), ConsentID: domain.NewConsentID().String()}
	require.NoError(s.T(), s.service.Fetch(context.Background(), req))

	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	payload, ok := s.sender.all()[1].Payload.(OnFetchPayload)
	require.True(s.T(), ok)
	assert.Nil(s.T(), payload.Consent)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodeConsentNotFound), payload.Error.Code)
}

// =============================================================================
// Transfer gate
// =============================================================================

func (s *ServiceSuite) TestValidateForTransfer() {
	id := s.solicit()
	artefact, err := s.service.Approve(context.Background(), id, ApprovalAction{})
	require.NoError(s.T(), err)

	s.Run("granted passes", func() {
		got, err := s.service.ValidateForTransfer(context.Background(), artefact.ConsentID)
		require.NoError(s.T(), err)
		assert.Equal(s.T(), artefact.ConsentID, got.ConsentID)
	})

	s.Run("unknown consent", func() {
		_, err := s.service.ValidateForTransfer(context.Background(), domain.NewConsentID())
		require.Error(s.T(), err)
		assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeConsentNotFound))
	})

	s.Run("expired past erase deadline", func() {
		s.clock = s.clock.AddDate(0, 7, 0)
		_, err := s.service.ValidateForTransfer(context.Background(), artefact.ConsentID)
		require.Error(s.T(), err)
		assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeConsentExpired))
		s.clock = s.clock.AddDate(0, -7, 0)
	})

	s.Run("revoked consent", func() {
		require.NoError(s.T(), s.service.Revoke(context.Background(), artefact.ConsentID))
		_, err := s.service.ValidateForTransfer(context.Background(), artefact.ConsentID)
		require.Error(s.T(), err)
		assert.True(s.T(), dErrors.HasCode(err, dErrors.CodeConsentRevoked))
	})
}
