package linking

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"setu/internal/dispatch"
	"setu/internal/patient"
	"setu/internal/protocol"
	dErrors "setu/pkg/domain-errors"
)

const testCode = "424242"

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

// captureMessenger records delivered challenge codes instead of sending SMS.
type captureMessenger struct {
	mu    sync.Mutex
	sends []sentCode
}

type sentCode struct {
	Phone string
	Code  string
}

func (m *captureMessenger) SendCode(_ context.Context, phone, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sentCode{Phone: phone, Code: code})
	return nil
}

func (m *captureMessenger) all() []sentCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentCode(nil), m.sends...)
}

type ServiceSuite struct {
	suite.Suite
	patients  *patient.InMemoryStore
	attempts  *InMemoryAttemptStore
	links     *InMemoryLinkStore
	sender    *captureSender
	messenger *captureMessenger
	pool      *dispatch.Pool
	cancel    context.CancelFunc
	clock     time.Time
	service   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.patients = patient.NewInMemoryStore()
	s.patients.Seed(&patient.Record{
		InternalID: "PT-1001",
		Identifiers: patient.Identifiers{
			NationalHealthID: "ramesh@sbx",
			Phone:            "9876543210",
		},
		Demographics: patient.Demographics{Name: "Ramesh Kumar", Gender: protocol.GenderMale, BirthYear: 1984},
		CareContexts: []patient.CareContext{
			{Reference: "CC-1001-EP1", Display: "OPD visit 2024"},
			{Reference: "CC-1001-EP2", Display: "Cardiology followup"},
		},
	})
	s.attempts = NewInMemoryAttemptStore()
	s.links = NewInMemoryLinkStore()
	s.sender = &captureSender{}
	s.messenger = &captureMessenger{}
	s.clock = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pool = dispatch.New(1, 16)
	s.pool.Start(ctx)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.service = NewService(s.patients, s.attempts, s.links, s.sender, s.pool, s.messenger, logger,
		WithCodeGenerator(func() (string, error) { return testCode, nil }),
		WithClock(func() time.Time { return s.clock }),
	)
}

func (s *ServiceSuite) TearDownTest() {
	s.pool.Close()
	s.cancel()
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) initRequest(refs ...string) InitRequest {
	contexts := make([]CareContextRef, 0, len(refs))
	for _, ref := range refs {
		contexts = append(contexts, CareContextRef{ReferenceNumber: ref})
	}
	return InitRequest{
		Envelope:      protocol.NewEnvelope(),
		TransactionID: uuid.New().String(),
		Patient: InitPatient{
			ID:              "ramesh@sbx",
			ReferenceNumber: "PT-1001",
			CareContexts:    contexts,
		},
	}
}

// awaitCallback drains until exactly n callbacks have been recorded and
// returns the latest one.
func (s *ServiceSuite) awaitCallback(n int) sentCallback {
	require.Eventually(s.T(), func() bool {
		return len(s.sender.all()) == n
	}, 2*time.Second, 10*time.Millisecond)
	return s.sender.all()[n-1]
}

// startChallenge runs the init round and returns the issued link reference.
func (s *ServiceSuite) startChallenge() string {
	require.NoError(s.T(), s.service.Initiate(context.Background(), s.initRequest("CC-1001-EP1", "CC-1001-EP2")))
	sent := s.awaitCallback(1)
	payload, ok := sent.Payload.(OnInitPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.Link)
	return payload.Link.ReferenceNumber
}

func (s *ServiceSuite) confirm(linkRef, token string) OnConfirmPayload {
	req := ConfirmRequest{
		Envelope:     protocol.NewEnvelope(),
		Confirmation: Confirmation{LinkRefNumber: linkRef, Token: token},
	}
	before := len(s.sender.all())
	require.NoError(s.T(), s.service.Confirm(context.Background(), req))
	sent := s.awaitCallback(before + 1)
	payload, ok := sent.Payload.(OnConfirmPayload)
	require.True(s.T(), ok)
	return payload
}

// =============================================================================
// Init
// =============================================================================

func (s *ServiceSuite) TestInitiate_IssuesChallenge() {
	req := s.initRequest("CC-1001-EP1")
	require.NoError(s.T(), s.service.Initiate(context.Background(), req))

	sent := s.awaitCallback(1)
	assert.Equal(s.T(), "/v0.5/links/link/on-init", sent.Path)

	payload, ok := sent.Payload.(OnInitPayload)
	require.True(s.T(), ok)
	assert.Equal(s.T(), req.RequestID, payload.Resp.RequestID)
	assert.Equal(s.T(), req.TransactionID, payload.TransactionID)
	require.Nil(s.T(), payload.Error)
	require.NotNil(s.T(), payload.Link)
	assert.Equal(s.T(), "DIRECT", payload.Link.AuthenticationType)
	assert.Equal(s.T(), "MOBILE", payload.Link.Meta.CommunicationMedium)
	assert.Equal(s.T(), s.clock.Add(10*time.Minute), payload.Link.Meta.CommunicationExpiry)

	// The hint masks the phone; the literal code travels only via the messenger.
	assert.Equal(s.T(), "******3210", payload.Link.Meta.CommunicationHint)
	sends := s.messenger.all()
	require.Len(s.T(), sends, 1)
	assert.Equal(s.T(), "9876543210", sends[0].Phone)
	assert.Equal(s.T(), testCode, sends[0].Code)
}

func (s *ServiceSuite) TestInitiate_UnknownPatientTravelsOnCallback() {
	req := s.initRequest("CC-1001-EP1")
	req.Patient.ReferenceNumber = "PT-9999"
	require.NoError(s.T(), s.service.Initiate(context.Background(), req))

	payload, ok := s.awaitCallback(1).Payload.(OnInitPayload)
	require.True(s.T(), ok)
	assert.Nil(s.T(), payload.Link)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodePatientNotFound), payload.Error.Code)
}

func (s *ServiceSuite) TestInitiate_UnknownCareContextTravelsOnCallback() {
	req := s.initRequest("CC-1001-EP1", "CC-0000-XX")
	require.NoError(s.T(), s.service.Initiate(context.Background(), req))

	payload, ok := s.awaitCallback(1).Payload.(OnInitPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodeValidation), payload.Error.Code)
	assert.Empty(s.T(), s.messenger.all())
}

func (s *ServiceSuite) TestInitiate_RejectsEmptyCareContexts() {
	req := s.initRequest()
	require.Error(s.T(), s.service.Initiate(context.Background(), req))
	assert.Empty(s.T(), s.sender.all())
}

// =============================================================================
// Confirm
// =============================================================================

func (s *ServiceSuite) TestConfirm_CorrectCodeLinksContexts() {
	linkRef := s.startChallenge()

	payload := s.confirm(linkRef, testCode)
	require.Nil(s.T(), payload.Error)
	require.NotNil(s.T(), payload.Patient)
	assert.Equal(s.T(), "ramesh@sbx", payload.Patient.ReferenceNumber)
	assert.Equal(s.T(), "Ramesh Kumar", payload.Patient.Display)
	require.Len(s.T(), payload.Patient.CareContexts, 2)
	assert.Equal(s.T(), "OPD visit 2024", payload.Patient.CareContexts[0].Display)

	links, err := s.service.Links(context.Background(), "ramesh@sbx")
	require.NoError(s.T(), err)
	require.Len(s.T(), links, 2)
	for _, link := range links {
		assert.Equal(s.T(), LinkStatusActive, link.Status)
		assert.Equal(s.T(), "PT-1001", link.PatientInternalID)
	}
}

func (s *ServiceSuite) TestConfirm_WrongCodeRejected() {
	linkRef := s.startChallenge()

	payload := s.confirm(linkRef, "000000")
	assert.Nil(s.T(), payload.Patient)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodeOTPInvalid), payload.Error.Code)

	links, err := s.service.Links(context.Background(), "ramesh@sbx")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), links)
}

func (s *ServiceSuite) TestConfirm_AttemptCeiling() {
	linkRef := s.startChallenge()

	for i := 0; i < 3; i++ {
		payload := s.confirm(linkRef, "000000")
		require.NotNil(s.T(), payload.Error)
		assert.Equal(s.T(), string(dErrors.CodeOTPInvalid), payload.Error.Code)
	}

	// A correct code after three failures still fails: the challenge is spent.
	payload := s.confirm(linkRef, testCode)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodeOTPExhausted), payload.Error.Code)
}

func (s *ServiceSuite) TestConfirm_ExpiredChallenge() {
	linkRef := s.startChallenge()

	s.clock = s.clock.Add(11 * time.Minute)

	payload := s.confirm(linkRef, testCode)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodeOTPExpired), payload.Error.Code)
}

func (s *ServiceSuite) TestConfirm_ReplayAfterVerifiedRejected() {
	linkRef := s.startChallenge()

	first := s.confirm(linkRef, testCode)
	require.Nil(s.T(), first.Error)

	second := s.confirm(linkRef, testCode)
	require.NotNil(s.T(), second.Error)
	assert.Equal(s.T(), string(dErrors.CodeOTPInvalid), second.Error.Code)
}

func (s *ServiceSuite) TestConfirm_UnknownReference() {
	payload := s.confirm(uuid.New().String(), testCode)
	require.NotNil(s.T(), payload.Error)
	assert.Equal(s.T(), string(dErrors.CodeOTPInvalid), payload.Error.Code)
}

// =============================================================================
// Add contexts and notify
// =============================================================================

func (s *ServiceSuite) TestAddContexts_LinksWithoutChallenge() {
	req := AddContextsRequest{
		Envelope: protocol.NewEnvelope(),
		Link: AddContextsLink{
			PatientID:       "ramesh@sbx",
			ReferenceNumber: "PT-1001",
			CareContexts:    []CareContextRef{{ReferenceNumber: "CC-1001-EP2"}},
		},
	}
	require.NoError(s.T(), s.service.AddContexts(context.Background(), req))

	sent := s.awaitCallback(1)
	assert.Equal(s.T(), "/v0.5/links/link/on-add-contexts", sent.Path)
	payload, ok := sent.Payload.(OnAddContextsPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.Acknowledgement)
	assert.Equal(s.T(), AckStatusOK, payload.Acknowledgement.Status)

	links, err := s.service.Links(context.Background(), "ramesh@sbx")
	require.NoError(s.T(), err)
	require.Len(s.T(), links, 1)
	assert.Equal(s.T(), "CC-1001-EP2", links[0].CareContextRef)
}

func (s *ServiceSuite) TestNotify_Acknowledges() {
	req := NotifyRequest{
		Envelope: protocol.NewEnvelope(),
		Notification: ContextNotification{
			PatientID:   "ramesh@sbx",
			CareContext: CareContextRef{ReferenceNumber: "CC-1001-EP1"},
			Date:        s.clock,
		},
	}
	require.NoError(s.T(), s.service.Notify(context.Background(), req))

	sent := s.awaitCallback(1)
	assert.Equal(s.T(), "/v0.5/links/context/on-notify", sent.Path)
	payload, ok := sent.Payload.(OnNotifyPayload)
	require.True(s.T(), ok)
	require.NotNil(s.T(), payload.Acknowledgement)
	assert.Equal(s.T(), AckStatusOK, payload.Acknowledgement.Status)
}
