package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"sync"
	"time"

	"setu/internal/consent"
	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/linking"
	"setu/internal/patient"
	"setu/internal/platform/health"
	"setu/internal/protocol"
	"setu/internal/registry"
	"setu/internal/requester"
	"setu/internal/transfer"
	httptransport "setu/internal/transport/http"
	"setu/pkg/domain"
)

// harness is the exchange node under test: the full sandbox topology wired
// the way cmd/server does it, listening on a loopback port. One harness
// serves the whole feature run; scenarios isolate themselves through fresh
// request, transaction, and consent identifiers.
type harness struct {
	BaseURL string
	OTP     *otpCapture

	server *httptest.Server
}

var (
	harnessOnce   sync.Once
	sharedHarness *harness
)

// startHarness boots the shared node on first use.
func startHarness() *harness {
	harnessOnce.Do(func() {
		sharedHarness = newHarness()
	})
	return sharedHarness
}

func newHarness() *harness {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// The listener comes first: participant base URLs must be known before
	// the registry is populated, and every actor shares this one address.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("e2e harness: listen: " + err.Error())
	}
	baseURL := "http://" + ln.Addr().String()

	pool := dispatch.New(4, 64, dispatch.WithLogger(log))
	pool.Start(context.Background())

	txlog := gateway.NewTxLog(gateway.NewInMemoryTxStore(), gateway.WithTxLogLogger(log))

	reg := registry.New()
	reg.Add(registry.Participant{
		ID:      domain.ParticipantID("cm-sandbox"),
		Role:    registry.RoleConsentManager,
		BaseURL: baseURL + "/cm",
		Secret:  "cm-sandbox-secret",
	})
	reg.Add(registry.Participant{
		ID:      domain.ParticipantID("hip-sandbox"),
		Role:    registry.RoleProvider,
		BaseURL: baseURL + "/hip",
		Secret:  "hip-sandbox-secret",
	})
	reg.Add(registry.Participant{
		ID:      domain.ParticipantID("hiu-sandbox"),
		Role:    registry.RoleRequester,
		BaseURL: baseURL + "/hiu",
		Secret:  "hiu-sandbox-secret",
	})
	sessions := registry.NewSessionService(reg, "e2e-signing-key", 20*time.Minute)

	peerClient := gateway.NewClient(10*time.Second, log, nil)
	hipCallbacks := gateway.NewCallbackClient(peerClient, baseURL, gateway.Credentials{
		ClientID:     "hip-sandbox",
		ClientSecret: "hip-sandbox-secret",
	})
	cmCallbacks := gateway.NewCallbackClient(peerClient, baseURL, gateway.Credentials{
		ClientID:     "cm-sandbox",
		ClientSecret: "cm-sandbox-secret",
	})
	gatewaySvc := gateway.NewService(gateway.NewInMemoryStore(), reg, txlog, pool, peerClient, log)

	patients := patient.NewInMemoryStore()
	bundles := transfer.NewInMemoryBundleStore()
	seedHarness(patients, bundles)

	matcher := patient.NewMatcher(patients, log, nil)
	discoverySvc := patient.NewService(patients, matcher, hipCallbacks, pool, log)

	otp := newOTPCapture()
	linkingSvc := linking.NewService(patients,
		linking.NewInMemoryAttemptStore(), linking.NewInMemoryLinkStore(),
		hipCallbacks, pool, otp, log,
		linking.WithAuthoritySender(cmCallbacks),
	)

	consentSvc := consent.NewService(consent.NewInMemoryStore(), linkingSvc,
		cmCallbacks, pool, reg, peerClient, log,
	)

	transferSvc := transfer.NewService(bundles, consentSvc, hipCallbacks, pool, peerClient, log)
	relay := transfer.NewRelay(consentSvc, reg, cmCallbacks, pool, peerClient, log)

	router := httptransport.NewRouter(httptransport.Deps{
		Gateway: httptransport.NewGatewayHandler(gatewaySvc, sessions, log),
		HIP:     httptransport.NewHIPHandler(discoverySvc, linkingSvc, transferSvc, log),
		CM:      httptransport.NewCMHandler(consentSvc, linkingSvc, relay, log),
		HIU:     httptransport.NewHIUHandler(requester.NewInbox(), log),
		Health:  health.New("e2e"),
		Auth:    sessions,
		Logger:  log,
	})

	server := httptest.NewUnstartedServer(router)
	server.Listener.Close()
	server.Listener = ln
	server.Start()

	return &harness{
		BaseURL: baseURL,
		OTP:     otp,
		server:  server,
	}
}

// otpCapture stands in for the SMS provider so scenarios can read the code
// a real patient would receive on their phone.
type otpCapture struct {
	mu    sync.Mutex
	codes map[string]string
	last  string
}

func newOTPCapture() *otpCapture {
	return &otpCapture{codes: make(map[string]string)}
}

func (c *otpCapture) SendCode(_ context.Context, phone, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[phone] = code
	c.last = code
	return nil
}

// Last returns the most recently delivered code.
func (c *otpCapture) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// seedHarness loads the same sandbox fixtures the server binary ships with.
func seedHarness(patients *patient.InMemoryStore, bundles *transfer.InMemoryBundleStore) {
	now := time.Now().UTC()

	patients.Seed(
		&patient.Record{
			InternalID: "PT-1001",
			Identifiers: patient.Identifiers{
				NationalHealthID:    "ramesh@sbx",
				Phone:               "9876543210",
				MedicalRecordNumber: "MRN-4411",
			},
			Demographics: patient.Demographics{
				Name:      "Ramesh Kumar",
				Gender:    protocol.GenderMale,
				BirthYear: 1984,
			},
			CareContexts: []patient.CareContext{
				{Reference: "CC-1001-EP1", Display: "OPD visit March 2026", BundleID: "B-1", CreatedAt: now.AddDate(0, -5, 0)},
				{Reference: "CC-1001-EP2", Display: "Cardiology follow-up", BundleID: "B-2", CreatedAt: now.AddDate(0, -1, 0)},
			},
		},
		&patient.Record{
			InternalID: "PT-1002",
			Identifiers: patient.Identifiers{
				NationalHealthID:    "sita@sbx",
				Phone:               "9812345678",
				MedicalRecordNumber: "MRN-7730",
			},
			Demographics: patient.Demographics{
				Name:      "Sita Devi",
				Gender:    protocol.GenderFemale,
				BirthYear: 1992,
			},
			CareContexts: []patient.CareContext{
				{Reference: "CC-1002-EP1", Display: "Antenatal visit", BundleID: "B-3", CreatedAt: now.AddDate(0, -2, 0)},
			},
		},
	)

	bundles.Seed(
		transfer.ClinicalBundle{
			BundleID:       "B-1",
			CareContextRef: "CC-1001-EP1",
			HIType:         protocol.HITypeOPConsultation,
			CreatedAt:      now.AddDate(0, -5, 0),
			Content:        fixtureDocument("OPConsultation", "General medicine consult note"),
		},
		transfer.ClinicalBundle{
			BundleID:       "B-2",
			CareContextRef: "CC-1001-EP2",
			HIType:         protocol.HITypePrescription,
			CreatedAt:      now.AddDate(0, 0, -10),
			Content:        fixtureDocument("Prescription", "Atorvastatin 10mg daily"),
		},
		transfer.ClinicalBundle{
			BundleID:       "B-3",
			CareContextRef: "CC-1002-EP1",
			HIType:         protocol.HITypeDiagnosticReport,
			CreatedAt:      now.AddDate(0, -2, 0),
			Content:        fixtureDocument("DiagnosticReport", "Hemogram within normal limits"),
		},
	)
}

func fixtureDocument(resourceType, display string) json.RawMessage {
	doc, _ := json.Marshal(map[string]any{
		"resourceType": "Bundle",
		"type":         "document",
		"entry": []map[string]any{
			{"resource": map[string]any{
				"resourceType": resourceType,
				"text":         display,
			}},
		},
	})
	return doc
}
