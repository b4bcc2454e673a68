// Command hiu-simulator walks a running exchange node through the whole
// requester journey: session, discovery, OTP linking, consent, and data
// transfer. It is a hands-on lab tool, not part of the server; the OTP is
// read from stdin so the operator can copy it off the server log.
package main

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type simulator struct {
	base   string
	token  string
	client *http.Client
	stdin  *bufio.Reader
}

func main() {
	base := getenv("SETU_URL", "http://localhost:8090")
	patientID := getenv("PATIENT_ID", "ramesh@sbx")

	sim := &simulator{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
		stdin:  bufio.NewReader(os.Stdin),
	}

	log.Printf("driving exchange node at %s as hiu-sandbox", base)

	if err := sim.openSession(); err != nil {
		log.Fatalf("session: %v", err)
	}

	patientRef, contexts, err := sim.discover(patientID)
	if err != nil {
		log.Fatalf("discovery: %v", err)
	}
	log.Printf("discovered %s with %d care contexts", patientRef, len(contexts))

	if err := sim.link(patientID, patientRef, contexts); err != nil {
		log.Fatalf("linking: %v", err)
	}

	consentID, err := sim.obtainConsent(patientID)
	if err != nil {
		log.Fatalf("consent: %v", err)
	}
	log.Printf("consent granted: %s", consentID)

	if err := sim.fetchRecords(consentID); err != nil {
		log.Fatalf("transfer: %v", err)
	}

	log.Printf("journey complete")
}

func (s *simulator) openSession() error {
	body, err := s.post("/v0.5/sessions", map[string]any{
		"clientId":     getenv("CLIENT_ID", "hiu-sandbox"),
		"clientSecret": getenv("CLIENT_SECRET", "hiu-sandbox-secret"),
	})
	if err != nil {
		return err
	}
	var session struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return err
	}
	if session.AccessToken == "" {
		return errors.New("no access token in session response")
	}
	s.token = session.AccessToken
	return nil
}

func (s *simulator) discover(patientID string) (string, []string, error) {
	requestID := newID()
	_, err := s.post("/v0.5/care-contexts/discover", map[string]any{
		"requestId":     requestID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"transactionId": newID(),
		"patient": map[string]any{
			"id": patientID,
			"verifiedIdentifiers": []map[string]string{
				{"type": "NATIONAL_HEALTH_ID", "value": patientID},
			},
		},
	})
	if err != nil {
		return "", nil, err
	}

	payload, err := s.awaitCallback("/hiu/v0.5/care-contexts/on-discover", requestID)
	if err != nil {
		return "", nil, err
	}
	var reply struct {
		Patient *struct {
			ReferenceNumber string `json:"referenceNumber"`
			CareContexts    []struct {
				ReferenceNumber string `json:"referenceNumber"`
				Display         string `json:"display"`
			} `json:"careContexts"`
		} `json:"patient"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return "", nil, err
	}
	if reply.Error != nil {
		return "", nil, errors.New(reply.Error.Message)
	}
	refs := make([]string, 0, len(reply.Patient.CareContexts))
	for _, cc := range reply.Patient.CareContexts {
		log.Printf("  care context %s: %s", cc.ReferenceNumber, cc.Display)
		refs = append(refs, cc.ReferenceNumber)
	}
	return reply.Patient.ReferenceNumber, refs, nil
}

func (s *simulator) link(patientID, patientRef string, contexts []string) error {
	refs := make([]map[string]string, 0, len(contexts))
	for _, ref := range contexts {
		refs = append(refs, map[string]string{"referenceNumber": ref})
	}
	requestID := newID()
	_, err := s.post("/v0.5/links/link/init", map[string]any{
		"requestId":     requestID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"transactionId": newID(),
		"patient": map[string]any{
			"id":              patientID,
			"referenceNumber": patientRef,
			"careContexts":    refs,
		},
	})
	if err != nil {
		return err
	}

	payload, err := s.awaitCallback("/hiu/v0.5/links/link/on-init", requestID)
	if err != nil {
		return err
	}
	var reply struct {
		Link *struct {
			ReferenceNumber string `json:"referenceNumber"`
			Meta            struct {
				CommunicationHint string `json:"communicationHint"`
			} `json:"meta"`
		} `json:"link"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.Error != nil {
		return errors.New(reply.Error.Message)
	}

	fmt.Printf("OTP sent to %s; read it off the server log and type it here: ", reply.Link.Meta.CommunicationHint)
	code, err := s.stdin.ReadString('\n')
	if err != nil {
		return err
	}

	confirmID := newID()
	_, err = s.post("/v0.5/links/link/confirm", map[string]any{
		"requestId": confirmID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"confirmation": map[string]string{
			"linkRefNumber": reply.Link.ReferenceNumber,
			"token":         strings.TrimSpace(code),
		},
	})
	if err != nil {
		return err
	}

	confirmed, err := s.awaitCallback("/hiu/v0.5/links/link/on-confirm", confirmID)
	if err != nil {
		return err
	}
	var outcome struct {
		Patient *struct {
			Display      string `json:"display"`
			CareContexts []any  `json:"careContexts"`
		} `json:"patient"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(confirmed, &outcome); err != nil {
		return err
	}
	if outcome.Error != nil {
		return errors.New(outcome.Error.Message)
	}
	log.Printf("linked %d care contexts for %s", len(outcome.Patient.CareContexts), outcome.Patient.Display)
	return nil
}

func (s *simulator) obtainConsent(patientID string) (string, error) {
	now := time.Now().UTC()
	requestID := newID()
	_, err := s.post("/v0.5/consent-requests/init", map[string]any{
		"requestId": requestID,
		"timestamp": now.Format(time.RFC3339),
		"consent": map[string]any{
			"patient": map[string]string{"id": patientID},
			"purpose": map[string]string{"code": "CAREMGT"},
			"hiu":     map[string]string{"id": "hiu-sandbox"},
			"hiTypes": strings.Split(getenv("HI_TYPES", "Prescription,OPConsultation"), ","),
			"permission": map[string]any{
				"accessMode": "VIEW",
				"dateRange": map[string]string{
					"from": now.AddDate(-1, 0, 0).Format(time.RFC3339),
					"to":   now.Format(time.RFC3339),
				},
				"dataEraseAt": now.AddDate(0, 6, 0).Format(time.RFC3339),
			},
		},
	})
	if err != nil {
		return "", err
	}

	payload, err := s.awaitCallback("/hiu/v0.5/consent-requests/on-init", requestID)
	if err != nil {
		return "", err
	}
	var reply struct {
		ConsentRequest *struct {
			ID string `json:"id"`
		} `json:"consentRequest"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return "", err
	}
	if reply.Error != nil {
		return "", errors.New(reply.Error.Message)
	}

	// Stand in for the patient: approve over every linked context.
	log.Printf("approving consent request %s as the patient", reply.ConsentRequest.ID)
	decisionBody, err := s.post("/internal/consent-requests/"+reply.ConsentRequest.ID+"/approve", map[string]any{})
	if err != nil {
		return "", err
	}
	var decision struct {
		ConsentArtefact struct {
			ConsentID string `json:"consent_id"`
		} `json:"consentArtefact"`
	}
	if err := json.Unmarshal(decisionBody, &decision); err != nil {
		return "", err
	}
	if decision.ConsentArtefact.ConsentID == "" {
		return "", errors.New("approval returned no artefact")
	}
	return decision.ConsentArtefact.ConsentID, nil
}

func (s *simulator) fetchRecords(consentID string) error {
	now := time.Now().UTC()
	requestID := newID()
	_, err := s.post("/v0.5/health-information/cm/request", map[string]any{
		"requestId": requestID,
		"timestamp": now.Format(time.RFC3339),
		"hiRequest": map[string]any{
			"consent": map[string]string{"id": consentID},
			"dateRange": map[string]string{
				"from": now.AddDate(-1, 0, 0).Format(time.RFC3339),
				"to":   now.Format(time.RFC3339),
			},
			"dataPushUrl": s.base + "/hiu/data/push",
		},
	})
	if err != nil {
		return err
	}

	payload, err := s.awaitCallback("/hiu/v0.5/health-information/cm/on-request", requestID)
	if err != nil {
		return err
	}
	var reply struct {
		HIRequest *struct {
			TransactionID string `json:"transactionId"`
			SessionStatus string `json:"sessionStatus"`
		} `json:"hiRequest"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.Error != nil {
		return errors.New(reply.Error.Message)
	}
	log.Printf("transfer session %s finished %s", reply.HIRequest.TransactionID, reply.HIRequest.SessionStatus)

	return s.printPushes(reply.HIRequest.TransactionID)
}

func (s *simulator) printPushes(transactionID string) error {
	body, err := s.get("/hiu/inbox/pushes")
	if err != nil {
		return err
	}
	var listing struct {
		Pushes []struct {
			TransactionID string `json:"transactionId"`
			Entries       []struct {
				Content              string `json:"content"`
				CareContextReference string `json:"careContextReference"`
			} `json:"entries"`
		} `json:"pushes"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return err
	}
	for _, push := range listing.Pushes {
		if push.TransactionID != transactionID {
			continue
		}
		for _, entry := range push.Entries {
			doc, err := base64.StdEncoding.DecodeString(entry.Content)
			if err != nil {
				return err
			}
			log.Printf("received bundle for %s: %s", entry.CareContextReference, doc)
		}
		return nil
	}
	return errors.New("no pushed batch for transaction " + transactionID)
}

// awaitCallback polls the requester inbox for the asynchronous reply to a
// submitted request.
func (s *simulator) awaitCallback(path, requestID string) (json.RawMessage, error) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		body, err := s.get("/hiu/inbox/callbacks?path=" + url.QueryEscape(path))
		if err != nil {
			return nil, err
		}
		var listing struct {
			Callbacks []struct {
				Payload json.RawMessage `json:"payload"`
			} `json:"callbacks"`
		}
		if err := json.Unmarshal(body, &listing); err != nil {
			return nil, err
		}
		for _, cb := range listing.Callbacks {
			var env struct {
				Resp struct {
					RequestID string `json:"requestId"`
				} `json:"resp"`
			}
			if json.Unmarshal(cb.Payload, &env) == nil && env.Resp.RequestID == requestID {
				return cb.Payload, nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, errors.New("timed out waiting for reply on " + path)
}

func (s *simulator) post(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, s.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return s.do(req)
}

func (s *simulator) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, s.base+path, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *simulator) do(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	return body, nil
}

// newID mints a random UUIDv4; good enough for a lab tool.
func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("random id: %v", err)
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
