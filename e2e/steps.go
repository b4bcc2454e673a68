package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
)

// RegisterSteps registers all step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Background steps
	ctx.Step(`^the exchange node is running$`, tc.exchangeNodeIsRunning)
	ctx.Step(`^I hold a requester session$`, tc.holdRequesterSession)
	ctx.Step(`^I request a session with client "([^"]*)" and secret "([^"]*)"$`, tc.requestSession)

	// Discovery steps
	ctx.Step(`^I discover the patient "([^"]*)" by health id$`, tc.discoverPatient)
	ctx.Step(`^I discover the patient "([^"]*)" by health id without a session$`, tc.discoverPatientNoSession)
	ctx.Step(`^the discovery reply should name patient "([^"]*)"$`, tc.discoveryReplyShouldNamePatient)
	ctx.Step(`^the discovery reply should fail with "([^"]*)"$`, tc.discoveryReplyShouldFailWith)

	// Linking steps
	ctx.Step(`^I start linking care contexts "([^"]*)"$`, tc.startLinking)
	ctx.Step(`^the linking reply should hint delivery to "([^"]*)"$`, tc.linkingReplyShouldHint)
	ctx.Step(`^I confirm the challenge with the delivered code$`, tc.confirmWithDeliveredCode)
	ctx.Step(`^I confirm the challenge with code "([^"]*)"$`, tc.confirmWithCode)
	ctx.Step(`^the confirmation reply should list (\d+) linked care contexts$`, tc.confirmationReplyShouldListContexts)
	ctx.Step(`^the confirmation reply should fail with "([^"]*)"$`, tc.confirmationReplyShouldFailWith)

	// Consent steps
	ctx.Step(`^I submit a consent request for "([^"]*)" covering "([^"]*)"$`, tc.submitConsentRequest)
	ctx.Step(`^the consent reply should carry a consent request id$`, tc.consentReplyShouldCarryID)
	ctx.Step(`^the patient approves the request for care contexts "([^"]*)"$`, tc.patientApproves)
	ctx.Step(`^the patient denies the request$`, tc.patientDenies)
	ctx.Step(`^the patient revokes the consent$`, tc.patientRevokes)
	ctx.Step(`^the requester should be notified that the consent is "([^"]*)"$`, tc.requesterNotifiedStatus)

	// Transfer steps
	ctx.Step(`^I request health information over the last (\d+) days$`, tc.requestHealthInformation)
	ctx.Step(`^the transfer should complete with status "([^"]*)"$`, tc.transferShouldCompleteWith)
	ctx.Step(`^the transfer should fail with "([^"]*)"$`, tc.transferShouldFailWith)
	ctx.Step(`^the pushed batch should contain (\d+) entry for care context "([^"]*)"$`, tc.pushedBatchShouldContain)

	// Assertion steps
	ctx.Step(`^the response status should be (\d+)$`, tc.responseStatusShouldBe)
	ctx.Step(`^the response should contain "([^"]*)"$`, tc.responseShouldContain)
}

func (tc *TestContext) exchangeNodeIsRunning(ctx context.Context) error {
	if err := tc.GET("/health", nil); err != nil {
		return err
	}
	if tc.GetLastResponseStatus() != 200 {
		return fmt.Errorf("health endpoint returned %d", tc.GetLastResponseStatus())
	}
	return nil
}

func (tc *TestContext) holdRequesterSession(ctx context.Context) error {
	if err := tc.requestSession(ctx, "hiu-sandbox", "hiu-sandbox-secret"); err != nil {
		return err
	}
	token, err := tc.GetResponseField("accessToken")
	if err != nil {
		return err
	}
	tc.AccessToken = token.(string)
	return nil
}

func (tc *TestContext) requestSession(ctx context.Context, clientID, clientSecret string) error {
	return tc.POST("/v0.5/sessions", map[string]interface{}{
		"clientId":     clientID,
		"clientSecret": clientSecret,
	})
}

func (tc *TestContext) discoverPatient(ctx context.Context, healthID string) error {
	tc.LastRequestID = uuid.New().String()
	tc.TransactionID = uuid.New().String()
	tc.PatientID = healthID
	body := map[string]interface{}{
		"requestId":     tc.LastRequestID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"transactionId": tc.TransactionID,
		"patient": map[string]interface{}{
			"id": healthID,
			"verifiedIdentifiers": []map[string]string{
				{"type": "NATIONAL_HEALTH_ID", "value": healthID},
			},
		},
	}
	return tc.POSTWithHeaders("/v0.5/care-contexts/discover", body, tc.authHeaders())
}

func (tc *TestContext) discoverPatientNoSession(ctx context.Context, healthID string) error {
	body := map[string]interface{}{
		"requestId":     uuid.New().String(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"transactionId": uuid.New().String(),
		"patient":       map[string]interface{}{"id": healthID},
	}
	return tc.POST("/v0.5/care-contexts/discover", body)
}

func (tc *TestContext) discoveryReplyShouldNamePatient(ctx context.Context, reference string) error {
	payload, err := tc.awaitCallback("/hiu/v0.5/care-contexts/on-discover", tc.LastRequestID)
	if err != nil {
		return err
	}
	var reply struct {
		Patient *struct {
			ReferenceNumber string `json:"referenceNumber"`
		} `json:"patient"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.Patient == nil {
		return fmt.Errorf("discovery reply carried no patient: %s", payload)
	}
	if reply.Patient.ReferenceNumber != reference {
		return fmt.Errorf("expected patient %s, got %s", reference, reply.Patient.ReferenceNumber)
	}
	tc.PatientRef = reply.Patient.ReferenceNumber
	return nil
}

func (tc *TestContext) discoveryReplyShouldFailWith(ctx context.Context, code string) error {
	return tc.callbackShouldFailWith("/hiu/v0.5/care-contexts/on-discover", code)
}

func (tc *TestContext) startLinking(ctx context.Context, refsCSV string) error {
	if tc.PatientRef == "" {
		return fmt.Errorf("no discovered patient reference; discover first")
	}
	refs := make([]map[string]string, 0, 2)
	for _, ref := range strings.Split(refsCSV, ",") {
		refs = append(refs, map[string]string{"referenceNumber": strings.TrimSpace(ref)})
	}
	tc.LastRequestID = uuid.New().String()
	body := map[string]interface{}{
		"requestId":     tc.LastRequestID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"transactionId": tc.TransactionID,
		"patient": map[string]interface{}{
			"id":              tc.PatientID,
			"referenceNumber": tc.PatientRef,
			"careContexts":    refs,
		},
	}
	return tc.POSTWithHeaders("/v0.5/links/link/init", body, tc.authHeaders())
}

func (tc *TestContext) linkingReplyShouldHint(ctx context.Context, hint string) error {
	payload, err := tc.awaitCallback("/hiu/v0.5/links/link/on-init", tc.LastRequestID)
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
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.Link == nil {
		return fmt.Errorf("linking reply carried no challenge: %s", payload)
	}
	if reply.Link.Meta.CommunicationHint != hint {
		return fmt.Errorf("expected delivery hint %s, got %s", hint, reply.Link.Meta.CommunicationHint)
	}
	tc.LinkRef = reply.Link.ReferenceNumber
	return nil
}

func (tc *TestContext) confirmWithDeliveredCode(ctx context.Context) error {
	return tc.confirmWithCode(ctx, tc.Harness.OTP.Last())
}

func (tc *TestContext) confirmWithCode(ctx context.Context, code string) error {
	tc.LastRequestID = uuid.New().String()
	body := map[string]interface{}{
		"requestId": tc.LastRequestID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"confirmation": map[string]string{
			"linkRefNumber": tc.LinkRef,
			"token":         code,
		},
	}
	return tc.POSTWithHeaders("/v0.5/links/link/confirm", body, tc.authHeaders())
}

func (tc *TestContext) confirmationReplyShouldListContexts(ctx context.Context, count int) error {
	payload, err := tc.awaitCallback("/hiu/v0.5/links/link/on-confirm", tc.LastRequestID)
	if err != nil {
		return err
	}
	var reply struct {
		Patient *struct {
			CareContexts []struct {
				ReferenceNumber string `json:"referenceNumber"`
			} `json:"careContexts"`
		} `json:"patient"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.Patient == nil {
		return fmt.Errorf("confirmation reply carried no patient: %s", payload)
	}
	if len(reply.Patient.CareContexts) != count {
		return fmt.Errorf("expected %d linked care contexts, got %d", count, len(reply.Patient.CareContexts))
	}
	return nil
}

func (tc *TestContext) confirmationReplyShouldFailWith(ctx context.Context, code string) error {
	return tc.callbackShouldFailWith("/hiu/v0.5/links/link/on-confirm", code)
}

func (tc *TestContext) submitConsentRequest(ctx context.Context, patientID, typesCSV string) error {
	types := strings.Split(typesCSV, ",")
	for i := range types {
		types[i] = strings.TrimSpace(types[i])
	}
	now := time.Now().UTC()
	tc.LastRequestID = uuid.New().String()
	body := map[string]interface{}{
		"requestId": tc.LastRequestID,
		"timestamp": now.Format(time.RFC3339),
		"consent": map[string]interface{}{
			"patient": map[string]string{"id": patientID},
			"purpose": map[string]string{"code": "CAREMGT"},
			"hiu":     map[string]string{"id": "hiu-sandbox"},
			"hiTypes": types,
			"permission": map[string]interface{}{
				"accessMode": "VIEW",
				"dateRange": map[string]string{
					"from": now.AddDate(-1, 0, 0).Format(time.RFC3339),
					"to":   now.Format(time.RFC3339),
				},
				"dataEraseAt": now.AddDate(0, 6, 0).Format(time.RFC3339),
			},
		},
	}
	return tc.POSTWithHeaders("/v0.5/consent-requests/init", body, tc.authHeaders())
}

func (tc *TestContext) consentReplyShouldCarryID(ctx context.Context) error {
	payload, err := tc.awaitCallback("/hiu/v0.5/consent-requests/on-init", tc.LastRequestID)
	if err != nil {
		return err
	}
	var reply struct {
		ConsentRequest *struct {
			ID string `json:"id"`
		} `json:"consentRequest"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.ConsentRequest == nil || reply.ConsentRequest.ID == "" {
		return fmt.Errorf("consent reply carried no request id: %s", payload)
	}
	tc.ConsentRequestID = reply.ConsentRequest.ID
	return nil
}

func (tc *TestContext) patientApproves(ctx context.Context, refsCSV string) error {
	refs := strings.Split(refsCSV, ",")
	for i := range refs {
		refs[i] = strings.TrimSpace(refs[i])
	}
	err := tc.POST("/internal/consent-requests/"+tc.ConsentRequestID+"/approve", map[string]interface{}{
		"careContextRefs": refs,
	})
	if err != nil {
		return err
	}
	if tc.GetLastResponseStatus() != 200 {
		return fmt.Errorf("approve returned %d: %s", tc.GetLastResponseStatus(), tc.LastResponseBody)
	}
	var decision struct {
		ConsentArtefact struct {
			ConsentID string `json:"consent_id"`
		} `json:"consentArtefact"`
	}
	if err := json.Unmarshal(tc.LastResponseBody, &decision); err != nil {
		return err
	}
	if decision.ConsentArtefact.ConsentID == "" {
		return fmt.Errorf("approval minted no artefact: %s", tc.LastResponseBody)
	}
	tc.ConsentID = decision.ConsentArtefact.ConsentID
	return nil
}

func (tc *TestContext) patientDenies(ctx context.Context) error {
	return tc.POST("/internal/consent-requests/"+tc.ConsentRequestID+"/deny", map[string]interface{}{})
}

func (tc *TestContext) patientRevokes(ctx context.Context) error {
	return tc.POST("/internal/consents/"+tc.ConsentID+"/revoke", map[string]interface{}{})
}

func (tc *TestContext) requesterNotifiedStatus(ctx context.Context, status string) error {
	_, err := tc.awaitNotification(tc.ConsentRequestID, status)
	return err
}

func (tc *TestContext) requestHealthInformation(ctx context.Context, days int) error {
	now := time.Now().UTC()
	tc.LastRequestID = uuid.New().String()
	body := map[string]interface{}{
		"requestId": tc.LastRequestID,
		"timestamp": now.Format(time.RFC3339),
		"hiRequest": map[string]interface{}{
			"consent": map[string]string{"id": tc.ConsentID},
			"dateRange": map[string]string{
				"from": now.AddDate(0, 0, -days).Format(time.RFC3339),
				"to":   now.Format(time.RFC3339),
			},
			"dataPushUrl": tc.BaseURL + "/hiu/data/push",
		},
	}
	return tc.POSTWithHeaders("/v0.5/health-information/cm/request", body, tc.authHeaders())
}

func (tc *TestContext) transferShouldCompleteWith(ctx context.Context, status string) error {
	payload, err := tc.awaitCallback("/hiu/v0.5/health-information/cm/on-request", tc.LastRequestID)
	if err != nil {
		return err
	}
	var reply struct {
		HIRequest *struct {
			TransactionID string `json:"transactionId"`
			SessionStatus string `json:"sessionStatus"`
		} `json:"hiRequest"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.HIRequest == nil {
		return fmt.Errorf("transfer reply carried no session result: %s", payload)
	}
	if reply.HIRequest.SessionStatus != status {
		return fmt.Errorf("expected session status %s, got %s", status, reply.HIRequest.SessionStatus)
	}
	tc.TransferTxnID = reply.HIRequest.TransactionID
	return nil
}

func (tc *TestContext) transferShouldFailWith(ctx context.Context, code string) error {
	return tc.callbackShouldFailWith("/hiu/v0.5/health-information/cm/on-request", code)
}

func (tc *TestContext) pushedBatchShouldContain(ctx context.Context, count int, careContextRef string) error {
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := tc.GET("/hiu/inbox/pushes", nil); err != nil {
			return err
		}
		var listing struct {
			Pushes []struct {
				TransactionID string `json:"transactionId"`
				Entries       []struct {
					Content              string `json:"content"`
					Checksum             string `json:"checksum"`
					CareContextReference string `json:"careContextReference"`
				} `json:"entries"`
			} `json:"pushes"`
		}
		if err := json.Unmarshal(tc.LastResponseBody, &listing); err != nil {
			return err
		}
		for _, push := range listing.Pushes {
			if push.TransactionID != tc.TransferTxnID {
				continue
			}
			if len(push.Entries) != count {
				return fmt.Errorf("expected %d entries, got %d", count, len(push.Entries))
			}
			for _, entry := range push.Entries {
				if entry.CareContextReference != careContextRef {
					return fmt.Errorf("expected care context %s, got %s", careContextRef, entry.CareContextReference)
				}
				if entry.Content == "" || entry.Checksum == "" {
					return fmt.Errorf("pushed entry missing content or checksum")
				}
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no pushed batch for transaction %s", tc.TransferTxnID)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// callbackShouldFailWith asserts the reply correlated to the last request on
// the given path carries the given error code.
func (tc *TestContext) callbackShouldFailWith(path, code string) error {
	payload, err := tc.awaitCallback(path, tc.LastRequestID)
	if err != nil {
		return err
	}
	var reply struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	if reply.Error == nil {
		return fmt.Errorf("expected error %s, reply succeeded: %s", code, payload)
	}
	if reply.Error.Code != code {
		return fmt.Errorf("expected error %s, got %s", code, reply.Error.Code)
	}
	return nil
}

func (tc *TestContext) responseStatusShouldBe(ctx context.Context, status int) error {
	if tc.GetLastResponseStatus() != status {
		return fmt.Errorf("expected status %d, got %d: %s", status, tc.GetLastResponseStatus(), tc.LastResponseBody)
	}
	return nil
}

func (tc *TestContext) responseShouldContain(ctx context.Context, text string) error {
	if !tc.ResponseContains(text) {
		return fmt.Errorf("response does not contain %q: %s", text, tc.LastResponseBody)
	}
	return nil
}
