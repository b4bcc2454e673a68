package main

import (
	"encoding/json"
	"time"

	"setu/internal/patient"
	"setu/internal/protocol"
	"setu/internal/transfer"
)

// seedSandbox loads the fixture patients and clinical bundles every sandbox
// node starts with, so the full protocol can be exercised out of the box.
func seedSandbox(patients *patient.InMemoryStore, bundles *transfer.InMemoryBundleStore) {
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
			Content:        fixtureBundle("OPConsultation", "General medicine consult note"),
		},
		transfer.ClinicalBundle{
			BundleID:       "B-2",
			CareContextRef: "CC-1001-EP2",
			HIType:         protocol.HITypePrescription,
			CreatedAt:      now.AddDate(0, 0, -10),
			Content:        fixtureBundle("Prescription", "Atorvastatin 10mg daily"),
		},
		transfer.ClinicalBundle{
			BundleID:       "B-3",
			CareContextRef: "CC-1002-EP1",
			HIType:         protocol.HITypeDiagnosticReport,
			CreatedAt:      now.AddDate(0, -2, 0),
			Content:        fixtureBundle("DiagnosticReport", "Hemogram within normal limits"),
		},
	)
}

func fixtureBundle(resourceType, display string) json.RawMessage {
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
