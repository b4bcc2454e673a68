package patient

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/protocol"
	dErrors "setu/pkg/domain-errors"
)

func newTestMatcher(t *testing.T) (*Matcher, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	store.Seed(
		&Record{
			InternalID: "PT-1001",
			Identifiers: Identifiers{
				NationalHealthID:    "ramesh@sbx",
				Phone:               "9876543210",
				MedicalRecordNumber: "MRN-4411",
			},
			Demographics: Demographics{Name: "Ramesh Kumar", Gender: protocol.GenderMale, BirthYear: 1984},
		},
		&Record{
			InternalID: "PT-1002",
			Identifiers: Identifiers{
				NationalHealthID: "sita@sbx",
				Phone:            "9123456780",
			},
			Demographics: Demographics{Name: "Sita Devi", Gender: protocol.GenderFemale, BirthYear: 1992},
		},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMatcher(store, logger, nil), store
}

func TestMatcher_VerifiedHealthID(t *testing.T) {
	matcher, _ := newTestMatcher(t)

	match, err := matcher.Resolve(context.Background(), Query{
		Verified: []Identifier{{Type: protocol.IdentifierNationalHealthID, Value: "Ramesh@SBX"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "PT-1001", match.Patient.InternalID)
	assert.Equal(t, MatchedByHealthID, match.MatchedBy)
}

func TestMatcher_HealthIDOutranksPhone(t *testing.T) {
	matcher, _ := newTestMatcher(t)

	// Both identifiers resolve; the higher-priority health id decides the tier.
	match, err := matcher.Resolve(context.Background(), Query{
		Verified: []Identifier{
			{Type: protocol.IdentifierMobile, Value: "+91-9876543210"},
			{Type: protocol.IdentifierNationalHealthID, Value: "ramesh"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "PT-1001", match.Patient.InternalID)
	assert.Equal(t, MatchedByHealthID, match.MatchedBy)
}

func TestMatcher_PhoneNormalization(t *testing.T) {
	matcher, _ := newTestMatcher(t)

	for _, value := range []string{"9876543210", "+919876543210", "91 9876 543 210", "09876543210"} {
		match, err := matcher.Resolve(context.Background(), Query{
			Verified: []Identifier{{Type: protocol.IdentifierMobile, Value: value}},
		})
		require.NoError(t, err, "value %q", value)
		assert.Equal(t, "PT-1001", match.Patient.InternalID, "value %q", value)
		assert.Equal(t, MatchedByPhone, match.MatchedBy, "value %q", value)
	}
}

func TestMatcher_UnverifiedTier(t *testing.T) {
	matcher, _ := newTestMatcher(t)

	t.Run("unverified phone matches at its own tier", func(t *testing.T) {
		match, err := matcher.Resolve(context.Background(), Query{
			Unverified: []Identifier{{Type: protocol.IdentifierMobile, Value: "9123456780"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "PT-1002", match.Patient.InternalID)
		assert.Equal(t, MatchedByUnverifiedPhone, match.MatchedBy)
	})

	t.Run("unverified non-phone identifiers are ignored", func(t *testing.T) {
		_, err := matcher.Resolve(context.Background(), Query{
			Unverified: []Identifier{{Type: protocol.IdentifierMedicalRecord, Value: "MRN-4411"}},
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePatientNotFound))
	})
}

func TestMatcher_DemographicFallback(t *testing.T) {
	matcher, _ := newTestMatcher(t)

	t.Run("shared name token with matching gender and year", func(t *testing.T) {
		match, err := matcher.Resolve(context.Background(), Query{
			Name:        "R. Kumar",
			Gender:      protocol.GenderMale,
			YearOfBirth: 1984,
		})
		require.NoError(t, err)
		assert.Equal(t, "PT-1001", match.Patient.InternalID)
		assert.Equal(t, MatchedByDemographics, match.MatchedBy)
	})

	t.Run("wrong birth year misses", func(t *testing.T) {
		_, err := matcher.Resolve(context.Background(), Query{
			Name:        "Ramesh Kumar",
			Gender:      protocol.GenderMale,
			YearOfBirth: 1990,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePatientNotFound))
	})

	t.Run("no shared token misses", func(t *testing.T) {
		_, err := matcher.Resolve(context.Background(), Query{
			Name:        "Anil Verma",
			Gender:      protocol.GenderMale,
			YearOfBirth: 1984,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePatientNotFound))
	})
}

func TestMatcher_DemographicsRankedByTokenOverlap(t *testing.T) {
	store := NewInMemoryStore()
	// The lower internal id shares one token; the higher id shares two and
	// must outrank it.
	store.Seed(
		&Record{
			InternalID:   "PT-3001",
			Demographics: Demographics{Name: "Ravi Patel", Gender: protocol.GenderMale, BirthYear: 1980},
		},
		&Record{
			InternalID:   "PT-3002",
			Demographics: Demographics{Name: "Ravi Kumar Sharma", Gender: protocol.GenderMale, BirthYear: 1980},
		},
	)
	matcher := NewMatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	match, err := matcher.Resolve(context.Background(), Query{
		Name:        "Ravi Sharma",
		Gender:      protocol.GenderMale,
		YearOfBirth: 1980,
	})
	require.NoError(t, err)
	assert.Equal(t, "PT-3002", match.Patient.InternalID)
	assert.Equal(t, MatchedByDemographics, match.MatchedBy)
}

func TestMatcher_DemographicsDeterministic(t *testing.T) {
	store := NewInMemoryStore()
	// Two records qualify equally; the lowest internal id must win every time.
	store.Seed(
		&Record{
			InternalID:   "PT-2002",
			Demographics: Demographics{Name: "Ravi Sharma", Gender: protocol.GenderMale, BirthYear: 1980},
		},
		&Record{
			InternalID:   "PT-2001",
			Demographics: Demographics{Name: "Ravi Patel", Gender: protocol.GenderMale, BirthYear: 1980},
		},
	)
	matcher := NewMatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	for i := 0; i < 10; i++ {
		match, err := matcher.Resolve(context.Background(), Query{
			Name:        "Ravi",
			Gender:      protocol.GenderMale,
			YearOfBirth: 1980,
		})
		require.NoError(t, err)
		assert.Equal(t, "PT-2001", match.Patient.InternalID)
	}
}

func TestMatcher_NotFoundNamesQuery(t *testing.T) {
	matcher, _ := newTestMatcher(t)

	_, err := matcher.Resolve(context.Background(), Query{
		Verified:    []Identifier{{Type: protocol.IdentifierNationalHealthID, Value: "nobody@sbx"}},
		Name:        "Nobody",
		Gender:      protocol.GenderOther,
		YearOfBirth: 1970,
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodePatientNotFound))
	assert.Contains(t, err.Error(), "year_of_birth=1970")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ramesh", NormalizeHealthID(" Ramesh@SBX "))
	assert.Equal(t, "ramesh", NormalizeHealthID("ramesh"))
	assert.Equal(t, "9876543210", NormalizePhone("+91 98765-43210"))
	assert.Equal(t, "9876543210", NormalizePhone("09876543210"))
	assert.Equal(t, "MRN-4411", NormalizeMedicalRecordNumber(" mrn-4411 "))
	assert.Equal(t, "", Normalize(protocol.IdentifierType("EMAIL"), "a@b.c"))
}
