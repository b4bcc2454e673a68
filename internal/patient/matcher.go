package patient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"setu/internal/platform/metrics"
	"setu/internal/protocol"
	"setu/internal/sentinel"
	dErrors "setu/pkg/domain-errors"
)

// Matcher resolves a discovery query to zero-or-one patient. Tiers degrade
// from exact verified-identifier match through unverified identifiers to
// fuzzy demographics; the first hit wins.
type Matcher struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMatcher constructs a matcher over the patient index.
func NewMatcher(store Store, logger *slog.Logger, m *metrics.Metrics) *Matcher {
	return &Matcher{store: store, logger: logger, metrics: m}
}

// Resolve runs the layered matching algorithm. On no match it returns a
// patient-not-found domain error naming the demographic parameters tried.
func (m *Matcher) Resolve(ctx context.Context, q Query) (*Match, error) {
	if match, err := m.matchIdentifiers(ctx, q.Verified, false); err != nil {
		return nil, err
	} else if match != nil {
		m.observe(match.MatchedBy)
		return match, nil
	}

	// Unverified identifiers participate only for phone numbers.
	if match, err := m.matchIdentifiers(ctx, unverifiedPhones(q.Unverified), true); err != nil {
		return nil, err
	} else if match != nil {
		m.observe(match.MatchedBy)
		return match, nil
	}

	match, err := m.matchDemographics(ctx, q)
	if err != nil {
		return nil, err
	}
	if match != nil {
		m.observe(match.MatchedBy)
		return match, nil
	}

	m.observe("none")
	return nil, dErrors.New(dErrors.CodePatientNotFound, fmt.Sprintf(
		"no patient matched (gender=%s, year_of_birth=%d, name=%q)",
		q.Gender, q.YearOfBirth, q.Name,
	))
}

func (m *Matcher) matchIdentifiers(ctx context.Context, identifiers []Identifier, unverified bool) (*Match, error) {
	ordered := make([]Identifier, len(identifiers))
	copy(ordered, identifiers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Type.MatchPriority() < ordered[j].Type.MatchPriority()
	})

	for _, ident := range ordered {
		normalized := Normalize(ident.Type, ident.Value)
		if normalized == "" {
			continue
		}
		record, err := m.store.FindByIdentifier(ctx, ident.Type, normalized)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrInvalidInput) {
				continue
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "identifier lookup")
		}
		matchedBy := matchTier(ident.Type, unverified)
		return &Match{Patient: record, MatchedBy: matchedBy}, nil
	}
	return nil, nil
}

// matchDemographics ranks candidates with equal gender and birth year by how
// many name tokens they share with the query; the lowest internal id breaks
// ties so repeated queries return the same patient.
func (m *Matcher) matchDemographics(ctx context.Context, q Query) (*Match, error) {
	if q.Gender == "" || q.YearOfBirth == 0 {
		return nil, nil
	}
	candidates, err := m.store.FindByDemographics(ctx, q.Gender, q.YearOfBirth)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "demographic lookup")
	}

	queryTokens := nameTokens(q.Name)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	var best *Record
	bestShared := 0
	for _, candidate := range candidates {
		shared := sharedTokenCount(queryTokens, nameTokens(candidate.Demographics.Name))
		if shared == 0 {
			continue
		}
		if shared > bestShared || (shared == bestShared && candidate.InternalID < best.InternalID) {
			best = candidate
			bestShared = shared
		}
	}
	if best == nil {
		return nil, nil
	}
	return &Match{Patient: best, MatchedBy: MatchedByDemographics}, nil
}

func (m *Matcher) observe(matchedBy string) {
	if m.metrics != nil {
		m.metrics.IncrementDiscoveryResolutions(matchedBy)
	}
}

func unverifiedPhones(identifiers []Identifier) []Identifier {
	var phones []Identifier
	for _, ident := range identifiers {
		if ident.Type == protocol.IdentifierMobile {
			phones = append(phones, ident)
		}
	}
	return phones
}

func matchTier(t protocol.IdentifierType, unverified bool) string {
	switch t {
	case protocol.IdentifierNationalHealthID:
		return MatchedByHealthID
	case protocol.IdentifierMobile:
		if unverified {
			return MatchedByUnverifiedPhone
		}
		return MatchedByPhone
	case protocol.IdentifierMedicalRecord:
		return MatchedByMedicalRecord
	}
	return ""
}

// Normalize canonicalizes an identifier value for index lookup.
func Normalize(t protocol.IdentifierType, value string) string {
	switch t {
	case protocol.IdentifierNationalHealthID:
		return NormalizeHealthID(value)
	case protocol.IdentifierMobile:
		return NormalizePhone(value)
	case protocol.IdentifierMedicalRecord:
		return NormalizeMedicalRecordNumber(value)
	}
	return ""
}

// NormalizeHealthID strips the authority domain suffix and lowercases:
// "Ramesh@sbx" and "ramesh" index identically.
func NormalizeHealthID(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if at := strings.IndexByte(value, '@'); at >= 0 {
		value = value[:at]
	}
	return value
}

// NormalizePhone strips punctuation and the country prefix down to the
// 10-digit subscriber number.
func NormalizePhone(value string) string {
	var digits strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	normalized := digits.String()
	if len(normalized) == 12 && strings.HasPrefix(normalized, "91") {
		normalized = normalized[2:]
	}
	if len(normalized) == 11 && strings.HasPrefix(normalized, "0") {
		normalized = normalized[1:]
	}
	return normalized
}

// NormalizeMedicalRecordNumber trims and uppercases.
func NormalizeMedicalRecordNumber(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

func nameTokens(name string) []string {
	fields := strings.Fields(strings.ToLower(name))
	return fields
}

func sharedTokenCount(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, token := range a {
		set[token] = true
	}
	count := 0
	for _, token := range b {
		if set[token] {
			count++
			delete(set, token)
		}
	}
	return count
}
