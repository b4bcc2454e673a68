package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/sentinel"
	"setu/pkg/domain"
)

func seedRequest(t *testing.T, store *InMemoryStore) *Request {
	t.Helper()
	req := &Request{
		ConsentRequestID: domain.NewConsentRequestID(),
		PatientReference: "ramesh@sbx",
		RequesterID:      "hiu-test",
		Status:           StatusRequested,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.CreateRequest(context.Background(), req))
	return req
}

func TestInMemoryStore_CreateRequestRejectsDuplicate(t *testing.T) {
	store := NewInMemoryStore()
	req := seedRequest(t, store)

	err := store.CreateRequest(context.Background(), req)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestInMemoryStore_GetRequestReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	req := seedRequest(t, store)

	got, err := store.GetRequest(context.Background(), req.ConsentRequestID)
	require.NoError(t, err)
	got.Status = StatusDenied

	again, err := store.GetRequest(context.Background(), req.ConsentRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, again.Status)
}

func TestInMemoryStore_UpdateRequestStatusFrom(t *testing.T) {
	store := NewInMemoryStore()
	req := seedRequest(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpdateRequestStatusFrom(ctx, req.ConsentRequestID, StatusRequested, StatusDenied))

	// The compare half of the swap guards against a stale view.
	err := store.UpdateRequestStatusFrom(ctx, req.ConsentRequestID, StatusRequested, StatusExpired)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)

	err = store.UpdateRequestStatusFrom(ctx, domain.NewConsentRequestID(), StatusRequested, StatusDenied)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryStore_GrantIsAtomic(t *testing.T) {
	store := NewInMemoryStore()
	req := seedRequest(t, store)
	ctx := context.Background()

	artefact := &Artefact{
		ConsentID:        domain.NewConsentID(),
		ConsentRequestID: req.ConsentRequestID,
		PatientReference: req.PatientReference,
		Status:           StatusGranted,
		GrantedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.Grant(ctx, req.ConsentRequestID, artefact))

	record, err := store.GetRequest(ctx, req.ConsentRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusGranted, record.Status)
	require.NotNil(t, record.ConsentID)
	assert.Equal(t, artefact.ConsentID, *record.ConsentID)

	stored, err := store.GetArtefact(ctx, artefact.ConsentID)
	require.NoError(t, err)
	assert.Equal(t, StatusGranted, stored.Status)

	// A second grant loses the compare and mints nothing.
	second := &Artefact{ConsentID: domain.NewConsentID(), ConsentRequestID: req.ConsentRequestID}
	assert.ErrorIs(t, store.Grant(ctx, req.ConsentRequestID, second), sentinel.ErrInvalidState)
	_, err = store.GetArtefact(ctx, second.ConsentID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryStore_RevokeFlipsArtefactAndRequest(t *testing.T) {
	store := NewInMemoryStore()
	req := seedRequest(t, store)
	ctx := context.Background()

	artefact := &Artefact{
		ConsentID:        domain.NewConsentID(),
		ConsentRequestID: req.ConsentRequestID,
		Status:           StatusGranted,
	}
	require.NoError(t, store.Grant(ctx, req.ConsentRequestID, artefact))

	at := time.Now().UTC()
	require.NoError(t, store.Revoke(ctx, artefact.ConsentID, at))

	stored, err := store.GetArtefact(ctx, artefact.ConsentID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, stored.Status)
	require.NotNil(t, stored.RevokedAt)
	assert.Equal(t, at, *stored.RevokedAt)

	record, err := store.GetRequest(ctx, req.ConsentRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, record.Status)

	assert.ErrorIs(t, store.Revoke(ctx, artefact.ConsentID, at), sentinel.ErrInvalidState)
	assert.ErrorIs(t, store.Revoke(ctx, domain.NewConsentID(), at), sentinel.ErrNotFound)
}
