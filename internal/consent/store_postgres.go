package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"setu/internal/protocol"
	"setu/internal/sentinel"
	"setu/pkg/domain"
)

// PostgresStore persists consent state in PostgreSQL. Scope fields with set
// semantics (hi types, care contexts, frequency) are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed consent store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *Request) error {
	hiTypes, err := json.Marshal(req.HITypes)
	if err != nil {
		return fmt.Errorf("marshal hi types: %w", err)
	}
	permission, err := json.Marshal(req.Permission)
	if err != nil {
		return fmt.Errorf("marshal permission: %w", err)
	}
	query := `
		INSERT INTO consent_requests
			(id, patient_reference, requester_id, holder_id, purpose, hi_types, permission, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`
	var storedID uuid.UUID
	err = s.db.QueryRowContext(ctx, query,
		uuid.UUID(req.ConsentRequestID),
		string(req.PatientReference),
		string(req.RequesterID),
		string(req.HolderID),
		string(req.Purpose),
		hiTypes,
		permission,
		string(req.Status),
		req.CreatedAt,
		req.ExpiresAt,
	).Scan(&storedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create consent request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id domain.ConsentRequestID) (*Request, error) {
	query := `
		SELECT id, patient_reference, requester_id, holder_id, purpose, hi_types, permission, status, consent_id, created_at, expires_at
		FROM consent_requests
		WHERE id = $1
	`
	return scanRequest(s.db.QueryRowContext(ctx, query, uuid.UUID(id)))
}

func (s *PostgresStore) UpdateRequestStatusFrom(ctx context.Context, id domain.ConsentRequestID, from, to Status) error {
	return updateRequestStatusFrom(ctx, s.db, id, from, to)
}

func (s *PostgresStore) Grant(ctx context.Context, id domain.ConsentRequestID, artefact *Artefact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := updateRequestStatusFrom(ctx, tx, id, StatusRequested, StatusGranted); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE consent_requests SET consent_id = $2 WHERE id = $1`,
		uuid.UUID(id), uuid.UUID(artefact.ConsentID),
	); err != nil {
		return fmt.Errorf("assign consent id: %w", err)
	}

	careContexts, err := json.Marshal(artefact.CareContextRefs)
	if err != nil {
		return fmt.Errorf("marshal care contexts: %w", err)
	}
	hiTypes, err := json.Marshal(artefact.HITypes)
	if err != nil {
		return fmt.Errorf("marshal hi types: %w", err)
	}
	frequency, err := json.Marshal(artefact.Frequency)
	if err != nil {
		return fmt.Errorf("marshal frequency: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consent_artefacts
			(id, consent_request_id, patient_reference, requester_id, holder_id, care_context_refs, hi_types,
			 access_mode, date_from, date_to, data_erase_at, frequency, status, signature, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		uuid.UUID(artefact.ConsentID),
		uuid.UUID(artefact.ConsentRequestID),
		string(artefact.PatientReference),
		string(artefact.RequesterID),
		string(artefact.HolderID),
		careContexts,
		hiTypes,
		string(artefact.AccessMode),
		artefact.DateRange.From,
		artefact.DateRange.To,
		artefact.DataEraseAt,
		frequency,
		string(artefact.Status),
		artefact.Signature,
		artefact.GrantedAt,
	); err != nil {
		return fmt.Errorf("insert consent artefact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtefact(ctx context.Context, id domain.ConsentID) (*Artefact, error) {
	query := `
		SELECT id, consent_request_id, patient_reference, requester_id, holder_id, care_context_refs, hi_types,
		       access_mode, date_from, date_to, data_erase_at, frequency, status, signature, granted_at, revoked_at
		FROM consent_artefacts
		WHERE id = $1
	`
	return scanArtefact(s.db.QueryRowContext(ctx, query, uuid.UUID(id)))
}

func (s *PostgresStore) Revoke(ctx context.Context, id domain.ConsentID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE consent_artefacts
		SET status = $2, revoked_at = $3
		WHERE id = $1 AND status = $4
	`, uuid.UUID(id), string(StatusRevoked), at, string(StatusGranted))
	if err != nil {
		return fmt.Errorf("revoke artefact: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke artefact rows: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetArtefact(ctx, id); err != nil {
			return err
		}
		return sentinel.ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE consent_requests
		SET status = $2
		WHERE consent_id = $1 AND status = $3
	`, uuid.UUID(id), string(StatusRevoked), string(StatusGranted)); err != nil {
		return fmt.Errorf("revoke parent request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke: %w", err)
	}
	return nil
}

func updateRequestStatusFrom(ctx context.Context, exec dbExecutor, id domain.ConsentRequestID, from, to Status) error {
	res, err := exec.ExecContext(ctx, `
		UPDATE consent_requests
		SET status = $2
		WHERE id = $1 AND status = $3
	`, uuid.UUID(id), string(to), string(from))
	if err != nil {
		return fmt.Errorf("update consent request status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update consent request rows: %w", err)
	}
	if rows == 0 {
		var current string
		err := exec.QueryRowContext(ctx, `SELECT status FROM consent_requests WHERE id = $1`, uuid.UUID(id)).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read consent request status: %w", err)
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

type row interface {
	Scan(dest ...any) error
}

func scanRequest(r row) (*Request, error) {
	var req Request
	var id, holderID string
	var consentID sql.NullString
	var hiTypes, permission []byte
	var patientRef, requesterID, purpose, status string
	if err := r.Scan(&id, &patientRef, &requesterID, &holderID, &purpose, &hiTypes, &permission, &status, &consentID, &req.CreatedAt, &req.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan consent request: %w", err)
	}
	parsed, err := domain.ParseConsentRequestID(id)
	if err != nil {
		return nil, err
	}
	req.ConsentRequestID = parsed
	req.PatientReference = domain.PatientReference(patientRef)
	req.RequesterID = domain.ParticipantID(requesterID)
	req.HolderID = domain.ParticipantID(holderID)
	req.Purpose = protocol.Purpose(purpose)
	req.Status = Status(status)
	if consentID.Valid {
		cid, err := domain.ParseConsentID(consentID.String)
		if err != nil {
			return nil, err
		}
		req.ConsentID = &cid
	}
	if err := json.Unmarshal(hiTypes, &req.HITypes); err != nil {
		return nil, fmt.Errorf("unmarshal hi types: %w", err)
	}
	if err := json.Unmarshal(permission, &req.Permission); err != nil {
		return nil, fmt.Errorf("unmarshal permission: %w", err)
	}
	return &req, nil
}

func scanArtefact(r row) (*Artefact, error) {
	var a Artefact
	var id, reqID string
	var patientRef, requesterID, holderID, accessMode, status string
	var careContexts, hiTypes, frequency []byte
	var revokedAt sql.NullTime
	if err := r.Scan(&id, &reqID, &patientRef, &requesterID, &holderID, &careContexts, &hiTypes,
		&accessMode, &a.DateRange.From, &a.DateRange.To, &a.DataEraseAt, &frequency, &status, &a.Signature, &a.GrantedAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan consent artefact: %w", err)
	}
	cid, err := domain.ParseConsentID(id)
	if err != nil {
		return nil, err
	}
	crid, err := domain.ParseConsentRequestID(reqID)
	if err != nil {
		return nil, err
	}
	a.ConsentID = cid
	a.ConsentRequestID = crid
	a.PatientReference = domain.PatientReference(patientRef)
	a.RequesterID = domain.ParticipantID(requesterID)
	a.HolderID = domain.ParticipantID(holderID)
	a.AccessMode = protocol.AccessMode(accessMode)
	a.Status = Status(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		a.RevokedAt = &t
	}
	if err := json.Unmarshal(careContexts, &a.CareContextRefs); err != nil {
		return nil, fmt.Errorf("unmarshal care contexts: %w", err)
	}
	if err := json.Unmarshal(hiTypes, &a.HITypes); err != nil {
		return nil, fmt.Errorf("unmarshal hi types: %w", err)
	}
	if err := json.Unmarshal(frequency, &a.Frequency); err != nil {
		return nil, fmt.Errorf("unmarshal frequency: %w", err)
	}
	return &a, nil
}
