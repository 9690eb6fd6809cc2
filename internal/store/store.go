package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// Store is the local relational store: the reconciliation audit table,
// the payment-hash→contact mapping, and fallback copies of contacts
// and operators. No raw account identifiers are ever persisted.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the database and runs migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS reconciliations (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			payment_date DATETIME NOT NULL,
			amount TEXT NOT NULL,
			source TEXT NOT NULL,
			reference TEXT,
			contact_id TEXT NOT NULL,
			operator_id TEXT NOT NULL,
			confidence REAL NOT NULL,
			reasoning TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_recon_contact
			ON reconciliations(contact_id, created_at);

		CREATE TABLE IF NOT EXISTS payment_hash_contacts (
			account_hash TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			first_name TEXT,
			last_name TEXT,
			display_name TEXT,
			email TEXT,
			phone TEXT,
			postcode TEXT,
			membership_type TEXT,
			custom_fields TEXT,
			renewal_date DATETIME
		);

		CREATE TABLE IF NOT EXISTS operators (
			id TEXT PRIMARY KEY,
			name TEXT,
			email TEXT
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// HasFingerprint reports whether a payment is already reconciled.
func (s *Store) HasFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reconciliations WHERE fingerprint = ?`, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking fingerprint: %w", err)
	}
	return n > 0, nil
}

// FilterKnownFingerprints returns the subset of fingerprints that are
// already reconciled, keyed for O(1) lookup. Used by the parser for
// cross-upload dedupe.
func (s *Store) FilterKnownFingerprints(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(fingerprints) == 0 {
		return known, nil
	}

	placeholders := strings.Repeat("?,", len(fingerprints))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(fingerprints))
	for i, fp := range fingerprints {
		args[i] = fp
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint FROM reconciliations WHERE fingerprint IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("filtering fingerprints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		known[fp] = true
	}
	return known, rows.Err()
}

// CreateReconciliation inserts the audit record inside one transaction:
// fingerprint re-check, contact and operator existence checks, the
// insert, and the hash→contact mapping upsert all commit or roll back
// together. This check-then-create is the idempotency gate for
// concurrent double-confirmation.
func (s *Store) CreateReconciliation(ctx context.Context, rec *models.ReconciliationRecord, accountHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reconciliations WHERE fingerprint = ?`, rec.Fingerprint).Scan(&n); err != nil {
		return fmt.Errorf("checking fingerprint: %w", err)
	}
	if n > 0 {
		return &models.DuplicateError{Fingerprint: rec.Fingerprint}
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM contacts WHERE id = ?`, rec.ContactID).Scan(&n); err != nil {
		return fmt.Errorf("checking contact: %w", err)
	}
	if n == 0 {
		return &models.NotFoundError{Kind: "contact", ID: rec.ContactID}
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM operators WHERE id = ?`, rec.OperatorID).Scan(&n); err != nil {
		return fmt.Errorf("checking operator: %w", err)
	}
	if n == 0 {
		return &models.NotFoundError{Kind: "operator", ID: rec.OperatorID}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliations
			(id, fingerprint, payment_date, amount, source, reference,
			 contact_id, operator_id, confidence, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Fingerprint, rec.PaymentDate, rec.Amount.String(), string(rec.Source),
		rec.Reference, rec.ContactID, rec.OperatorID, rec.Confidence, rec.Reasoning, rec.CreatedAt)
	if err != nil {
		// A concurrent confirm can win the race between the check and
		// the insert; the UNIQUE constraint is the real gate.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &models.DuplicateError{Fingerprint: rec.Fingerprint}
		}
		return fmt.Errorf("inserting reconciliation: %w", err)
	}

	if accountHash != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_hash_contacts (account_hash, contact_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(account_hash) DO UPDATE SET contact_id = excluded.contact_id,
				updated_at = excluded.updated_at`,
			accountHash, rec.ContactID, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("upserting payment hash mapping: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteReconciliation is the compensating action when a critical saga
// step fails after the record was committed.
func (s *Store) DeleteReconciliation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reconciliations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting reconciliation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{Kind: "reconciliation", ID: id}
	}
	return nil
}

// GetReconciliationByFingerprint loads one audit record, or a
// NotFoundError.
func (s *Store) GetReconciliationByFingerprint(ctx context.Context, fingerprint string) (*models.ReconciliationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, payment_date, amount, source, reference,
		       contact_id, operator_id, confidence, reasoning, created_at
		FROM reconciliations WHERE fingerprint = ?`, fingerprint)
	return scanReconciliation(row)
}

// ListReconciliations returns all audit records, newest first.
func (s *Store) ListReconciliations(ctx context.Context) ([]models.ReconciliationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, payment_date, amount, source, reference,
		       contact_id, operator_id, confidence, reasoning, created_at
		FROM reconciliations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing reconciliations: %w", err)
	}
	defer rows.Close()

	var recs []models.ReconciliationRecord
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReconciliation(row rowScanner) (*models.ReconciliationRecord, error) {
	var rec models.ReconciliationRecord
	var amount, source string
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.PaymentDate, &amount, &source,
		&rec.Reference, &rec.ContactID, &rec.OperatorID, &rec.Confidence,
		&rec.Reasoning, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "reconciliation", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning reconciliation: %w", err)
	}
	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad stored amount %q: %w", amount, err)
	}
	rec.Source = models.PaymentSource(source)
	return &rec, nil
}

// RecentContactIDs returns contacts reconciled since the given time.
// The matcher removes them from candidacy so someone just matched is
// not suggested again for the next payment.
func (s *Store) RecentContactIDs(ctx context.Context, since time.Time) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT contact_id FROM reconciliations WHERE created_at >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("listing recent contacts: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// SaveContacts upserts fallback copies of CRM contacts. Called by the
// directory cache on every successful CRM fetch so the fallback stays
// warm.
func (s *Store) SaveContacts(ctx context.Context, contacts []*models.Contact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contacts
			(id, first_name, last_name, display_name, email, phone, postcode,
			 membership_type, custom_fields, renewal_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			display_name = excluded.display_name,
			email = excluded.email,
			phone = excluded.phone,
			postcode = excluded.postcode,
			membership_type = excluded.membership_type,
			custom_fields = excluded.custom_fields,
			renewal_date = excluded.renewal_date`)
	if err != nil {
		return fmt.Errorf("preparing contact upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range contacts {
		cf, err := json.Marshal(c.CustomFields)
		if err != nil {
			return fmt.Errorf("encoding custom fields for %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.FirstName, c.LastName, c.DisplayName,
			c.Email, c.Phone, c.Postcode, c.MembershipType, string(cf), c.RenewalDate); err != nil {
			return fmt.Errorf("upserting contact %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetContact loads one fallback contact, or a NotFoundError.
func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, display_name, email, phone, postcode,
		       membership_type, custom_fields, renewal_date
		FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "contact", ID: id}
	}
	return c, err
}

// ListContacts returns all fallback contacts.
func (s *Store) ListContacts(ctx context.Context) ([]*models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, display_name, email, phone, postcode,
		       membership_type, custom_fields, renewal_date
		FROM contacts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var cf string
	var renewal sql.NullTime
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.DisplayName, &c.Email,
		&c.Phone, &c.Postcode, &c.MembershipType, &cf, &renewal)
	if err != nil {
		return nil, err
	}
	if cf != "" {
		if err := json.Unmarshal([]byte(cf), &c.CustomFields); err != nil {
			return nil, fmt.Errorf("decoding custom fields for %s: %w", c.ID, err)
		}
	}
	if renewal.Valid {
		c.RenewalDate = renewal.Time
	}
	return &c, nil
}

// SaveOperator upserts an operator.
func (s *Store) SaveOperator(ctx context.Context, op *models.Operator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		op.ID, op.Name, op.Email)
	if err != nil {
		return fmt.Errorf("upserting operator %s: %w", op.ID, err)
	}
	return nil
}

// GetOperator loads one operator, or a NotFoundError.
func (s *Store) GetOperator(ctx context.Context, id string) (*models.Operator, error) {
	var op models.Operator
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email FROM operators WHERE id = ?`, id).
		Scan(&op.ID, &op.Name, &op.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "operator", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading operator %s: %w", id, err)
	}
	return &op, nil
}

// ContactForAccountHash returns the contact previously mapped to a
// hashed account identifier, or "" when unknown.
func (s *Store) ContactForAccountHash(ctx context.Context, accountHash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT contact_id FROM payment_hash_contacts WHERE account_hash = ?`, accountHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up account hash: %w", err)
	}
	return id, nil
}
