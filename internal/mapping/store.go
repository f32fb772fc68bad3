// Package mapping persists the durable (outlook_id ⇄ google_id) pairing
// that lets the reconciliation engine recognize a mirror it already
// created, and the global cursors a tick needs across runs.
package mapping

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Row is one persisted mirror pair.
type Row struct {
	ID     uuid.UUID
	Outlook string
	Google  string
	// Origin is which side was authoritative for creation. The engine
	// falls back to it to tell which side holds the mirror when neither
	// side's event is a live source this tick; conflict tie-breaks do
	// not consult it. The engine never changes it after the row is born.
	Origin Origin

	LastOutlookModified    time.Time
	LastGoogleModified     time.Time
	LastOutlookFingerprint *uint64
	LastGoogleFingerprint  *uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Origin mirrors canonical.Origin without importing it, keeping mapping
// free of a dependency on the canonical package's richer Event type.
type Origin string

const (
	OriginOutlook Origin = "outlook"
	OriginGoogle  Origin = "google"
)

// Store persists mapping rows and cursors in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the durable mapping store at path, running
// schema migration idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open mapping store: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already-open *sql.DB, running schema migration.
// Exposed separately from Open so tests can inject an in-memory
// database (see store_test.go).
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate mapping store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pair (
			id TEXT PRIMARY KEY,
			outlook_id TEXT NOT NULL UNIQUE,
			google_id TEXT NOT NULL UNIQUE,
			origin TEXT NOT NULL,
			last_outlook_modified TEXT,
			last_google_modified TEXT,
			last_outlook_fingerprint TEXT,
			last_google_fingerprint TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pair_outlook ON pair(outlook_id);
		CREATE INDEX IF NOT EXISTS idx_pair_google ON pair(google_id);

		CREATE TABLE IF NOT EXISTS cursor (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// newID generates a UUIDv7 row id, falling back to v4 if the clock-based
// generator fails.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func formatFingerprint(fp *uint64) any {
	if fp == nil {
		return nil
	}
	return fmt.Sprintf("%d", *fp)
}

func parseFingerprint(s sql.NullString) (*uint64, error) {
	if !s.Valid {
		return nil, nil
	}
	var v uint64
	if _, err := fmt.Sscanf(s.String, "%d", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

const rowColumns = `id, outlook_id, google_id, origin, last_outlook_modified, last_google_modified,
	last_outlook_fingerprint, last_google_fingerprint, created_at, updated_at`

func scanRow(scan func(dest ...any) error) (Row, error) {
	var (
		r                    Row
		id                   string
		lastOutlookModified  sql.NullString
		lastGoogleModified   sql.NullString
		lastOutlookFP        sql.NullString
		lastGoogleFP         sql.NullString
		createdAt, updatedAt string
	)
	if err := scan(&id, &r.Outlook, &r.Google, &r.Origin,
		&lastOutlookModified, &lastGoogleModified, &lastOutlookFP, &lastGoogleFP,
		&createdAt, &updatedAt); err != nil {
		return Row{}, err
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return Row{}, err
	}
	r.ID = parsedID

	if r.LastOutlookModified, err = parseTime(lastOutlookModified); err != nil {
		return Row{}, err
	}
	if r.LastGoogleModified, err = parseTime(lastGoogleModified); err != nil {
		return Row{}, err
	}
	if r.LastOutlookFingerprint, err = parseFingerprint(lastOutlookFP); err != nil {
		return Row{}, err
	}
	if r.LastGoogleFingerprint, err = parseFingerprint(lastGoogleFP); err != nil {
		return Row{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Row{}, err
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Row{}, err
	}
	return r, nil
}

// GetByOutlook returns the row for a given Outlook id, or (Row{}, false, nil)
// if no such row exists.
func (s *Store) GetByOutlook(id string) (Row, bool, error) {
	return s.getBy("outlook_id", id)
}

// GetByGoogle returns the row for a given Google id, or (Row{}, false, nil)
// if no such row exists.
func (s *Store) GetByGoogle(id string) (Row, bool, error) {
	return s.getBy("google_id", id)
}

func (s *Store) getBy(column, value string) (Row, bool, error) {
	row := s.db.QueryRow(fmt.Sprintf(`SELECT %s FROM pair WHERE %s = ?`, rowColumns, column), value)
	r, err := scanRow(row.Scan)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	return r, true, nil
}

// ListAll returns every mapping row.
func (s *Store) ListAll() ([]Row, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s FROM pair ORDER BY created_at ASC`, rowColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// ListWhereOutlookIn returns the mapping rows whose outlook_id appears in
// ids. The Engine calls it with the outlook ids seen this tick, alongside
// a ListAll of the whole table.
func (s *Store) ListWhereOutlookIn(ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM pair WHERE outlook_id IN (%s)`, rowColumns, string(placeholders))
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert creates the row, or updates the existing row with the same
// outlook_id. A row with a new outlook_id whose google_id or id is
// already held by another row fails with a unique-constraint error.
// CreatedAt is preserved on update; UpdatedAt is always set to now.
// Row.ID is assigned if zero.
func (s *Store) Upsert(r Row) (Row, error) {
	now := time.Now().UTC()
	if r.ID == uuid.Nil {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO pair (id, outlook_id, google_id, origin, last_outlook_modified, last_google_modified,
			last_outlook_fingerprint, last_google_fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(outlook_id) DO UPDATE SET
			google_id = excluded.google_id,
			origin = excluded.origin,
			last_outlook_modified = excluded.last_outlook_modified,
			last_google_modified = excluded.last_google_modified,
			last_outlook_fingerprint = excluded.last_outlook_fingerprint,
			last_google_fingerprint = excluded.last_google_fingerprint,
			updated_at = excluded.updated_at
	`,
		r.ID.String(), r.Outlook, r.Google, string(r.Origin),
		formatTime(r.LastOutlookModified), formatTime(r.LastGoogleModified),
		formatFingerprint(r.LastOutlookFingerprint), formatFingerprint(r.LastGoogleFingerprint),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return Row{}, err
	}
	return r, nil
}

// Delete removes a mapping row. Deleting a row that does not exist is a
// no-op, matching the adapter contract's MissingTarget tolerance.
func (s *Store) Delete(r Row) error {
	_, err := s.db.Exec(`DELETE FROM pair WHERE outlook_id = ?`, r.Outlook)
	return err
}

// GetCursor returns a named cursor value, or ("", false, nil) if unset.
func (s *Store) GetCursor(name string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM cursor WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetCursor persists a named cursor value, creating or overwriting it.
func (s *Store) SetCursor(name, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO cursor (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	return err
}

// Transaction runs fn inside a SQL transaction, committing only if fn
// returns nil. Any error from fn (or from Commit) rolls back the
// transaction, leaving the store unchanged — the all-or-nothing
// guarantee the Engine relies on for its per-phase checkpoints.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return err
	}
	tx := &Tx{db: sqlTx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// Tx is a Store handle scoped to a single transaction. It exposes the
// same mutation surface as Store; reads inside a transaction are not
// needed by the Engine and are omitted to keep the type small.
type Tx struct {
	db *sql.Tx
}

// Upsert mirrors Store.Upsert within the transaction.
func (t *Tx) Upsert(r Row) (Row, error) {
	now := time.Now().UTC()
	if r.ID == uuid.Nil {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := t.db.Exec(`
		INSERT INTO pair (id, outlook_id, google_id, origin, last_outlook_modified, last_google_modified,
			last_outlook_fingerprint, last_google_fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(outlook_id) DO UPDATE SET
			google_id = excluded.google_id,
			origin = excluded.origin,
			last_outlook_modified = excluded.last_outlook_modified,
			last_google_modified = excluded.last_google_modified,
			last_outlook_fingerprint = excluded.last_outlook_fingerprint,
			last_google_fingerprint = excluded.last_google_fingerprint,
			updated_at = excluded.updated_at
	`,
		r.ID.String(), r.Outlook, r.Google, string(r.Origin),
		formatTime(r.LastOutlookModified), formatTime(r.LastGoogleModified),
		formatFingerprint(r.LastOutlookFingerprint), formatFingerprint(r.LastGoogleFingerprint),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return Row{}, err
	}
	return r, nil
}

// Delete mirrors Store.Delete within the transaction.
func (t *Tx) Delete(r Row) error {
	_, err := t.db.Exec(`DELETE FROM pair WHERE outlook_id = ?`, r.Outlook)
	return err
}

// SetCursor mirrors Store.SetCursor within the transaction.
func (t *Tx) SetCursor(name, value string) error {
	_, err := t.db.Exec(`
		INSERT INTO cursor (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	return err
}

// Stats reports the mapping row count for operator diagnostics; it has
// no bearing on reconciliation correctness. Cursor values are not
// included, and cmd/bridgecal does not print it.
type Stats struct {
	PairCount int
}

// Stats returns current diagnostic counters.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pair`).Scan(&st.PairCount); err != nil {
		return Stats{}, err
	}
	return st, nil
}
