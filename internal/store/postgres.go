package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/auroradata-ai/rendezvous/internal/ids"
)

// PostgresStore is the persistent Store backend, built on database/sql +
// lib/pq. Every entity is kept in its own table, with the fields needed as
// secondary lookups (pool status and creator key; preferences by nullifier
// and by revealed; PSI requests by pool+status; PSI responses by request id)
// promoted to real columns, and the remaining fields carried as a JSON
// payload — the persisted layout is deliberately abstract, not a fixed
// schema.
type PostgresStore struct {
	db *sql.DB
	mu sync.Mutex // serializes the nullifier-uniqueness check-then-insert
}

// NewPostgresStore opens a connection and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("rendezvous/store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("rendezvous/store: ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pools (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL,
			creator_key TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS pools_status_idx ON pools(status)`,
		`CREATE INDEX IF NOT EXISTS pools_creator_idx ON pools(creator_key)`,
		`CREATE TABLE IF NOT EXISTS participants (
			pool_id UUID NOT NULL,
			agreement_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (pool_id, agreement_key)
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			pool_id UUID NOT NULL,
			nullifier TEXT NOT NULL,
			match_token TEXT NOT NULL,
			revealed BOOLEAN NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (pool_id, nullifier, match_token)
		)`,
		`CREATE INDEX IF NOT EXISTS preferences_revealed_idx ON preferences(pool_id, revealed)`,
		`CREATE TABLE IF NOT EXISTS match_results (
			pool_id UUID PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS psi_setups (
			pool_id UUID PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS psi_requests (
			id UUID PRIMARY KEY,
			pool_id UUID NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS psi_requests_pool_status_idx ON psi_requests(pool_id, status)`,
		`CREATE TABLE IF NOT EXISTS psi_responses (
			request_id UUID PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id UUID PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS federated_pools (
			pool_id UUID PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("rendezvous/store: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// --- Pools ---

func (s *PostgresStore) InsertPool(ctx context.Context, p *Pool) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pools (id, status, creator_key, payload) VALUES ($1, $2, $3, $4)`,
		p.ID, string(p.Status), keyHex(p.CreatorAgreementKey), payload)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, id ids.PoolID) (*Pool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM pools WHERE id = $1`, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p Pool
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePool(ctx context.Context, p *Pool) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pools SET status = $2, creator_key = $3, payload = $4 WHERE id = $1`,
		p.ID, string(p.Status), keyHex(p.CreatorAgreementKey), payload)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) queryPools(ctx context.Context, query string, args ...interface{}) ([]*Pool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Pool
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p Pool
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPoolsByStatus(ctx context.Context, status PoolStatus) ([]*Pool, error) {
	return s.queryPools(ctx, `SELECT payload FROM pools WHERE status = $1`, string(status))
}

func (s *PostgresStore) ListPoolsByCreator(ctx context.Context, creatorAgreementKey []byte) ([]*Pool, error) {
	return s.queryPools(ctx, `SELECT payload FROM pools WHERE creator_key = $1`, keyHex(creatorAgreementKey))
}

func (s *PostgresStore) ListAllPools(ctx context.Context) ([]*Pool, error) {
	return s.queryPools(ctx, `SELECT payload FROM pools`)
}

// --- Participants ---

func (s *PostgresStore) InsertParticipant(ctx context.Context, p *Participant) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participants (pool_id, agreement_key, payload) VALUES ($1, $2, $3)`,
		p.PoolID, keyHex(p.AgreementKey), payload)
	if isUniqueViolation(err) {
		return &alreadyExistsError{"participant already registered"}
	}
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, poolID ids.PoolID, agreementKey []byte) (*Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM participants WHERE pool_id = $1 AND agreement_key = $2`,
		poolID, keyHex(agreementKey))
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p Participant
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, poolID ids.PoolID) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM participants WHERE pool_id = $1`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Participant
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p Participant
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteParticipantsByPool(ctx context.Context, poolID ids.PoolID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE pool_id = $1`, poolID)
	return err
}

// --- Preferences ---

func (s *PostgresStore) InsertPreferences(ctx context.Context, poolID ids.PoolID, nullifier []byte, prefs []*Preference) error {
	// Serialize the check-then-insert with an in-process mutex in addition to
	// the database's own uniqueness; a production deployment behind a single
	// PostgresStore instance gets the same nullifier-uniqueness guarantee
	// MemoryStore provides, and a concurrent insert from a second process
	// still fails the table's composite primary key.
	s.mu.Lock()
	defer s.mu.Unlock()

	has, err := s.HasNullifier(ctx, poolID, nullifier)
	if err != nil {
		return err
	}
	if has {
		return &alreadyExistsError{"DUPLICATE_NULLIFIER"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range prefs {
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO preferences (pool_id, nullifier, match_token, revealed, payload) VALUES ($1, $2, $3, $4, $5)`,
			poolID, keyHex(nullifier), keyHex(p.MatchToken), p.Revealed, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) HasNullifier(ctx context.Context, poolID ids.PoolID, nullifier []byte) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM preferences WHERE pool_id = $1 AND nullifier = $2`, poolID, keyHex(nullifier))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ListPreferencesByNullifier(ctx context.Context, poolID ids.PoolID, nullifier []byte) ([]*Preference, error) {
	return s.queryPreferences(ctx,
		`SELECT payload FROM preferences WHERE pool_id = $1 AND nullifier = $2`, poolID, keyHex(nullifier))
}

func (s *PostgresStore) ListPreferencesByRevealed(ctx context.Context, poolID ids.PoolID, revealed bool) ([]*Preference, error) {
	return s.queryPreferences(ctx,
		`SELECT payload FROM preferences WHERE pool_id = $1 AND revealed = $2`, poolID, revealed)
}

func (s *PostgresStore) queryPreferences(ctx context.Context, query string, args ...interface{}) ([]*Preference, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Preference
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p Preference
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePreference(ctx context.Context, p *Preference) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE preferences SET revealed = $4, payload = $5
		 WHERE pool_id = $1 AND nullifier = $2 AND match_token = $3`,
		p.PoolID, keyHex(p.Nullifier), keyHex(p.MatchToken), p.Revealed, payload)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountTokenOccurrences(ctx context.Context, poolID ids.PoolID) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT match_token, COUNT(*) FROM preferences WHERE pool_id = $1 AND revealed = true GROUP BY match_token`,
		poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var token string
		var n int
		if err := rows.Scan(&token, &n); err != nil {
			return nil, err
		}
		counts[token] = n
	}
	return counts, rows.Err()
}

// --- Match results ---

func (s *PostgresStore) InsertMatchResult(ctx context.Context, r *MatchResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO match_results (pool_id, payload) VALUES ($1, $2)
		 ON CONFLICT (pool_id) DO UPDATE SET payload = EXCLUDED.payload`,
		r.PoolID, payload)
	return err
}

func (s *PostgresStore) GetMatchResult(ctx context.Context, poolID ids.PoolID) (*MatchResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM match_results WHERE pool_id = $1`, poolID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r MatchResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- PSI ---

func (s *PostgresStore) InsertPSISetup(ctx context.Context, setup *PSISetup) error {
	payload, err := json.Marshal(setup)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO psi_setups (pool_id, payload) VALUES ($1, $2)
		 ON CONFLICT (pool_id) DO UPDATE SET payload = EXCLUDED.payload`,
		setup.PoolID, payload)
	return err
}

func (s *PostgresStore) GetPSISetup(ctx context.Context, poolID ids.PoolID) (*PSISetup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM psi_setups WHERE pool_id = $1`, poolID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var setup PSISetup
	if err := json.Unmarshal(payload, &setup); err != nil {
		return nil, err
	}
	return &setup, nil
}

func (s *PostgresStore) InsertPendingPSIRequest(ctx context.Context, r *PendingPSIRequest) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO psi_requests (id, pool_id, status, payload) VALUES ($1, $2, $3, $4)`,
		r.ID, r.PoolID, string(r.Status), payload)
	return err
}

func (s *PostgresStore) GetPendingPSIRequest(ctx context.Context, id ids.RequestID) (*PendingPSIRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM psi_requests WHERE id = $1`, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r PendingPSIRequest
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListPendingPSIRequests(ctx context.Context, poolID ids.PoolID, status PSIRequestStatus) ([]*PendingPSIRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM psi_requests WHERE pool_id = $1 AND status = $2`, poolID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PendingPSIRequest
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r PendingPSIRequest
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePendingPSIRequestStatus(ctx context.Context, id ids.RequestID, status PSIRequestStatus) error {
	r, err := s.GetPendingPSIRequest(ctx, id)
	if err != nil {
		return err
	}
	r.Status = status
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE psi_requests SET status = $2, payload = $3 WHERE id = $1`,
		id, string(status), payload)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertPSIResponse(ctx context.Context, r *PSIResponseRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO psi_responses (request_id, payload) VALUES ($1, $2)
		 ON CONFLICT (request_id) DO UPDATE SET payload = EXCLUDED.payload`,
		r.RequestID, payload)
	return err
}

func (s *PostgresStore) GetPSIResponse(ctx context.Context, requestID ids.RequestID) (*PSIResponseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM psi_responses WHERE request_id = $1`, requestID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r PSIResponseRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Federation ---

func (s *PostgresStore) UpsertInstance(ctx context.Context, inst *InstanceRecord) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, payload) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		inst.ID, payload)
	return err
}

func (s *PostgresStore) GetInstance(ctx context.Context, id ids.InstanceID) (*InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM instances WHERE id = $1`, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var inst InstanceRecord
	if err := json.Unmarshal(payload, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM instances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InstanceRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var inst InstanceRecord
		if err := json.Unmarshal(payload, &inst); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertFederatedPool(ctx context.Context, meta *FederatedPoolMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO federated_pools (pool_id, payload) VALUES ($1, $2)
		 ON CONFLICT (pool_id) DO UPDATE SET payload = EXCLUDED.payload`,
		meta.PoolID, payload)
	return err
}

func (s *PostgresStore) GetFederatedPool(ctx context.Context, id ids.PoolID) (*FederatedPoolMetadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM federated_pools WHERE pool_id = $1`, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta FederatedPoolMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *PostgresStore) ListFederatedPools(ctx context.Context) ([]*FederatedPoolMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM federated_pools`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FederatedPoolMetadata
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var meta FederatedPoolMetadata
		if err := json.Unmarshal(payload, &meta); err != nil {
			return nil, err
		}
		out = append(out, &meta)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err came from a unique-constraint
// conflict. lib/pq reports this as SQLSTATE 23505; string-sniffing the
// message keeps this resilient to driver version drift, matching the
// teacher's own postgres.go approach to driver errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

var _ Store = (*PostgresStore)(nil)
