package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// uniqueViolation is the Postgres error code raised when an insert hits a
// unique index.
const uniqueViolation = "23505"

// PGConnectionStore is the Postgres-backed ConnectionStore. The unique
// index on external_id_hash backs the global-uniqueness guarantee and
// the hash-index interface for external-id generation.
type PGConnectionStore struct {
	db *sql.DB
}

// NewPGConnectionStore wraps an open database handle.
func NewPGConnectionStore(db *sql.DB) *PGConnectionStore {
	return &PGConnectionStore{db: db}
}

// Migrate creates the connection tables when absent.
func (s *PGConnectionStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			external_id_hash      TEXT,
			encrypted_external_id TEXT,
			allowed_services      TEXT NOT NULL,
			status                TEXT NOT NULL,
			mode                  TEXT NOT NULL,
			sim_started_at        TIMESTAMPTZ,
			sim_period_days       INT NOT NULL DEFAULT 0,
			environment           TEXT NOT NULL,
			created_at            TIMESTAMPTZ NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS connections_external_id_hash
			ON connections (external_id_hash) WHERE external_id_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS connections_tenant ON connections (tenant_id)`,
		`CREATE TABLE IF NOT EXISTS external_id_hashes (
			hash      TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			reserved_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating connection schema: %w", err)
		}
	}
	return nil
}

func (s *PGConnectionStore) Create(ctx context.Context, conn *contracts.Connection) error {
	services, err := json.Marshal(conn.AllowedServices)
	if err != nil {
		return fmt.Errorf("encoding allowed services: %w", err)
	}

	var simStarted sql.NullTime
	if !conn.Simulation.StartedAt.IsZero() {
		simStarted = sql.NullTime{Time: conn.Simulation.StartedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections
			(id, tenant_id, external_id_hash, encrypted_external_id,
			 allowed_services, status, mode, sim_started_at, sim_period_days,
			 environment, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		conn.ID, conn.TenantID, conn.ExternalIDHash, conn.EncryptedExternalID,
		string(services), string(conn.Status), string(conn.Mode),
		simStarted, conn.Simulation.PeriodDays, string(conn.Environment),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("inserting connection %s: %w", conn.ID, err)
	}
	return nil
}

func (s *PGConnectionStore) Get(ctx context.Context, id string) (*contracts.Connection, error) {
	row := s.db.QueryRowContext(ctx, connectionSelect+` WHERE id = $1`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	return conn, err
}

func (s *PGConnectionStore) GetByTenant(ctx context.Context, tenantID string) ([]contracts.Connection, error) {
	rows, err := s.db.QueryContext(ctx, connectionSelect+` WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying tenant connections: %w", err)
	}
	defer rows.Close()

	var out []contracts.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

func (s *PGConnectionStore) UpdateMode(ctx context.Context, id string, mode contracts.ExecutionMode) error {
	return s.updateField(ctx, id, `mode`, string(mode))
}

func (s *PGConnectionStore) UpdateStatus(ctx context.Context, id string, status contracts.ConnectionStatus) error {
	return s.updateField(ctx, id, `status`, string(status))
}

// UpdateExternalID swaps the connection's credential after a rotation.
// The unique index on external_id_hash still applies; the retired hash
// stays reserved in external_id_hashes.
func (s *PGConnectionStore) UpdateExternalID(ctx context.Context, id, hash, encrypted string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET external_id_hash = NULLIF($1, ''), encrypted_external_id = $2, updated_at = now()
		WHERE id = $3`,
		hash, encrypted, id)
	if isUniqueViolation(err) {
		return ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("rotating external id for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (s *PGConnectionStore) updateField(ctx context.Context, id, column, value string) error {
	// column names come from the two callers above, never from input
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE connections SET %s = $1, updated_at = now() WHERE id = $2`, column),
		value, id)
	if err != nil {
		return fmt.Errorf("updating connection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// Exists implements the external-id hash index.
func (s *PGConnectionStore) Exists(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM external_id_hashes WHERE hash = $1`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking hash reservation: %w", err)
	}
	return n > 0, nil
}

// Reserve implements the external-id hash index. The primary key makes
// concurrent duplicate reservations fail on one side.
func (s *PGConnectionStore) Reserve(ctx context.Context, hash, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_id_hashes (hash, tenant_id) VALUES ($1, $2)`, hash, tenantID)
	if isUniqueViolation(err) {
		return ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("reserving hash: %w", err)
	}
	return nil
}

// Owner implements the external-id hash index.
func (s *PGConnectionStore) Owner(ctx context.Context, hash string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM external_id_hashes WHERE hash = $1`, hash).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up hash owner: %w", err)
	}
	return tenantID, nil
}

const connectionSelect = `
	SELECT id, tenant_id, COALESCE(external_id_hash, ''), encrypted_external_id,
	       allowed_services, status, mode, sim_started_at, sim_period_days,
	       environment, created_at, updated_at
	FROM connections`

func scanConnection(row rowScanner) (*contracts.Connection, error) {
	var (
		conn       contracts.Connection
		services   string
		status     string
		mode       string
		simStarted sql.NullTime
		env        string
	)
	err := row.Scan(&conn.ID, &conn.TenantID, &conn.ExternalIDHash,
		&conn.EncryptedExternalID, &services, &status, &mode,
		&simStarted, &conn.Simulation.PeriodDays, &env,
		&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(services), &conn.AllowedServices); err != nil {
		return nil, fmt.Errorf("decoding allowed services for %s: %w", conn.ID, err)
	}
	conn.Status = contracts.ConnectionStatus(status)
	conn.Mode = contracts.ExecutionMode(mode)
	conn.Environment = contracts.Environment(env)
	if simStarted.Valid {
		conn.Simulation.StartedAt = simStarted.Time
	}
	return &conn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
