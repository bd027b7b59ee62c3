package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// SQLStore persists chain entries in a relational database. Placeholders
// are written as $1..$n, which both lib/pq and modernc sqlite accept. The
// unique primary key on position backs the append-only guarantee: a
// conflicting insert fails instead of overwriting.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the chain table when absent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_chain (
			position   BIGINT PRIMARY KEY,
			ts         TIMESTAMP NOT NULL,
			tenant_id  TEXT,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			resource   TEXT,
			outcome    TEXT NOT NULL,
			details    TEXT,
			prev_hash  TEXT NOT NULL,
			hash       TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating audit_chain table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_anchors (
			id             TEXT PRIMARY KEY,
			start_position BIGINT NOT NULL,
			end_position   BIGINT NOT NULL,
			start_hash     TEXT NOT NULL,
			end_hash       TEXT NOT NULL,
			anchor_hash    TEXT NOT NULL,
			created_at     TIMESTAMP NOT NULL,
			location       TEXT,
			published_at   TIMESTAMP,
			signature      TEXT,
			root_of_trust  BOOLEAN NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating audit_anchors table: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, entry contracts.ChainEntry) error {
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_chain
			(position, ts, tenant_id, actor, action, resource, outcome, details, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.Position, entry.Timestamp, entry.TenantID, entry.Actor,
		entry.Action, entry.Resource, string(entry.Outcome), details,
		entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("inserting entry %d: %w", entry.Position, err)
	}
	return nil
}

func (s *SQLStore) Head(ctx context.Context) (*contracts.ChainEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT position, ts, tenant_id, actor, action, resource, outcome, details, prev_hash, hash
		FROM audit_chain ORDER BY position DESC LIMIT 1`)
	return scanEntry(row)
}

func (s *SQLStore) Get(ctx context.Context, position int64) (*contracts.ChainEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT position, ts, tenant_id, actor, action, resource, outcome, details, prev_hash, hash
		FROM audit_chain WHERE position = $1`, position)
	return scanEntry(row)
}

func (s *SQLStore) Range(ctx context.Context, from, to int64) ([]contracts.ChainEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, ts, tenant_id, actor, action, resource, outcome, details, prev_hash, hash
		FROM audit_chain WHERE position >= $1 AND position <= $2
		ORDER BY position ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying chain range: %w", err)
	}
	defer rows.Close()

	var out []contracts.ChainEntry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (s *SQLStore) Len(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_chain`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chain entries: %w", err)
	}
	return n, nil
}

// SaveAnchor upserts an anchor record by ID.
func (s *SQLStore) SaveAnchor(ctx context.Context, record contracts.AnchorRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_anchors
			(id, start_position, end_position, start_hash, end_hash, anchor_hash,
			 created_at, location, published_at, signature, root_of_trust)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			location = EXCLUDED.location,
			published_at = EXCLUDED.published_at`,
		record.ID, record.StartPosition, record.EndPosition,
		record.StartHash, record.EndHash, record.AnchorHash,
		record.CreatedAt, record.Location, record.PublishedAt,
		record.Signature, record.RootOfTrust,
	)
	if err != nil {
		return fmt.Errorf("upserting anchor %s: %w", record.ID, err)
	}
	return nil
}

// LoadAnchors returns all anchor records in start-position order.
func (s *SQLStore) LoadAnchors(ctx context.Context) ([]contracts.AnchorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_position, end_position, start_hash, end_hash, anchor_hash,
		       created_at, location, published_at, signature, root_of_trust
		FROM audit_anchors ORDER BY start_position ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying anchors: %w", err)
	}
	defer rows.Close()

	var out []contracts.AnchorRecord
	for rows.Next() {
		var (
			record      contracts.AnchorRecord
			createdAt   time.Time
			location    sql.NullString
			publishedAt sql.NullTime
			signature   sql.NullString
		)
		err := rows.Scan(&record.ID, &record.StartPosition, &record.EndPosition,
			&record.StartHash, &record.EndHash, &record.AnchorHash,
			&createdAt, &location, &publishedAt, &signature, &record.RootOfTrust)
		if err != nil {
			return nil, fmt.Errorf("scanning anchor row: %w", err)
		}
		record.CreatedAt = createdAt.UTC()
		record.Location = location.String
		record.Signature = signature.String
		if publishedAt.Valid {
			ts := publishedAt.Time.UTC()
			record.PublishedAt = &ts
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*contracts.ChainEntry, error) {
	entry, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func scanEntryRow(row rowScanner) (*contracts.ChainEntry, error) {
	var (
		entry    contracts.ChainEntry
		ts       time.Time
		tenantID sql.NullString
		resource sql.NullString
		outcome  string
		details  sql.NullString
	)
	err := row.Scan(&entry.Position, &ts, &tenantID, &entry.Actor,
		&entry.Action, &resource, &outcome, &details,
		&entry.PrevHash, &entry.Hash)
	if err != nil {
		return nil, err
	}

	entry.Timestamp = ts.UTC()
	entry.TenantID = tenantID.String
	entry.Resource = resource.String
	entry.Outcome = contracts.Outcome(outcome)
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
			return nil, fmt.Errorf("decoding details for entry %d: %w", entry.Position, err)
		}
	}
	return &entry, nil
}

func marshalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encoding entry details: %w", err)
	}
	return string(raw), nil
}
