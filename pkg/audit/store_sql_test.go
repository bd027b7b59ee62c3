package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

func TestSQLStoreAppendQuery(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	entry := contracts.ChainEntry{
		Position:  1,
		Timestamp: chainNow,
		TenantID:  "tn-a",
		Actor:     "operator",
		Action:    "ec2.stop",
		Resource:  "i-1",
		Outcome:   contracts.OutcomeSuccess,
		Details:   map[string]any{"seq": 1},
		PrevHash:  genesisHash,
		Hash:      "abc",
	}

	mock.ExpectExec(`INSERT INTO audit_chain`).
		WithArgs(entry.Position, entry.Timestamp, entry.TenantID, entry.Actor,
			entry.Action, entry.Resource, string(entry.Outcome),
			sqlmock.AnyArg(), entry.PrevHash, entry.Hash).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Append(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreHeadEmpty(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM audit_chain ORDER BY position DESC`).
		WillReturnRows(sqlmock.NewRows([]string{
			"position", "ts", "tenant_id", "actor", "action",
			"resource", "outcome", "details", "prev_hash", "hash",
		}))

	head, err := NewSQLStore(db).Head(context.Background())
	require.NoError(t, err)
	assert.Nil(t, head)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLStoreSQLite exercises the store end to end against an embedded
// database, including the chain on top of it.
func TestSQLStoreSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	chain := NewChain(store).WithClock(func() time.Time { return chainNow })
	for i := 0; i < 5; i++ {
		require.NoError(t, chain.Record(context.Background(), "tn-a", "operator",
			"rds.stop", "db-1", contracts.OutcomeSuccess, map[string]any{"seq": i}))
	}

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	head, err := store.Head(context.Background())
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, int64(5), head.Position)

	got, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rds.stop", got.Action)
	assert.Equal(t, float64(2), got.Details["seq"])

	require.NoError(t, VerifyChain(context.Background(), store))

	// duplicate position violates the primary key
	err = store.Append(context.Background(), *head)
	assert.Error(t, err)
}

func TestSQLStoreAnchorJournalSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	record := contracts.AnchorRecord{
		ID:            "anchor-1",
		StartPosition: 1,
		EndPosition:   5,
		StartHash:     "h1",
		EndHash:       "h5",
		AnchorHash:    "composite",
		CreatedAt:     chainNow,
		Signature:     "sig",
		RootOfTrust:   true,
	}
	require.NoError(t, store.SaveAnchor(context.Background(), record))

	// re-saving the same ID updates publication metadata in place
	published := chainNow.Add(time.Minute)
	record.Location = "mem://anchors/anchor-1"
	record.PublishedAt = &published
	require.NoError(t, store.SaveAnchor(context.Background(), record))

	anchors, err := store.LoadAnchors(context.Background())
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, "anchor-1", anchors[0].ID)
	assert.True(t, anchors[0].RootOfTrust)
	assert.Equal(t, "mem://anchors/anchor-1", anchors[0].Location)
	require.NotNil(t, anchors[0].PublishedAt)
	assert.Equal(t, published.UTC(), anchors[0].PublishedAt.UTC())
}
