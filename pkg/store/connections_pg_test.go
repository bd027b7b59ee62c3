package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

func TestPGStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewPGConnectionStore(db)
	conn := testConn("c1", "tn-a", "hash-1")

	mock.ExpectExec(`INSERT INTO connections`).
		WithArgs(conn.ID, conn.TenantID, conn.ExternalIDHash, conn.EncryptedExternalID,
			sqlmock.AnyArg(), string(conn.Status), string(conn.Mode),
			sqlmock.AnyArg(), conn.Simulation.PeriodDays, string(conn.Environment)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), conn))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreCreateDuplicateHash(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewPGConnectionStore(db)

	mock.ExpectExec(`INSERT INTO connections`).
		WillReturnError(&pq.Error{Code: pq.ErrorCode(uniqueViolation)})

	err = s.Create(context.Background(), testConn("c1", "tn-a", "hash-1"))
	assert.ErrorIs(t, err, ErrDuplicateHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreReserveDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewPGConnectionStore(db)

	mock.ExpectExec(`INSERT INTO external_id_hashes`).
		WithArgs("h", "tn-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO external_id_hashes`).
		WithArgs("h", "tn-b").
		WillReturnError(&pq.Error{Code: pq.ErrorCode(uniqueViolation)})

	require.NoError(t, s.Reserve(context.Background(), "h", "tn-a"))
	assert.ErrorIs(t, s.Reserve(context.Background(), "h", "tn-b"), ErrDuplicateHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreUpdateModeNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewPGConnectionStore(db)

	mock.ExpectExec(`UPDATE connections SET mode`).
		WithArgs(string(contracts.ModeLive), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.UpdateMode(context.Background(), "ghost", contracts.ModeLive)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreOwnerUnclaimed(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewPGConnectionStore(db)

	mock.ExpectQuery(`SELECT tenant_id FROM external_id_hashes`).
		WithArgs("h").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	owner, err := s.Owner(context.Background(), "h")
	require.NoError(t, err)
	assert.Empty(t, owner)
	require.NoError(t, mock.ExpectationsWereMet())
}
