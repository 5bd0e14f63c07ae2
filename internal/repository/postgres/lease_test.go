package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestLeaseRepo_Acquire_Free(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLeaseRepo(db)

	owner := uuid.Must(uuid.NewV4())
	mock.ExpectExec(`INSERT INTO drain_leases`).
		WithArgs(owner, "holder-a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := r.Acquire(context.Background(), owner, "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaseRepo_Acquire_HeldByOther(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLeaseRepo(db)

	owner := uuid.Must(uuid.NewV4())
	// live lease held elsewhere: the guarded upsert touches no rows
	mock.ExpectExec(`INSERT INTO drain_leases`).
		WithArgs(owner, "holder-b", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := r.Acquire(context.Background(), owner, "holder-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLeaseRepo_Release(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLeaseRepo(db)

	owner := uuid.Must(uuid.NewV4())
	mock.ExpectExec(`DELETE FROM drain_leases`).
		WithArgs(owner, "holder-a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, r.Release(context.Background(), owner, "holder-a"))
}
