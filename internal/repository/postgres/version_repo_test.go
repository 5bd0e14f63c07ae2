package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func uniqueViolation() *pgconn.PgError { return &pgconn.PgError{Code: "23505"} }

// anyArgs returns n pgxmock.AnyArg() matchers so expectations that do not
// care about argument values still satisfy pgxmock's argument-count check.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func anyInsertVersionArgs() []interface{} { return anyArgs(9) }

func TestVersionRepo_InsertNext_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewVersionRepo(db)

	ctx := context.Background()
	v := &model.Version{
		ID:         uuid.Must(uuid.NewV4()),
		EntityType: "post",
		EntityID:   "p1",
		Operation:  model.OpCreate,
		Payload:    model.Payload{"title": "hello"},
		Checksum:   "abc",
		ActorID:    uuid.Must(uuid.NewV4()),
		CreatedAt:  time.Now(),
	}

	mock.ExpectQuery(`INSERT INTO versions`).
		WithArgs(v.ID, "post", "p1", "create", `{"title":"hello"}`, "abc", v.ActorID, `null`, v.CreatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(1)))

	assigned, err := r.InsertNext(ctx, v)
	require.NoError(t, err)
	require.Equal(t, int64(1), assigned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepo_InsertNext_RetriesOnUniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewVersionRepo(db)

	v := &model.Version{ID: uuid.Must(uuid.NewV4()), EntityType: "post", EntityID: "p1", Operation: model.OpUpdate, CreatedAt: time.Now()}

	mock.ExpectQuery(`INSERT INTO versions`).WithArgs(anyInsertVersionArgs()...).WillReturnError(uniqueViolation())
	mock.ExpectQuery(`INSERT INTO versions`).
		WithArgs(anyInsertVersionArgs()...).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(7)))

	assigned, err := r.InsertNext(context.Background(), v)
	require.NoError(t, err)
	require.Equal(t, int64(7), assigned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepo_InsertNext_GivesUpAfterRepeatedConflicts(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewVersionRepo(db)

	for range insertAttempts {
		mock.ExpectQuery(`INSERT INTO versions`).WithArgs(anyInsertVersionArgs()...).WillReturnError(uniqueViolation())
	}

	_, err := r.InsertNext(context.Background(), &model.Version{ID: uuid.Must(uuid.NewV4()), EntityType: "post", EntityID: "p1", CreatedAt: time.Now()})
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepo_GetLatest_ZeroWhenMissing(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewVersionRepo(db)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\),0\) FROM versions`).
		WithArgs("post", "missing").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	latest, err := r.GetLatest(context.Background(), "post", "missing")
	require.NoError(t, err)
	require.Zero(t, latest)
}

func TestVersionRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewVersionRepo(db)

	mock.ExpectQuery(`SELECT id, entity_type, entity_id, version`).
		WithArgs("post", "p1", int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "entity_type", "entity_id", "version", "operation", "payload", "checksum", "actor_id", "metadata", "created_at"}))

	_, err := r.Get(context.Background(), "post", "p1", 9)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestVersionRepo_GetHistory_ScansRows(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewVersionRepo(db)

	actor := uuid.Must(uuid.NewV4())
	now := time.Now()
	rows := pgxmock.NewRows([]string{"id", "entity_type", "entity_id", "version", "operation", "payload", "checksum", "actor_id", "metadata", "created_at"}).
		AddRow(uuid.Must(uuid.NewV4()), "post", "p1", int64(2), "update", []byte(`{"title":"b"}`), "c2", actor, []byte(`{"source":"phone"}`), now).
		AddRow(uuid.Must(uuid.NewV4()), "post", "p1", int64(1), "create", []byte(`{"title":"a"}`), "c1", actor, []byte(nil), now)

	mock.ExpectQuery(`ORDER BY version DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("post", "p1", 10, 0).
		WillReturnRows(rows)

	hist, err := r.GetHistory(context.Background(), "post", "p1", 10, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, int64(2), hist[0].Version)
	require.Equal(t, model.Payload{"title": "b"}, hist[0].Payload)
	require.Equal(t, model.Metadata{"source": "phone"}, hist[0].Metadata)
	require.Nil(t, hist[1].Metadata)
}

func TestVersionRepo_Prune(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewVersionRepo(db)

	mock.ExpectExec(`DELETE FROM versions`).
		WithArgs("post", "p1", 5).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	n, err := r.Prune(context.Background(), "post", "p1", 5)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
}
