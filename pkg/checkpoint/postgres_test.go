package checkpoint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cp := sample("run-1", 1)
	body, err := json.Marshal(cp)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("run-1", "chk-1", 1, cp.CreatedAt.UTC(), body).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	require.NoError(t, store.Save(context.Background(), cp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadAndNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cp := sample("run-1", 1)
	body, err := json.Marshal(cp)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT body FROM checkpoints WHERE run_id = \\$1 AND id = \\$2").
		WithArgs("run-1", "chk-1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))
	mock.ExpectQuery("SELECT body FROM checkpoints WHERE run_id = \\$1 AND id = \\$2").
		WithArgs("run-1", "chk-9").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	store := NewPostgresStore(db)
	got, err := store.Load(context.Background(), "run-1", "chk-1")
	require.NoError(t, err)
	assert.Equal(t, "chk-1", got.ID)
	assert.Equal(t, "p1", got.Plan.ID)

	_, err = store.Load(context.Background(), "run-1", "chk-9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Latest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cp := sample("run-1", 3)
	body, err := json.Marshal(cp)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT body FROM checkpoints WHERE run_id = \\$1 ORDER BY idx DESC LIMIT 1").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	store := NewPostgresStore(db)
	got, err := store.Latest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Index)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM checkpoints WHERE run_id = \\$1 ORDER BY idx").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("chk-1").AddRow("chk-2"))

	store := NewPostgresStore(db)
	ids, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"chk-1", "chk-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
