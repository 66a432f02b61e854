package migrate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"cyclegate/internal/db"
	"cyclegate/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	st, err := migrate.CurrentStatus(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, st.Latest, st.Current)
	require.GreaterOrEqual(t, st.Current, 1)
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_version").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectExec("CREATE TABLE actors").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = migrate.Migrate(conn)
	require.Error(t, err)
	require.Contains(t, err.Error(), "0001_init.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_version").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(9999))
	mock.ExpectCommit()

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, mock.ExpectationsWereMet())
}
