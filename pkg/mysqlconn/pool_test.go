package mysqlconn

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockedPool builds a Pool whose single handle "conn" is already backed
// by a sqlmock connection, bypassing the real dial in openLocked so tests
// exercise ExecuteWithRetry/IsHealthy/Reconnect against a scripted driver.
func newMockedPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	p := New()
	p.RegisterOpen("conn", sqlx.NewDb(db, "sqlmock"))
	return p, mock
}

func TestGetNamed_ReturnsAlreadyOpenHandle(t *testing.T) {
	p, _ := newMockedPool(t)
	db, err := p.GetNamed(context.Background(), "conn")
	require.NoError(t, err)
	assert.NotNil(t, db)
}

func TestGetNamed_UnknownConnectionErrors(t *testing.T) {
	p := New()
	_, err := p.GetNamed(context.Background(), "nope")
	assert.Error(t, err)
}

func TestIsHealthy_PingSuccess(t *testing.T) {
	p, mock := newMockedPool(t)
	mock.ExpectPing()
	assert.True(t, p.IsHealthy(context.Background(), "conn"))
}

func TestIsHealthy_PingFailure(t *testing.T) {
	p, mock := newMockedPool(t)
	mock.ExpectPing().WillReturnError(dmysql.ErrInvalidConn)
	assert.False(t, p.IsHealthy(context.Background(), "conn"))
}

func TestExecuteWithRetry_SucceedsOnFirstAttempt(t *testing.T) {
	p, mock := newMockedPool(t)
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))

	attempts := 0
	err := p.ExecuteWithRetry(context.Background(), "conn", func(ctx context.Context) error {
		attempts++
		db, getErr := p.GetNamed(ctx, "conn")
		require.NoError(t, getErr)
		_, execErr := db.ExecContext(ctx, "INSERT INTO users VALUES (?)", 1)
		return execErr
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteWithRetry_NonConnectionErrorDoesNotRetry(t *testing.T) {
	p, _ := newMockedPool(t)

	attempts := 0
	err := p.ExecuteWithRetry(context.Background(), "conn", func(ctx context.Context) error {
		attempts++
		return assertPlainError{}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "not a connection error" }

func TestIsConnectionClassError(t *testing.T) {
	assert.True(t, IsConnectionClassError(dmysql.ErrInvalidConn))
	assert.True(t, IsConnectionClassError(dmysql.ErrBusyBuffer))
	assert.False(t, IsConnectionClassError(assertPlainError{}))
	assert.False(t, IsConnectionClassError(nil))
}

func TestClose_ClearsHandle(t *testing.T) {
	p, mock := newMockedPool(t)
	mock.ExpectClose()
	p.Close("conn")
	assert.NoError(t, mock.ExpectationsWereMet())
}
