package mysqlconn

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExecuteWithRetry_FailpointForcesConnectionClassError exercises the
// ExecuteWithRetryConnectionClassError failpoint: op succeeds on its own,
// but the injected error overrides it, forcing the connection-class retry
// path (spec §4.7). Reconnect then redials with this handle's zero-value
// Config, which fails fast (dialing port 0), so the final error still
// comes back to the caller after maxWriteAttempts. Failpoints are
// registered under their package path and only fire in a build rewritten
// by failpoint-ctl.
func TestExecuteWithRetry_FailpointForcesConnectionClassError(t *testing.T) {
	const fp = "github.com/tumurzakov/myrepetl/pkg/mysqlconn/ExecuteWithRetryConnectionClassError"
	require.NoError(t, failpoint.Enable(fp, "return"))
	defer failpoint.Disable(fp)

	db, _, err := sqlmock.New()
	require.NoError(t, err)

	p := New()
	p.RegisterOpen("conn", sqlx.NewDb(db, "sqlmock"))

	attempts := 0
	execErr := p.ExecuteWithRetry(context.Background(), "conn", func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.Error(t, execErr)
	assert.Equal(t, maxWriteAttempts, attempts)
}
