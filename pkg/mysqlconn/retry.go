package mysqlconn

import (
	"context"
	"time"

	dmysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// maxWriteAttempts is the attempt cap from spec §4.7 ("up to 3 attempts").
const maxWriteAttempts = 3

// WriteOp is a write executed against the named connection's *sqlx.DB.
type WriteOp func(ctx context.Context) error

// ExecuteWithRetry runs op against name's connection, applying the
// classification policy from spec §4.7: connection-class errors close and
// recreate the named connection and retry with backoff `attempt * 1s`;
// any other error surfaces immediately without retrying.
func (p *Pool) ExecuteWithRetry(ctx context.Context, name string, op WriteOp) error {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		lastErr = op(ctx)
		failpoint.Inject("ExecuteWithRetryConnectionClassError", func() {
			lastErr = dmysql.ErrInvalidConn
		})
		if lastErr == nil {
			return nil
		}

		if !IsConnectionClassError(lastErr) {
			return lastErr
		}

		log.Warn("write failed with connection-class error, reconnecting and retrying",
			zap.String("conn", name), zap.Int("attempt", attempt), zap.Error(lastErr))

		if err := p.Reconnect(ctx, name); err != nil {
			log.Warn("reconnect failed", zap.String("conn", name), zap.Error(err))
		}

		if attempt < maxWriteAttempts {
			wait := time.Duration(attempt) * time.Second
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
