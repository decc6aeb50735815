package store

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/lib/pq"
)

// retryDelay is the pause before the single retry of a transient failure.
const retryDelay = 100 * time.Millisecond

// withRetry runs fn and retries it once when the failure looks transient
// (connection trouble, serialization conflict, deadlock). Permanent
// errors return immediately.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	s.logger.Warn("transient store error, retrying once", "error", err)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}
	return fn()
}

func isTransient(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08": // connection exception
			return true
		case "40": // serialization failure, deadlock
			return true
		case "57": // operator intervention (admin shutdown, crash)
			return true
		}
	}
	return false
}
