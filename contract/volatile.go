package contract

import (
	"chat-sync/domain"
	"context"
	"time"
)

// Connection is one live transport session of a user.
type Connection struct {
	UserID       domain.UserID
	ConnectionID string
}

// VolatileStore holds connection liveness outside the durable store.
// Its content may be lost at any time.
type VolatileStore interface {
	// Touch records a heartbeat. added is true when the connection was not
	// known yet; count is the number of live connections of the user.
	Touch(ctx context.Context, conn Connection, at time.Time) (added bool, count int, err error)
	// Drop forgets a connection. removed is false when it was unknown;
	// left is the number of connections the user still has.
	Drop(ctx context.Context, conn Connection) (removed bool, left int, err error)
	// Stale lists connections whose last heartbeat is before deadline.
	Stale(ctx context.Context, deadline time.Time) ([]Connection, error)
	Ping(ctx context.Context) error
	Close() error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
