package health

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database returns a checker that pings the primary database.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Redis returns a checker that pings the shared rate-limit store.
func Redis(rdb redis.Cmdable) Checker {
	return func(ctx context.Context) Status {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// DatabasePool reports pool saturation: unhealthy once every open
// connection is in use and callers are queueing.
func DatabasePool(db *sql.DB, maxOpen int) Checker {
	return func(_ context.Context) Status {
		s := db.Stats()
		if maxOpen > 0 && s.InUse >= maxOpen && s.WaitCount > 0 {
			return Status{Healthy: false, Detail: "connection pool exhausted"}
		}
		return Status{Healthy: true}
	}
}
