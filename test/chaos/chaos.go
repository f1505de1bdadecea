// Package chaos injects infrastructure faults while the actors run.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates Postgres backends of the current database at random.
type Killer struct {
	Pool   *pgxpool.Pool
	Every  time.Duration
	Chance int // one in Chance ticks kills a backend

	killed atomic.Int64
}

// Killed reports how many backends were terminated.
func (k *Killer) Killed() int64 {
	return k.killed.Load()
}

// Run kills backends until ctx is done or stop closes.
func (k *Killer) Run(ctx context.Context, rng *rand.Rand, stop <-chan struct{}) {
	every := k.Every
	if every <= 0 {
		every = 2 * time.Second
	}
	chance := k.Chance
	if chance <= 0 {
		chance = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(chance) != 0 {
				continue
			}
			var n int64
			err := k.Pool.QueryRow(ctx, `
				SELECT COUNT(*) FROM (
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1) t`).Scan(&n)
			if err == nil {
				k.killed.Add(n)
			}
		}
	}
}
