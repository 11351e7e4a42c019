package ratelimit

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Shared enforces the provider's global cap across every running instance
// through a per-second counter row in Postgres. Each candidate call
// increments the current epoch's counter; callers over the cap wait for
// the next epoch with a short random offset so they do not stampede it.
//
// The shared store failing never blocks recognition: on any counter error
// Shared admits the call and leaves pacing to the local Window behind it
// in the chain.
type Shared struct {
	pool  *pgxpool.Pool
	limit int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewShared(pool *pgxpool.Pool, limit int) *Shared {
	return &Shared{
		pool:  pool,
		limit: limit,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func (s *Shared) Wait(ctx context.Context) error {
	if s.limit <= 0 || s.pool == nil {
		return nil
	}
	for {
		epoch := s.now().Unix()
		var count int
		err := s.pool.QueryRow(ctx, `
			INSERT INTO ocr_rate_counter (epoch, calls)
			VALUES ($1, 1)
			ON CONFLICT (epoch) DO UPDATE SET calls = ocr_rate_counter.calls + 1
			RETURNING calls`, epoch).Scan(&count)
		if err != nil {
			log.Printf("ratelimit: shared counter unavailable, deferring to local limiter: %v", err)
			return nil
		}
		if count <= s.limit {
			// Stale epochs are tiny rows; clean them up opportunistically.
			_, _ = s.pool.Exec(ctx, `DELETE FROM ocr_rate_counter WHERE epoch < $1`, epoch-2)
			return nil
		}

		wait := time.Duration(epoch+1)*time.Second - time.Duration(s.now().UnixNano())
		if wait < 0 {
			wait = 50 * time.Millisecond
		}
		jitter := time.Duration(10+rand.Intn(50)) * time.Millisecond
		if err := s.sleep(ctx, wait+jitter); err != nil {
			return err
		}
	}
}
