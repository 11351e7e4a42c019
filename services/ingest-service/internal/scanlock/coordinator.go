package scanlock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrScanAlreadyRunning signals that a conflicting scan holds a lock.
// Callers treat it as "busy, try later", not as a failure.
var ErrScanAlreadyRunning = errors.New("scan already running")

// Coordinator hands out scan locks. A mailbox lock conflicts with the
// owner-wide lock and vice versa, so an owner scan and a single-mailbox
// scan never overlap.
type Coordinator struct {
	store  LockStore
	ttl    time.Duration
	holder string
}

func NewCoordinator(store LockStore, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Coordinator{
		store:  store,
		ttl:    ttl,
		holder: uuid.NewString(),
	}
}

func mailboxKey(owner uuid.UUID, mailboxID int64) string {
	return fmt.Sprintf("scan:owner:%s:mailbox:%d", owner, mailboxID)
}

func ownerKey(owner uuid.UUID) string {
	return fmt.Sprintf("scan:owner:%s:all", owner)
}

// AcquireMailbox takes the lock for one mailbox. The returned release
// function is safe to call exactly once.
func (c *Coordinator) AcquireMailbox(ctx context.Context, owner uuid.UUID, mailboxID int64) (func(), error) {
	held, err := c.store.Exists(ctx, ownerKey(owner))
	if err != nil {
		return nil, fmt.Errorf("check owner lock: %w", err)
	}
	if held {
		return nil, ErrScanAlreadyRunning
	}
	return c.acquire(ctx, mailboxKey(owner, mailboxID))
}

// AcquireOwner takes the owner-wide lock, refusing if any of the owner's
// mailboxes is mid-scan.
func (c *Coordinator) AcquireOwner(ctx context.Context, owner uuid.UUID, mailboxIDs []int64) (func(), error) {
	for _, id := range mailboxIDs {
		held, err := c.store.Exists(ctx, mailboxKey(owner, id))
		if err != nil {
			return nil, fmt.Errorf("check mailbox lock: %w", err)
		}
		if held {
			return nil, ErrScanAlreadyRunning
		}
	}
	return c.acquire(ctx, ownerKey(owner))
}

func (c *Coordinator) acquire(ctx context.Context, key string) (func(), error) {
	ok, err := c.store.SetIfAbsent(ctx, key, c.holder, c.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrScanAlreadyRunning
	}
	release := func() {
		// Release must not be tied to the scan's context: a cancelled scan
		// still has to give its lock back.
		if err := c.store.Delete(context.Background(), key); err != nil {
			log.Printf("scanlock: release %s failed (lock expires in %v): %v", key, c.ttl, err)
		}
	}
	return release, nil
}
