// Package jobs drives the vote synchronizer across bills: a leased backfill
// over the whole catalog and an incremental run over recently updated events.
package jobs

import (
	"context"
	"errors"
	"time"

	"votesync/api/internal/openstates"
	"votesync/api/internal/store"
	"votesync/api/internal/votes"
)

var (
	ErrNoEligibleBills = errors.New("no bills with an OpenStates id")
	ErrInvalidSince    = errors.New("invalid since parameter")
	ErrJobLocked       = errors.New("job is already running")

	// ErrMissingCredentials means the process was started without the
	// database or provider settings a run needs.
	ErrMissingCredentials = errors.New("missing required environment variables")
)

// BillSyncer writes one bill's fetched vote events.
type BillSyncer interface {
	SyncBillVoteEvents(ctx context.Context, bill store.Bill, events []openstates.VoteEvent, now time.Time) (votes.Stats, error)
}

// Locker serializes runs across processes.
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// Archiver keeps a copy of raw provider payloads.
type Archiver interface {
	PutJSON(ctx context.Context, name string, payload []byte) error
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func statusLabel(partial bool) string {
	if partial {
		return "partial"
	}
	return "ok"
}
