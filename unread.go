package pollchat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// UnreadSource fetches unread counts for the current user.
type UnreadSource interface {
	UnreadCounts(ctx context.Context) ([]UnreadCount, error)
}

// UnreadCounter tracks per-sender unread counts.
//
// MarkSeen zeroes a count locally and at once. A poll that was already in
// flight when the count was zeroed cannot bring the old value back; the next
// poll issued afterwards is authoritative again.
type UnreadCounter struct {
	src  UnreadSource
	opts options

	mu     sync.RWMutex
	counts map[UserID]int
	seq    sequence
	seenAt map[UserID]uint64 // last ticket issued when the count was zeroed
}

func NewUnreadCounter(src UnreadSource, opts ...Option) *UnreadCounter {
	return &UnreadCounter{
		src:    src,
		opts:   buildOptions(opts),
		counts: make(map[UserID]int),
		seenAt: make(map[UserID]uint64),
	}
}

// Refresh fetches the counts and replaces the map.
func (u *UnreadCounter) Refresh(ctx context.Context) error {
	u.mu.Lock()
	ticket := u.seq.issue()
	u.mu.Unlock()

	rows, err := u.src.UnreadCounts(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch unread counts")
	}

	next := make(map[UserID]int, len(rows))
	for _, r := range rows {
		next[r.UserID] = r.Count
	}

	u.mu.Lock()
	if !u.seq.admit(ticket) {
		u.mu.Unlock()
		u.opts.metrics.staleResponse("unread")
		return nil
	}
	for id, seen := range u.seenAt {
		if ticket <= seen {
			delete(next, id)
		} else {
			delete(u.seenAt, id)
		}
	}
	u.counts = next
	u.mu.Unlock()

	u.opts.events.emit(EventUnreadUpdated, nil)
	return nil
}

// MarkSeen zeroes the count for id.
func (u *UnreadCounter) MarkSeen(id UserID) {
	u.mu.Lock()
	delete(u.counts, id)
	u.seenAt[id] = u.seq.last()
	u.mu.Unlock()

	u.opts.events.emit(EventUnreadUpdated, nil)
}

// Count returns the unread count for id; absent means zero.
func (u *UnreadCounter) Count(id UserID) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counts[id]
}

// Total sums all counts.
func (u *UnreadCounter) Total() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	n := 0
	for _, c := range u.counts {
		n += c
	}
	return n
}

func (u *UnreadCounter) Snapshot() map[UserID]int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[UserID]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

// Reset clears every count and discards polls in flight.
func (u *UnreadCounter) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts = make(map[UserID]int)
	u.seenAt = make(map[UserID]uint64)
	u.seq.invalidate()
}
