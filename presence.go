package pollchat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// PresenceSource fetches the presence list.
type PresenceSource interface {
	Presence(ctx context.Context) ([]PresenceRecord, error)
}

// PresenceTracker keeps the latest presence map. Each view owns its own
// tracker; every applied refresh replaces the whole map, and a refresh that
// was issued before an already-applied one is discarded.
type PresenceTracker struct {
	name string
	src  PresenceSource
	opts options

	mu      sync.RWMutex
	records map[UserID]PresenceRecord
	seq     sequence
}

// NewPresenceTracker creates a tracker. name labels logs, metrics and
// emitted events.
func NewPresenceTracker(name string, src PresenceSource, opts ...Option) *PresenceTracker {
	return &PresenceTracker{
		name:    name,
		src:     src,
		opts:    buildOptions(opts),
		records: make(map[UserID]PresenceRecord),
	}
}

// Refresh fetches presence and applies it unless a newer refresh has already
// been applied or the tracker was reset in the meantime.
func (p *PresenceTracker) Refresh(ctx context.Context) error {
	p.mu.Lock()
	ticket := p.seq.issue()
	p.mu.Unlock()

	recs, err := p.src.Presence(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch presence")
	}

	next := make(map[UserID]PresenceRecord, len(recs))
	for _, r := range recs {
		next[r.ID] = r
	}

	p.mu.Lock()
	if !p.seq.admit(ticket) {
		p.mu.Unlock()
		p.opts.metrics.staleResponse(p.name)
		return nil
	}
	p.records = next
	p.mu.Unlock()

	p.opts.events.emit(EventPresenceUpdated, p.name)
	return nil
}

// Lookup returns the record for id. ok is false when the service has not
// reported the user; callers treat that as offline.
func (p *PresenceTracker) Lookup(id UserID) (PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	return r, ok
}

// Online reports whether id is known to be online.
func (p *PresenceTracker) Online(id UserID) bool {
	r, _ := p.Lookup(id)
	return r.Online
}

// Snapshot returns a copy of the current map.
func (p *PresenceTracker) Snapshot() map[UserID]PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[UserID]PresenceRecord, len(p.records))
	for k, v := range p.records {
		out[k] = v
	}
	return out
}

// Reset clears the map and discards refreshes still in flight.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[UserID]PresenceRecord)
	p.seq.invalidate()
}
