package cache

import (
	"fmt"
	"time"
)

// Status is the lifecycle stage a peer reports in its health broadcast.
// Each stage owns a band of ten codes so peers can report sub-states.
type Status uint8

const (
	StatusUnknown     Status = 0
	StatusMaintenance Status = 10 // 10-19
	StatusReadOnly    Status = 20 // 20-29
	StatusActive      Status = 30 // 30-39
)

// Readable reports whether baskets may be read from a peer in this state.
func (s Status) Readable() bool { return s >= StatusReadOnly && s <= 39 }

// Writable reports whether new baskets may be placed on a peer in this state.
func (s Status) Writable() bool { return s >= StatusActive && s <= 39 }

func (s Status) String() string {
	switch {
	case s == StatusUnknown:
		return "UNKNOWN"
	case s >= 10 && s <= 19:
		return fmt.Sprintf("MAINTENANCE(%d)", uint8(s))
	case s >= 20 && s <= 29:
		return fmt.Sprintf("READONLY(%d)", uint8(s))
	case s >= 30 && s <= 39:
		return fmt.Sprintf("ACTIVE(%d)", uint8(s))
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// PeerState is the gateway's view of one peer's health.
type PeerState struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Available  uint64    `json:"available"`
	LastUpdate time.Time `json:"last_update"`
}

// Registry tracks peer health reports. Expiry is lazy: a report older than
// the watchdog limit is treated as absent by the predicates but is kept.
//
// Registry is not safe for concurrent use; Cache serializes access.
type Registry struct {
	peers map[string]*PeerState
	limit time.Duration
}

// NewRegistry creates a registry with the given watchdog limit.
func NewRegistry(limit time.Duration) *Registry {
	return &Registry{
		peers: make(map[string]*PeerState),
		limit: limit,
	}
}

// Limit returns the watchdog limit.
func (r *Registry) Limit() time.Duration { return r.limit }

// SetStatus upserts a peer's health and stamps it with now. It returns the
// previous status and whether the peer was known before.
func (r *Registry) SetStatus(id string, status Status, available uint64, now time.Time) (prev Status, existed bool) {
	p, existed := r.peers[id]
	if !existed {
		p = &PeerState{ID: id}
		r.peers[id] = p
	}
	prev = p.Status
	p.Status = status
	p.Available = available
	p.LastUpdate = now
	return prev, existed
}

// Get returns a copy of the peer's state.
func (r *Registry) Get(id string) (PeerState, bool) {
	p, ok := r.peers[id]
	if !ok {
		return PeerState{}, false
	}
	return *p, true
}

// IsFresh reports whether the peer's last report is within the watchdog limit.
func (r *Registry) IsFresh(id string, now time.Time) bool {
	p, ok := r.peers[id]
	return ok && r.fresh(p, now)
}

// IsReadable reports whether the peer is fresh and in a readable state.
func (r *Registry) IsReadable(id string, now time.Time) bool {
	p, ok := r.peers[id]
	return ok && r.fresh(p, now) && p.Status.Readable()
}

// IsWritable reports whether the peer is fresh and in a writable state.
func (r *Registry) IsWritable(id string, now time.Time) bool {
	p, ok := r.peers[id]
	return ok && r.fresh(p, now) && p.Status.Writable()
}

func (r *Registry) fresh(p *PeerState, now time.Time) bool {
	return now.Sub(p.LastUpdate) <= r.limit
}

// Forget drops a peer's health record.
func (r *Registry) Forget(id string) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Len returns the number of peers that have ever reported.
func (r *Registry) Len() int { return len(r.peers) }

// Each calls fn for every peer in unspecified order.
func (r *Registry) Each(fn func(PeerState)) {
	for _, p := range r.peers {
		fn(*p)
	}
}
