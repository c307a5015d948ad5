// Package cache implements the gateway's peer location cache: which peers hold
// which baskets, how healthy those peers are, and which of them should serve a
// read or receive a write.
package cache

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/basketmesh/basketmesh/pkg/basket"
)

// PageSize is the capacity accounting unit in bytes.
const PageSize = 4096

// Options configures a Cache.
type Options struct {
	// CacheSize is the configured capacity in bytes.
	CacheSize uint64
	// WatchdogLimit is how long a health report stays fresh.
	WatchdogLimit time.Duration
	// ReturnPeerNumber caps placement results.
	ReturnPeerNumber int
	// Index defaults to a MemoryIndex.
	Index Index
	// Filter narrows placement by class. Nil admits every candidate.
	Filter ClassFilter
	Logger *zerolog.Logger
	Clock  func() time.Time
	// Rand drives placement shuffles. Nil uses the global source.
	Rand *rand.Rand
}

// Location is a readable replica returned by Find.
type Location struct {
	Peer   string `json:"peer"`
	Base   string `json:"base,omitempty"`
	Status Status `json:"status"`
}

// Cache guards the location index, the peer registry and the hit counters
// with one mutex. No index I/O escapes the critical section it belongs to, so
// a lookup and its counter update are indivisible.
type Cache struct {
	mu       sync.Mutex
	index    Index
	peers    *Registry
	requests uint64
	hits     uint64
	seq      uint64

	totalPages       uint64
	returnPeerNumber int
	filter           ClassFilter
	clock            func() time.Time
	rng              *rand.Rand
	bus              evbus.Bus
	logger           zerolog.Logger
}

// New creates a cache.
func New(opts Options) (*Cache, error) {
	if opts.WatchdogLimit <= 0 {
		return nil, fmt.Errorf("watchdog limit must be positive, got %s", opts.WatchdogLimit)
	}
	if opts.ReturnPeerNumber < 1 {
		return nil, fmt.Errorf("return peer number must be at least 1, got %d", opts.ReturnPeerNumber)
	}

	c := &Cache{
		index:            opts.Index,
		peers:            NewRegistry(opts.WatchdogLimit),
		totalPages:       opts.CacheSize / PageSize,
		returnPeerNumber: opts.ReturnPeerNumber,
		filter:           opts.Filter,
		clock:            opts.Clock,
		rng:              opts.Rand,
		bus:              newBus(),
	}
	if c.index == nil {
		c.index = NewMemoryIndex()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	} else {
		c.logger = log.With().Str("component", "cache").Logger()
	}

	// Resume sequence numbering after a persistent index was reopened.
	if c.index.Len() > 0 {
		err := c.index.Walk(func(e Entry) error {
			c.seq = max(c.seq, e.Seq)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
	}
	return c, nil
}

// Close releases the index.
func (c *Cache) Close() error {
	return c.index.Close()
}

// WatchdogLimit returns the freshness window for health reports.
func (c *Cache) WatchdogLimit() time.Duration {
	return c.peers.Limit()
}

// Insert records that peer holds k under base. A different revision of the
// same content and type held by the peer is replaced.
func (c *Cache) Insert(peer string, k basket.Key, base string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if err := c.index.Insert(Entry{Peer: peer, Key: k, Base: base, Seq: c.seq}); err != nil {
		return err
	}
	c.logger.Debug().Str("peer", peer).Str("basket", k.String()).Msg("basket inserted")
	return nil
}

// Erase forgets that peer holds k. It reports whether anything was removed.
func (c *Cache) Erase(peer string, k basket.Key) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok, err := c.index.Erase(peer, k)
	if err != nil {
		return false, err
	}
	if ok {
		c.logger.Debug().Str("peer", peer).Str("basket", k.String()).Msg("basket erased")
	}
	return ok, nil
}

// SetStatus applies a health report. A status transition is published to
// subscribers after the lock is released.
func (c *Cache) SetStatus(peer string, status Status, available uint64) error {
	if err := validatePeer(peer); err != nil {
		return err
	}

	c.mu.Lock()
	now := c.clock()
	prev, existed := c.peers.SetStatus(peer, status, available, now)
	c.mu.Unlock()

	if existed && prev == status {
		return nil
	}
	c.logger.Info().
		Str("peer", peer).
		Stringer("from", prev).
		Stringer("to", status).
		Uint64("available", available).
		Msg("peer status changed")
	c.bus.Publish(TopicStatusChange, StatusChange{
		Peer:      peer,
		From:      prev,
		To:        status,
		Available: available,
		At:        now,
	})
	return nil
}

// Peer returns the registry state of a peer.
func (c *Cache) Peer(id string) (PeerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.Get(id)
}

// Fresh reports whether the peer's last health report is within the
// watchdog limit.
func (c *Cache) Fresh(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.IsFresh(id, c.clock())
}

// PeerStates returns every peer that has reported, ordered by id.
func (c *Cache) PeerStates() []PeerState {
	c.mu.Lock()
	out := make([]PeerState, 0, c.peers.Len())
	c.peers.Each(func(p PeerState) { out = append(out, p) })
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Find returns the fresh, readable peers holding k, best status first and
// then in insertion order. Every call counts as a request; a non-empty result
// counts as a hit.
func (c *Cache) Find(k basket.Key) []Location {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	entries, err := c.index.PeersFor(k)
	if err != nil {
		c.logger.Warn().Err(err).Str("basket", k.String()).Msg("index lookup failed")
		return nil
	}

	now := c.clock()
	type ranked struct {
		loc Location
		seq uint64
	}
	found := make([]ranked, 0, len(entries))
	for _, e := range entries {
		if !c.peers.IsReadable(e.Peer, now) {
			continue
		}
		p, _ := c.peers.Get(e.Peer)
		found = append(found, ranked{
			loc: Location{Peer: e.Peer, Base: e.Base, Status: p.Status},
			seq: e.Seq,
		})
	}
	if len(found) == 0 {
		return nil
	}
	c.hits++

	slices.SortFunc(found, func(a, b ranked) int {
		if s := cmp.Compare(b.loc.Status, a.loc.Status); s != 0 {
			return s
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]Location, len(found))
	for i, r := range found {
		out[i] = r.loc
	}
	return out
}

// AllPeers lists every known peer id, whether it has reported health, holds
// baskets, or both. Status and freshness are ignored.
func (c *Cache) AllPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, c.peers.Len())
	c.peers.Each(func(p PeerState) { seen[p.ID] = struct{}{} })
	indexed, err := c.index.Peers()
	if err != nil {
		c.logger.Warn().Err(err).Msg("list index peers failed")
	}
	for _, p := range indexed {
		seen[p] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FindPeers returns up to ReturnPeerNumber fresh, writable peers with at least
// required bytes available, narrowed by class and in random order.
func (c *Cache) FindPeers(required uint64, class string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cands := c.candidates(required, class)
	ids := make([]string, len(cands))
	for i, p := range cands {
		ids[i] = p.ID
	}
	c.shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return c.truncate(ids)
}

// FindPeersByCapacity is FindPeers biased toward peers with more free space.
// After a shuffle each candidate scores (number of candidates with at least
// as much space) * 2^position; the lowest scores win.
func (c *Cache) FindPeersByCapacity(required uint64, class string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cands := c.candidates(required, class)
	c.shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	scores := make(map[string]float64, len(cands))
	for i, p := range cands {
		n := 0
		for _, q := range cands {
			if q.Available >= p.Available {
				n++
			}
		}
		scores[p.ID] = math.Ldexp(float64(n), i)
	}
	sort.SliceStable(cands, func(i, j int) bool { return scores[cands[i].ID] < scores[cands[j].ID] })

	ids := make([]string, len(cands))
	for i, p := range cands {
		ids[i] = p.ID
	}
	return c.truncate(ids)
}

// candidates must be called with c.mu held.
func (c *Cache) candidates(required uint64, class string) []PeerState {
	now := c.clock()
	var ok []PeerState
	c.peers.Each(func(p PeerState) {
		if p.Available >= required && c.peers.IsWritable(p.ID, now) {
			ok = append(ok, p)
		}
	})
	sort.Slice(ok, func(i, j int) bool { return ok[i].ID < ok[j].ID })
	if c.filter == nil {
		return ok
	}

	ids := make([]string, len(ok))
	for i, p := range ok {
		ids[i] = p.ID
	}
	allowed := make(map[string]struct{})
	for _, id := range c.filter.Filter(ids, class) {
		allowed[id] = struct{}{}
	}
	out := ok[:0]
	for _, p := range ok {
		if _, in := allowed[p.ID]; in {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cache) shuffle(n int, swap func(i, j int)) {
	if c.rng != nil {
		c.rng.Shuffle(n, swap)
		return
	}
	rand.Shuffle(n, swap)
}

func (c *Cache) truncate(ids []string) []string {
	if len(ids) > c.returnPeerNumber {
		return ids[:c.returnPeerNumber]
	}
	return ids
}

// Capacity sums the available bytes of fresh, writable peers.
func (c *Cache) Capacity() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total uint64
	for _, p := range c.candidates(0, "") {
		total += p.Available
	}
	return total
}

// ActivePeerCount counts fresh, writable peers.
func (c *Cache) ActivePeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	n := 0
	c.peers.Each(func(p PeerState) {
		if c.peers.IsWritable(p.ID, now) {
			n++
		}
	})
	return n
}

// Len returns the number of (peer, basket) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Forget drops a peer from the registry and erases all its entries. It
// returns the number of entries erased.
func (c *Cache) Forget(peer string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.purgeLocked(peer)
	c.peers.Forget(peer)
	return n, err
}

// Purge erases every entry of the given peers and reports how many each lost.
// Health records are kept.
func (c *Cache) Purge(peers ...string) (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(peers))
	for _, p := range peers {
		n, err := c.purgeLocked(p)
		out[p] = n
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *Cache) purgeLocked(peer string) (int, error) {
	entries, err := c.index.EntriesFor(peer)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		ok, err := c.index.Erase(peer, e.Key)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		c.logger.Info().Str("peer", peer).Int("entries", n).Msg("peer purged")
	}
	return n, nil
}
