package cache

import (
	"errors"
	"sort"
	"strings"

	"github.com/basketmesh/basketmesh/pkg/basket"
)

var (
	// ErrEmptyPeer is returned when a peer id is empty.
	ErrEmptyPeer = errors.New("peer id cannot be empty")
	// ErrInvalidPeer is returned when a peer id contains a NUL byte.
	ErrInvalidPeer = errors.New("peer id contains NUL byte")
)

// Entry records that a peer holds a basket revision.
type Entry struct {
	Peer string     `json:"peer"`
	Key  basket.Key `json:"basket"`
	// Base is the peer's storage root, used to rebuild the basket path.
	Base string `json:"base,omitempty"`
	// Seq orders entries by when they were last inserted.
	Seq uint64 `json:"seq"`
}

// Index is the bidirectional basket <-> peer mapping.
//
// For a given peer and (content, type) pair at most one revision is stored:
// inserting a different revision replaces the previous one for that peer.
type Index interface {
	Insert(e Entry) error
	Erase(peer string, k basket.Key) (bool, error)
	PeersFor(k basket.Key) ([]Entry, error)
	EntriesFor(peer string) ([]Entry, error)
	// Walk visits every entry. Returning an error stops the walk.
	Walk(fn func(Entry) error) error
	Peers() ([]string, error)
	Len() int
	Clear() error
	Close() error
}

func validatePeer(peer string) error {
	if peer == "" {
		return ErrEmptyPeer
	}
	if strings.IndexByte(peer, 0) >= 0 {
		return ErrInvalidPeer
	}
	return nil
}

// MemoryIndex is a map-backed Index. It is not safe for concurrent use.
type MemoryIndex struct {
	byKey  map[basket.Key]map[string]Entry
	byPeer map[string]map[basket.ContentType]Entry
	n      int
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byKey:  make(map[basket.Key]map[string]Entry),
		byPeer: make(map[string]map[basket.ContentType]Entry),
	}
}

func (m *MemoryIndex) Insert(e Entry) error {
	if err := validatePeer(e.Peer); err != nil {
		return err
	}

	held, ok := m.byPeer[e.Peer]
	if !ok {
		held = make(map[basket.ContentType]Entry)
		m.byPeer[e.Peer] = held
	}

	ct := e.Key.CT()
	if old, ok := held[ct]; ok {
		if old.Key != e.Key {
			m.unlinkKey(old.Key, e.Peer)
		}
		m.n--
	}

	held[ct] = e
	peers, ok := m.byKey[e.Key]
	if !ok {
		peers = make(map[string]Entry)
		m.byKey[e.Key] = peers
	}
	peers[e.Peer] = e
	m.n++
	return nil
}

func (m *MemoryIndex) unlinkKey(k basket.Key, peer string) {
	peers := m.byKey[k]
	delete(peers, peer)
	if len(peers) == 0 {
		delete(m.byKey, k)
	}
}

func (m *MemoryIndex) Erase(peer string, k basket.Key) (bool, error) {
	held := m.byPeer[peer]
	old, ok := held[k.CT()]
	if !ok || old.Key != k {
		return false, nil
	}
	delete(held, k.CT())
	if len(held) == 0 {
		delete(m.byPeer, peer)
	}
	m.unlinkKey(k, peer)
	m.n--
	return true, nil
}

func (m *MemoryIndex) PeersFor(k basket.Key) ([]Entry, error) {
	peers := m.byKey[k]
	out := make([]Entry, 0, len(peers))
	for _, e := range peers {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryIndex) EntriesFor(peer string) ([]Entry, error) {
	held := m.byPeer[peer]
	out := make([]Entry, 0, len(held))
	for _, e := range held {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryIndex) Walk(fn func(Entry) error) error {
	for _, held := range m.byPeer {
		for _, e := range held {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MemoryIndex) Peers() ([]string, error) {
	out := make([]string, 0, len(m.byPeer))
	for p := range m.byPeer {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryIndex) Len() int { return m.n }

func (m *MemoryIndex) Clear() error {
	m.byKey = make(map[basket.Key]map[string]Entry)
	m.byPeer = make(map[string]map[basket.ContentType]Entry)
	m.n = 0
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
