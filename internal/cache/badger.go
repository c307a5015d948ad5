package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"

	"github.com/basketmesh/basketmesh/pkg/basket"
)

// Key layout:
//
//	k | content(8) | type(4) | revision(4) | peer   -> keyRecord
//	p | peer | 0x00 | content(8) | type(4)          -> peerRecord
//
// Integers are big-endian so a prefix scan yields all peers of a basket or
// all baskets of a peer.
const (
	prefixKey  byte = 'k'
	prefixPeer byte = 'p'

	basketKeyLen = 1 + 8 + 4 + 4
	ctLen        = 8 + 4
)

// BadgerIndex is an Index stored in badger. The key and peer records of one
// entry are always written in the same transaction.
type BadgerIndex struct {
	db *badgerdb.DB
	n  atomic.Int64
}

// OpenBadgerIndex opens (or creates) an index in dir. An empty dir keeps the
// index in memory.
func OpenBadgerIndex(dir string, logger zerolog.Logger) (*BadgerIndex, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger index: %w", err)
	}

	idx := &BadgerIndex{db: db}
	n, err := idx.count()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("count index entries: %w", err)
	}
	idx.n.Store(int64(n))
	return idx, nil
}

func basketKey(k basket.Key) []byte {
	b := make([]byte, basketKeyLen)
	b[0] = prefixKey
	binary.BigEndian.PutUint64(b[1:], k.Content)
	binary.BigEndian.PutUint32(b[9:], k.Type)
	binary.BigEndian.PutUint32(b[13:], k.Revision)
	return b
}

func basketPeerKey(k basket.Key, peer string) []byte {
	return append(basketKey(k), peer...)
}

func peerPrefix(peer string) []byte {
	b := make([]byte, 0, len(peer)+2)
	b = append(b, prefixPeer)
	b = append(b, peer...)
	return append(b, 0)
}

func peerCTKey(peer string, ct basket.ContentType) []byte {
	b := peerPrefix(peer)
	b = binary.BigEndian.AppendUint64(b, ct.Content)
	return binary.BigEndian.AppendUint32(b, ct.Type)
}

// splitPeerKey decodes a peer record key.
func splitPeerKey(key []byte) (string, basket.ContentType, bool) {
	sep := bytes.IndexByte(key[1:], 0)
	if sep < 0 || len(key) != 1+sep+1+ctLen {
		return "", basket.ContentType{}, false
	}
	rest := key[1+sep+1:]
	return string(key[1 : 1+sep]), basket.ContentType{
		Content: binary.BigEndian.Uint64(rest),
		Type:    binary.BigEndian.Uint32(rest[8:]),
	}, true
}

func (b *BadgerIndex) Insert(e Entry) error {
	if err := validatePeer(e.Peer); err != nil {
		return err
	}

	pk := peerCTKey(e.Peer, e.Key.CT())
	replaced := false
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(pk)
		switch {
		case err == nil:
			var old peerRecord
			if err := item.Value(func(v []byte) error { return decMode.Unmarshal(v, &old) }); err != nil {
				return fmt.Errorf("decode peer record: %w", err)
			}
			if old.Revision != e.Key.Revision {
				stale := e.Key
				stale.Revision = old.Revision
				if err := txn.Delete(basketPeerKey(stale, e.Peer)); err != nil {
					return err
				}
			}
			replaced = true
		case errors.Is(err, badgerdb.ErrKeyNotFound):
		default:
			return err
		}

		pv, err := encMode.Marshal(peerRecord{Revision: e.Key.Revision, Base: e.Base, Seq: e.Seq})
		if err != nil {
			return err
		}
		kv, err := encMode.Marshal(keyRecord{Base: e.Base, Seq: e.Seq})
		if err != nil {
			return err
		}
		if err := txn.Set(pk, pv); err != nil {
			return err
		}
		return txn.Set(basketPeerKey(e.Key, e.Peer), kv)
	})
	if err != nil {
		return fmt.Errorf("insert %s for %s: %w", e.Key, e.Peer, err)
	}
	if !replaced {
		b.n.Add(1)
	}
	return nil
}

func (b *BadgerIndex) Erase(peer string, k basket.Key) (bool, error) {
	if validatePeer(peer) != nil {
		return false, nil
	}

	pk := peerCTKey(peer, k.CT())
	erased := false
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(pk)
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec peerRecord
		if err := item.Value(func(v []byte) error { return decMode.Unmarshal(v, &rec) }); err != nil {
			return fmt.Errorf("decode peer record: %w", err)
		}
		if rec.Revision != k.Revision {
			return nil
		}
		if err := txn.Delete(pk); err != nil {
			return err
		}
		erased = true
		return txn.Delete(basketPeerKey(k, peer))
	})
	if err != nil {
		return false, fmt.Errorf("erase %s for %s: %w", k, peer, err)
	}
	if erased {
		b.n.Add(-1)
	}
	return erased, nil
}

func (b *BadgerIndex) PeersFor(k basket.Key) ([]Entry, error) {
	prefix := basketKey(k)
	var out []Entry
	err := b.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec keyRecord
			if err := item.Value(func(v []byte) error { return decMode.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("decode key record: %w", err)
			}
			out = append(out, Entry{
				Peer: string(item.Key()[basketKeyLen:]),
				Key:  k,
				Base: rec.Base,
				Seq:  rec.Seq,
			})
		}
		return nil
	})
	return out, err
}

func (b *BadgerIndex) EntriesFor(peer string) ([]Entry, error) {
	if validatePeer(peer) != nil {
		return nil, nil
	}
	var out []Entry
	err := b.scanPeers(peerPrefix(peer), func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func (b *BadgerIndex) Walk(fn func(Entry) error) error {
	return b.scanPeers([]byte{prefixPeer}, fn)
}

func (b *BadgerIndex) scanPeers(prefix []byte, fn func(Entry) error) error {
	return b.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			peer, ct, ok := splitPeerKey(item.Key())
			if !ok {
				continue
			}
			var rec peerRecord
			if err := item.Value(func(v []byte) error { return decMode.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("decode peer record: %w", err)
			}
			e := Entry{
				Peer: peer,
				Key:  basket.Key{Content: ct.Content, Type: ct.Type, Revision: rec.Revision},
				Base: rec.Base,
				Seq:  rec.Seq,
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerIndex) Peers() ([]string, error) {
	var out []string
	err := b.scanKeys(func(peer string) {
		if len(out) == 0 || out[len(out)-1] != peer {
			out = append(out, peer)
		}
	})
	return out, err
}

func (b *BadgerIndex) count() (int, error) {
	n := 0
	err := b.scanKeys(func(string) { n++ })
	return n, err
}

func (b *BadgerIndex) scanKeys(fn func(peer string)) error {
	prefix := []byte{prefixPeer}
	return b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if peer, _, ok := splitPeerKey(it.Item().Key()); ok {
				fn(peer)
			}
		}
		return nil
	})
}

func (b *BadgerIndex) Len() int { return int(b.n.Load()) }

func (b *BadgerIndex) Clear() error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("drop index: %w", err)
	}
	b.n.Store(0)
	return nil
}

func (b *BadgerIndex) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's logging through zerolog. Badger is chatty at
// info level, so info becomes debug.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
