package cache

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/basketmesh/basketmesh/pkg/basket"
)

// snapshot copies the entries of the given peers, or of every peer when none
// are given, sorted by peer and basket.
func (c *Cache) snapshot(peers ...string) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Entry
	if len(peers) == 0 {
		err := c.index.Walk(func(e Entry) error {
			out = append(out, e)
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		seen := make(map[string]bool, len(peers))
		for _, p := range peers {
			if seen[p] {
				continue
			}
			seen[p] = true
			entries, err := c.index.EntriesFor(p)
			if err != nil {
				return nil, err
			}
			out = append(out, entries...)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].Key.Compare(out[j].Key) < 0
	})
	return out, nil
}

// Entries returns a sorted copy of the index, restricted to peers if given.
func (c *Cache) Entries(peers ...string) ([]Entry, error) {
	return c.snapshot(peers...)
}

// Dump writes one "peer: content.type.revision" line per entry followed by a
// blank line. The index is copied under the lock and written after releasing it.
func (c *Cache) Dump(w io.Writer, peers ...string) error {
	entries, err := c.snapshot(peers...)
	if err != nil {
		return fmt.Errorf("snapshot index: %w", err)
	}

	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s: %s\n", e.Peer, e.Key); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// Export writes a zstd compressed dump.
func (c *Cache) Export(w io.Writer, peers ...string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := c.Dump(zw, peers...); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// Import reads a zstd compressed dump and inserts every entry under base.
// It stops at the terminating blank line and returns the number of entries.
func (c *Cache) Import(r io.Reader, base string) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	n := 0
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		peer, key, ok := strings.Cut(line, ": ")
		if !ok {
			return n, fmt.Errorf("line %d: malformed dump line %q", n+1, line)
		}
		k, err := basket.Parse(key)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		if err := c.Insert(peer, k, base); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		n++
	}
	return n, sc.Err()
}
