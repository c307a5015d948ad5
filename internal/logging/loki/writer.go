// Package loki provides a zerolog writer that ships gateway logs to Grafana
// Loki's push API.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Stream labels; "job" defaults to "basketgw"
	BatchSize     int               // Entries per push (default: 100)
	MaxPending    int               // Buffered entries kept while Loki is down (default: 10 batches)
	FlushInterval time.Duration     // Default: 5s
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

type entry struct {
	at   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Writer buffers log lines and pushes them in batches from a background
// goroutine. Write never fails and never blocks on the network; when Loki is
// unreachable the oldest lines are discarded past MaxPending.
type Writer struct {
	endpoint string
	labels   map[string]string
	client   *http.Client
	batch    int
	max      int

	mu      sync.Mutex
	pending []entry

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewWriter starts a writer. Close flushes and stops it.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "basketgw"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/loki/api/v1/push",
		labels:   labels,
		client:   &http.Client{Timeout: cfg.Timeout},
		batch:    cfg.BatchSize,
		max:      cfg.MaxPending,
		kick:     make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.loop(ctx, cfg.FlushInterval)
	return w
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	// zerolog reuses p
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.pending) >= w.max {
		n := len(w.pending) - w.max + 1
		w.pending = w.pending[n:]
		w.dropped.Add(uint64(n))
	}
	w.pending = append(w.pending, entry{at: time.Now(), line: line})
	full := len(w.pending) >= w.batch
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func (w *Writer) loop(ctx context.Context, interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.flush()
	}
}

// Close stops the background goroutine and pushes what is left.
func (w *Writer) Close() error {
	w.once.Do(func() {
		w.cancel()
		<-w.done
		w.flush()
	})
	return nil
}

// flush runs only on the loop goroutine, or after it has exited.
func (w *Writer) flush() {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		n := min(len(w.pending), w.batch)
		batch := make([]entry, n)
		copy(batch, w.pending)
		w.pending = w.pending[n:]
		w.mu.Unlock()

		if err := w.push(batch); err != nil {
			w.requeue(batch)
			if w.failed.Add(1) <= 3 {
				fmt.Fprintf(os.Stderr, "loki: %v\n", err)
			}
			return
		}
	}
}

// requeue puts a failed batch back in front of newer lines.
func (w *Writer) requeue(batch []entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(batch, w.pending...)
	if over := len(w.pending) - w.max; over > 0 {
		w.pending = w.pending[over:]
		w.dropped.Add(uint64(over))
	}
}

func (w *Writer) push(batch []entry) error {
	values := make([][2]string, len(batch))
	for i, e := range batch {
		values[i] = [2]string{strconv.FormatInt(e.at.UnixNano(), 10), e.line}
	}
	data, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push: server returned %s", resp.Status)
	}
	return nil
}

// Failed returns the number of failed pushes.
func (w *Writer) Failed() uint64 { return w.failed.Load() }

// Dropped returns the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }
