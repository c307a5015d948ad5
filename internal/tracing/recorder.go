// Package tracing keeps a rolling runtime trace that the admin server can
// hand out on demand.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// MinAge is the minimum span of trace data kept in the buffer.
const MinAge = 30 * time.Second

// ErrNotRunning is returned by Snapshot on a stopped recorder.
var ErrNotRunning = errors.New("trace recorder is not running")

// Recorder wraps a runtime flight recorder. Only one can run per process.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording into a ring buffer of bufferSize bytes.
func Start(bufferSize int) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   MinAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// Running reports whether the recorder still holds a buffer.
func (r *Recorder) Running() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotRunning
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotRunning
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
