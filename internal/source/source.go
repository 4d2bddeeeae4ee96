// Package source contains the input adapters that feed raw NMEA lines into
// a station's ingestion queue: an NTRIP/TCP client, a directory replayer and
// a serial port reader.
package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Source produces trimmed, non-empty lines into out until ctx is cancelled
// or the input is exhausted. Sends block when out is full. Run returns nil
// at end of input and ctx.Err() on cancellation; it never closes out.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- string) error
	Snapshot() Snapshot
}

var (
	ErrBufferOverflow     = errors.New("source: line buffer overflow")
	ErrWatchdogTimeout    = errors.New("source: watchdog timeout")
	ErrClosedByRemote     = errors.New("source: connection closed by remote")
	ErrUnauthorized       = errors.New("source: ntrip unauthorized")
	ErrMountpointNotFound = errors.New("source: ntrip mountpoint not found")
	ErrHandshakeFailed    = errors.New("source: ntrip handshake failed")
)

const (
	StateStopped      = "stopped"
	StateConnecting   = "connecting"
	StateHandshaking  = "handshaking"
	StateStreaming    = "streaming"
	StateDisconnected = "disconnected"
	StateError        = "error"
	StateReplaying    = "replaying"
	StateDone         = "done"
)

// Snapshot is the observable state of an adapter.
type Snapshot struct {
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Lines       uint64 `json:"lines"`
	Attempts    uint64 `json:"attempts"`
}

// tracker holds the mutable status shared between an adapter goroutine and
// status readers.
type tracker struct {
	kind   string
	target string

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	lines    uint64
	attempts uint64
}

func newTracker(kind, target string) *tracker {
	return &tracker{kind: kind, target: target, state: StateStopped}
}

func (t *tracker) setState(state string, lastErr string) {
	t.mu.Lock()
	t.state = state
	if lastErr != "" {
		t.lastErr = lastErr
	} else if state == StateStreaming || state == StateConnecting || state == StateReplaying {
		// Clear stale errors once the adapter is healthy again.
		t.lastErr = ""
	}
	t.mu.Unlock()
}

func (t *tracker) attempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

func (t *tracker) seen(now time.Time) {
	t.mu.Lock()
	t.lastSeen = now
	t.lines++
	t.mu.Unlock()
}

func (t *tracker) snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := Snapshot{
		Kind:      t.kind,
		Target:    t.target,
		State:     t.state,
		LastError: t.lastErr,
		Lines:     t.lines,
		Attempts:  t.attempts,
	}
	if !t.lastSeen.IsZero() {
		out.LastSeenUTC = t.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// emit hands a line to the queue, blocking while it is full.
func emit(ctx context.Context, out chan<- string, line string) error {
	select {
	case out <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// splitter accumulates raw reads and yields complete lines. The unterminated
// remainder is capped at max bytes.
type splitter struct {
	pending []byte
	max     int
	over    int
}

// feed appends b and calls fn for each complete, non-empty line. It stops at
// the first error from fn, and returns ErrBufferOverflow when the remainder
// outgrows the cap; the remainder is discarded in that case.
func (sp *splitter) feed(b []byte, fn func(line string) error) error {
	sp.pending = append(sp.pending, b...)
	start := 0
	for {
		i := bytes.IndexByte(sp.pending[start:], '\n')
		if i < 0 {
			break
		}
		line := asciiLine(sp.pending[start : start+i])
		start += i + 1
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			sp.pending = append(sp.pending[:0], sp.pending[start:]...)
			return err
		}
	}
	sp.pending = append(sp.pending[:0], sp.pending[start:]...)
	if sp.max > 0 && len(sp.pending) > sp.max {
		n := len(sp.pending)
		sp.pending = sp.pending[:0]
		sp.over = n
		return ErrBufferOverflow
	}
	return nil
}

// dropped is the size of the remainder discarded by the last overflow.
func (sp *splitter) dropped() int { return sp.over }

// asciiLine trims whitespace and drops non-ASCII bytes.
func asciiLine(b []byte) string {
	b = bytes.TrimSpace(b)
	clean := true
	for _, c := range b {
		if c >= 0x80 {
			clean = false
			break
		}
	}
	if clean {
		return string(b)
	}
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x80 {
			out = append(out, c)
		}
	}
	return string(out)
}
