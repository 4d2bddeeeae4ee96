// Package station wires one input adapter to one ingestion core through a
// bounded queue and supervises the set of stations a process monitors.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"vadase-monitor/internal/ingest"
	"vadase-monitor/internal/metrics"
	"vadase-monitor/internal/source"
)

const DefaultQueueSize = 100

// Runner owns a station's producer (the source), its consumer (the core)
// and the queue between them. A Runner runs once.
type Runner struct {
	id    string
	src   source.Source
	core  *ingest.Core
	queue chan string
	log   *slog.Logger
	m     *metrics.Station

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	ran     bool
	lastErr error
}

func NewRunner(src source.Source, core *ingest.Core, queueSize int, log *slog.Logger, m *metrics.Station) (*Runner, error) {
	if src == nil {
		return nil, errors.New("station: source is required")
	}
	if core == nil {
		return nil, errors.New("station: core is required")
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	id := core.Station()
	return &Runner{
		id:    id,
		src:   src,
		core:  core,
		queue: make(chan string, queueSize),
		log:   log.With("station", id, "component", "runner"),
		m:     m,
	}, nil
}

func (r *Runner) ID() string { return r.id }

// Run starts the producer and the consumer and blocks until both exit.
// The queue is closed when the producer returns, which lets the consumer
// drain what is left and finish. If the consumer exits first the producer
// is cancelled. Cancellation of ctx is not reported as an error.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return fmt.Errorf("station %s: already run", r.id)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.ran, r.running, r.cancel = true, true, cancel
	r.mu.Unlock()
	defer cancel()

	r.log.Info("station_starting", "source", r.src.Snapshot().Kind, "queue_size", cap(r.queue))

	var (
		wg              sync.WaitGroup
		prodErr, conErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(r.queue)
		prodErr = guard("source", func() error { return r.src.Run(ctx, r.queue) })
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		conErr = guard("core", func() error { return r.core.Consume(ctx, r.queue) })
	}()
	wg.Wait()

	err := errors.Join(quiet(prodErr), quiet(conErr))
	r.mu.Lock()
	r.running = false
	r.lastErr = err
	r.mu.Unlock()
	r.m.SetConnected(false)

	if err != nil {
		r.log.Error("station_stopped", "error", err)
		return fmt.Errorf("station %s: %w", r.id, err)
	}
	r.log.Info("station_stopped")
	return nil
}

// Stop cancels a running station; Run returns once both sides have exited.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	running := r.running
	lastErr := r.lastErr
	r.mu.Unlock()

	st := Status{
		ID:            r.id,
		Running:       running,
		Source:        r.src.Snapshot(),
		Core:          r.core.Snapshot(),
		QueueDepth:    len(r.queue),
		QueueCapacity: cap(r.queue),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// Status is a station's view for the status API.
type Status struct {
	ID            string          `json:"id"`
	Running       bool            `json:"running"`
	LastError     string          `json:"last_error,omitempty"`
	Source        source.Snapshot `json:"source"`
	Core          ingest.Snapshot `json:"core"`
	QueueDepth    int             `json:"queue_depth"`
	QueueCapacity int             `json:"queue_capacity"`
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// guard turns a panic in one side of a station into an error so it cannot
// take down sibling stations.
func guard(side string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panic: %v", side, p)
		}
	}()
	return fn()
}
