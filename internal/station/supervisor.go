package station

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Supervisor runs a fixed set of stations concurrently. Stations are
// independent: one returning an error, or panicking inside its source or
// core, leaves the others running.
type Supervisor struct {
	runners []*Runner
	log     *slog.Logger

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func NewSupervisor(runners []*Runner, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{runners: runners, log: log.With("component", "supervisor")}
}

// Start launches every station under ctx and returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.log.Info("stations_starting", "count", len(s.runners))
	for _, r := range s.runners {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := r.Run(ctx); err != nil {
				s.mu.Lock()
				s.errs = append(s.errs, err)
				s.mu.Unlock()
			}
		}()
	}
}

// Wait blocks until every station has exited and returns their errors
// joined.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Stop cancels every station.
func (s *Supervisor) Stop() {
	for _, r := range s.runners {
		r.Stop()
	}
}

// Snapshots returns one status per station in configuration order.
func (s *Supervisor) Snapshots() []Status {
	out := make([]Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Status())
	}
	return out
}
