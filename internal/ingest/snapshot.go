package ingest

import "time"

// Stats counts what a Core has seen.
type Stats struct {
	Sentences        uint64    `json:"sentences"`
	Ignored          uint64    `json:"ignored"`
	ChecksumErrors   uint64    `json:"checksum_errors"`
	ProcessingErrors uint64    `json:"processing_errors"`
	OutputErrors     uint64    `json:"output_errors"`
	LowCompleteness  uint64    `json:"low_completeness"`
	Events           uint64    `json:"events"`
	LastSample       time.Time `json:"last_sample"`
}

// Snapshot is a point-in-time copy of a Core's state for status reporting.
type Snapshot struct {
	Station    string          `json:"station"`
	Stats      Stats           `json:"stats"`
	Integrator IntegratorState `json:"integrator"`
	Event      EventView       `json:"event"`
}

type IntegratorState struct {
	East   float64 `json:"east"`
	North  float64 `json:"north"`
	Up     float64 `json:"up"`
	Decay  float64 `json:"decay"`
	Manual bool    `json:"manual"`
	Streak int     `json:"streak"`
}

type EventView struct {
	Active           bool      `json:"active"`
	Start            time.Time `json:"start,omitzero"`
	PeakVelocity     float64   `json:"peak_velocity_mm_s"`
	PeakDisplacement float64   `json:"peak_displacement_mm"`
}

func (c *Core) publish() {
	s := &Snapshot{
		Station: c.cfg.Station,
		Stats:   c.stats,
		Integrator: IntegratorState{
			East:   c.integ.East,
			North:  c.integ.North,
			Up:     c.integ.Up,
			Decay:  c.integ.Decay,
			Manual: c.integ.Manual,
			Streak: c.integ.Streak,
		},
		Event: EventView{
			Active:           c.event.Active,
			Start:            c.event.Start,
			PeakVelocity:     c.event.PeakVelocity,
			PeakDisplacement: c.event.PeakDisplacement,
		},
	}
	c.snap.Store(s)
}

// Snapshot is safe to call from any goroutine.
func (c *Core) Snapshot() Snapshot {
	if s := c.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{Station: c.cfg.Station}
}

func (c *Core) Station() string { return c.cfg.Station }
