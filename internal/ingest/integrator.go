package ingest

import (
	"math"
	"time"

	"vadase-monitor/internal/nmea"
)

const (
	DefaultDecay           = 1.0
	DefaultStreakThreshold = 5
	DefaultMaxGap          = 5 * time.Second
	DefaultTolerance       = 1e-9
)

// Integrator reconstructs displacement from velocity with a leaky
// integrator and watches for receivers that echo velocity into the
// displacement channel. It is owned by one Core and never shared.
type Integrator struct {
	East, North, Up float64

	// Last is the time of the previous velocity sample.
	Last time.Time

	// Decay in [0,1]: 1 integrates, < 1 bleeds off old contributions.
	Decay float64
	// MaxGap: samples further apart than this restart integration instead
	// of extrapolating across the gap.
	MaxGap time.Duration

	// Manual is latched once the streak reaches StreakThreshold; from then
	// on displacement output comes from the accumulators.
	Manual          bool
	Streak          int
	StreakThreshold int
}

func NewIntegrator(decay float64) Integrator {
	return Integrator{Decay: decay, MaxGap: DefaultMaxGap, StreakThreshold: DefaultStreakThreshold}
}

// Update folds one velocity sample into the accumulators, at most once, and
// records its time. It reports whether the accumulators moved.
func (in *Integrator) Update(v nmea.Velocity) bool {
	moved := false
	if !in.Last.IsZero() {
		dt := v.Time.Sub(in.Last)
		if dt > 0 && dt < in.MaxGap {
			s := dt.Seconds()
			in.East = in.East*in.Decay + v.East*s
			in.North = in.North*in.Decay + v.North*s
			in.Up = in.Up*in.Decay + v.Up*s
			moved = true
		}
	}
	in.Last = v.Time
	return moved
}

// Reset makes the received displacement the new reference.
func (in *Integrator) Reset(east, north, up float64) {
	in.East, in.North, in.Up = east, north, up
}

// Observe compares the horizontal components of the latest velocity and
// displacement samples. Matches extend the streak, a mismatch clears it. It
// reports true exactly once, on the sample that latches Manual.
func (in *Integrator) Observe(velE, velN, dispE, dispN, tol float64) bool {
	if in.Manual {
		return false
	}
	if math.Abs(velE-dispE) > tol || math.Abs(velN-dispN) > tol {
		in.Streak = 0
		return false
	}
	in.Streak++
	if in.Streak >= in.StreakThreshold {
		in.Manual = true
		return true
	}
	return false
}
