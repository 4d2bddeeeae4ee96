package ingest

import "time"

// EventState tracks one in-progress threshold crossing.
type EventState struct {
	Active bool
	Start  time.Time
	// PeakVelocity in mm/s, PeakDisplacement in mm.
	PeakVelocity     float64
	PeakDisplacement float64
}

// EventSummary describes a finished event.
type EventSummary struct {
	Start            time.Time
	PeakVelocity     float64
	PeakDisplacement float64
	Duration         time.Duration
}

// Observe advances the state machine with one horizontal velocity in mm/s.
// Strictly above threshold opens or extends an event; at or below it closes
// an active one and returns its summary.
func (e *EventState) Observe(ts time.Time, mms, threshold float64) (opened bool, ended *EventSummary) {
	if mms > threshold {
		if !e.Active {
			*e = EventState{Active: true, Start: ts, PeakVelocity: mms}
			return true, nil
		}
		if mms > e.PeakVelocity {
			e.PeakVelocity = mms
		}
		return false, nil
	}
	if !e.Active {
		return false, nil
	}
	sum := &EventSummary{
		Start:            e.Start,
		PeakVelocity:     e.PeakVelocity,
		PeakDisplacement: e.PeakDisplacement,
		Duration:         ts.Sub(e.Start),
	}
	*e = EventState{}
	return false, sum
}

// TrackDisplacement raises the peak displacement while an event is active.
func (e *EventState) TrackDisplacement(mm float64) {
	if e.Active && mm > e.PeakDisplacement {
		e.PeakDisplacement = mm
	}
}
