// Package output defines where a station's derived records go. Every
// implementation is safe for concurrent use: one Port value may be shared
// by all station cores.
package output

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vadase-monitor/internal/nmea"
)

// Port receives the records produced by an ingestion core.
type Port interface {
	Connect(ctx context.Context) error
	Close() error
	WriteVelocity(ctx context.Context, station string, rec VelocityRecord) error
	WriteDisplacement(ctx context.Context, station string, rec DisplacementRecord) error
	WriteEventDetection(ctx context.Context, ev EventRecord) error
}

// VelocityRecord is one velocity epoch in m/s.
type VelocityRecord struct {
	Time       time.Time `json:"time"`
	East       float64   `json:"east"`
	North      float64   `json:"north"`
	Up         float64   `json:"up"`
	Horizontal float64   `json:"horizontal"`
	Quality    float64   `json:"quality"`
	Sats       int       `json:"sats"`
}

func NewVelocityRecord(v nmea.Velocity) VelocityRecord {
	return VelocityRecord{
		Time:       v.Time,
		East:       v.East,
		North:      v.North,
		Up:         v.Up,
		Horizontal: v.Horizontal(),
		Quality:    v.Quality,
		Sats:       v.Sats,
	}
}

// DisplacementRecord is one displacement epoch in metres. Integrated is set
// when East/North/Up come from the velocity integrator rather than the
// receiver.
type DisplacementRecord struct {
	Time                time.Time `json:"time"`
	East                float64   `json:"east"`
	North               float64   `json:"north"`
	Up                  float64   `json:"up"`
	Horizontal          float64   `json:"horizontal"`
	Quality             float64   `json:"quality"`
	Sats                int       `json:"sats"`
	Reset               int       `json:"reset"`
	OverallCompleteness float64   `json:"overall_completeness"`
	Integrated          bool      `json:"integrated"`
}

// EventRecord summarizes one completed threshold-crossing event.
type EventRecord struct {
	ID      uuid.UUID `json:"id"`
	Station string    `json:"station"`
	Start   time.Time `json:"start"`
	// PeakVelocity is the horizontal peak in mm/s.
	PeakVelocity float64 `json:"peak_velocity_mm_s"`
	// PeakDisplacement is the horizontal peak in mm.
	PeakDisplacement float64 `json:"peak_displacement_mm"`
	Duration         float64 `json:"duration_s"`
}
