// Package ingest turns a station's raw sentence stream into output records:
// it parses each line, maintains the per-station integrator and event state,
// and drives an output.Port.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vadase-monitor/internal/metrics"
	"vadase-monitor/internal/nmea"
	"vadase-monitor/internal/output"
)

const (
	DefaultThresholdMMS    = 15.0
	DefaultMinCompleteness = 0.5
)

type Config struct {
	Station string

	// ThresholdMMS is the horizontal velocity (mm/s) above which an event
	// is open.
	ThresholdMMS float64
	// MinCompleteness drops displacement epochs whose overall completeness
	// is below it.
	MinCompleteness float64
	Decay           float64
	// ForceIntegration starts the station in manual integration, for
	// receivers already known to echo velocity as displacement.
	ForceIntegration bool

	StreakThreshold int
	Tolerance       float64
	MaxGap          time.Duration

	// Calendar dates legacy sentences that carry no date; without one they
	// land on the day of Now (nil means the wall clock).
	Calendar nmea.Calendar
	Now      func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Station
}

// DefaultConfig returns the stock settings for a station.
func DefaultConfig(station string) Config {
	return Config{
		Station:         station,
		ThresholdMMS:    DefaultThresholdMMS,
		MinCompleteness: DefaultMinCompleteness,
		Decay:           DefaultDecay,
		StreakThreshold: DefaultStreakThreshold,
		Tolerance:       DefaultTolerance,
		MaxGap:          DefaultMaxGap,
	}
}

// Core processes one station's sentences. All state is confined to the
// goroutine running Consume (or the caller of ProcessSentence); only
// Snapshot may be called concurrently.
type Core struct {
	cfg    Config
	port   output.Port
	parser nmea.Parser
	log    *slog.Logger

	integ   Integrator
	event   EventState
	lastVel nmea.Velocity
	haveVel bool

	stats Stats
	snap  atomic.Pointer[Snapshot]
}

func NewCore(cfg Config, port output.Port) (*Core, error) {
	if port == nil {
		return nil, errors.New("ingest: output port is required")
	}
	if cfg.ThresholdMMS <= 0 {
		return nil, fmt.Errorf("ingest: threshold %.3f mm/s must be > 0", cfg.ThresholdMMS)
	}
	if cfg.MinCompleteness < 0 || cfg.MinCompleteness > 1 {
		return nil, fmt.Errorf("ingest: min completeness %.3f outside [0,1]", cfg.MinCompleteness)
	}
	if cfg.Decay < 0 || cfg.Decay > 1 {
		return nil, fmt.Errorf("ingest: decay %.3f outside [0,1]", cfg.Decay)
	}
	if cfg.StreakThreshold <= 0 {
		cfg.StreakThreshold = DefaultStreakThreshold
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxGap <= 0 {
		cfg.MaxGap = DefaultMaxGap
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Core{
		cfg:    cfg,
		port:   port,
		parser: nmea.Parser{Now: cfg.Now, Calendar: cfg.Calendar},
		log:    log.With("station", cfg.Station, "component", "core"),
		integ: Integrator{
			Decay:           cfg.Decay,
			MaxGap:          cfg.MaxGap,
			StreakThreshold: cfg.StreakThreshold,
			Manual:          cfg.ForceIntegration,
		},
	}
	if cfg.ForceIntegration {
		cfg.Metrics.SetManual(true)
		c.log.Info("manual_integration_enabled", "forced", true)
	}
	c.publish()
	return c, nil
}

// Consume connects the port, processes lines until in is closed (end of
// stream) or ctx is cancelled, and always closes the port. A closed channel
// returns nil; cancellation returns ctx.Err().
func (c *Core) Consume(ctx context.Context, in <-chan string) error {
	if err := c.port.Connect(ctx); err != nil {
		return fmt.Errorf("connect output: %w", err)
	}
	defer func() {
		if cerr := c.port.Close(); cerr != nil {
			c.log.Error("output_close_error", "error", cerr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-in:
			if !ok {
				c.log.Info("end_of_stream", "sentences", c.stats.Sentences)
				return nil
			}
			c.cfg.Metrics.SetQueueDepth(len(in))
			c.ProcessSentence(ctx, line)
		}
	}
}

// ProcessSentence handles one line. Failures are logged and counted; they
// never stop the stream.
func (c *Core) ProcessSentence(ctx context.Context, line string) {
	kind := nmea.Kind(line)
	c.stats.Sentences++
	c.cfg.Metrics.Sentence(kind.String())

	var err error
	switch kind {
	case nmea.KindVelocity:
		err = c.handleVelocity(ctx, line)
	case nmea.KindDisplacement:
		err = c.handleDisplacement(ctx, line)
	default:
		c.stats.Ignored++
	}

	switch {
	case err == nil:
	case errors.Is(err, nmea.ErrChecksum):
		c.stats.ChecksumErrors++
		c.cfg.Metrics.ChecksumError()
		c.log.Warn("checksum_error", "sentence", line)
	default:
		c.stats.ProcessingErrors++
		c.cfg.Metrics.ProcessingError()
		c.log.Error("processing_error", "error", err)
	}
	c.publish()
}

func (c *Core) handleVelocity(ctx context.Context, line string) error {
	v, err := c.parser.ParseVelocity(line)
	if err != nil {
		return err
	}
	rec := output.NewVelocityRecord(v)
	c.stats.LastSample = v.Time
	c.writeErr("velocity", c.port.WriteVelocity(ctx, c.cfg.Station, rec))

	c.checkThreshold(ctx, v.Time, nmea.MetersToMillimeters(rec.Horizontal))

	c.integ.Update(v)
	c.lastVel = v
	c.haveVel = true
	return nil
}

func (c *Core) handleDisplacement(ctx context.Context, line string) error {
	d, err := c.parser.ParseDisplacement(line)
	if err != nil {
		return err
	}
	if d.OverallCompleteness < c.cfg.MinCompleteness {
		c.stats.LowCompleteness++
		c.cfg.Metrics.LowCompleteness()
		return nil
	}
	c.stats.LastSample = d.Time

	if c.haveVel && !c.integ.Manual {
		if c.integ.Observe(c.lastVel.East, c.lastVel.North, d.East, d.North, c.cfg.Tolerance) {
			c.cfg.Metrics.SetManual(true)
			c.log.Warn("manual_integration_enabled", "streak", c.integ.Streak)
		}
	}

	reset := d.Reset == 1
	if reset {
		c.integ.Reset(d.East, d.North, d.Up)
	}

	rec := output.DisplacementRecord{
		Time:                d.Time,
		East:                d.East,
		North:               d.North,
		Up:                  d.Up,
		Quality:             d.Quality,
		Sats:                d.Sats,
		Reset:               d.Reset,
		OverallCompleteness: d.OverallCompleteness,
	}
	if c.integ.Manual && !reset {
		rec.East, rec.North, rec.Up = c.integ.East, c.integ.North, c.integ.Up
		rec.Integrated = true
	}
	rec.Horizontal = nmea.HorizontalMagnitude(rec.East, rec.North)

	c.event.TrackDisplacement(nmea.MetersToMillimeters(rec.Horizontal))
	c.writeErr("displacement", c.port.WriteDisplacement(ctx, c.cfg.Station, rec))
	return nil
}

func (c *Core) checkThreshold(ctx context.Context, ts time.Time, mms float64) {
	opened, ended := c.event.Observe(ts, mms, c.cfg.ThresholdMMS)
	if opened {
		c.cfg.Metrics.SetEventActive(true)
		c.log.Warn("event_detected", "velocity_mm_s", mms, "threshold_mm_s", c.cfg.ThresholdMMS)
		if a, ok := c.port.(output.Alerter); ok {
			c.log.Info("alert_triggered", "velocity_mm_s", mms)
			c.writeErr("alert", a.EventStarted(ctx, c.cfg.Station, ts, mms))
		}
		return
	}
	if ended == nil {
		return
	}
	c.stats.Events++
	c.cfg.Metrics.SetEventActive(false)
	c.cfg.Metrics.Event(ended.PeakVelocity)
	ev := output.EventRecord{
		ID:               uuid.New(),
		Station:          c.cfg.Station,
		Start:            ended.Start,
		PeakVelocity:     ended.PeakVelocity,
		PeakDisplacement: ended.PeakDisplacement,
		Duration:         ended.Duration.Seconds(),
	}
	c.log.Info("event_ended", "id", ev.ID, "duration_s", ev.Duration,
		"peak_velocity_mm_s", ev.PeakVelocity, "peak_displacement_mm", ev.PeakDisplacement)
	c.writeErr("event", c.port.WriteEventDetection(ctx, ev))
}

func (c *Core) writeErr(op string, err error) {
	if err == nil {
		return
	}
	c.stats.OutputErrors++
	c.cfg.Metrics.OutputError(op)
	c.log.Error("output_error", "op", op, "error", err)
}
