// Package playback paces replayed NMEA lines. A Strategy is consulted
// before each line is handed to the ingestion queue.
package playback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vadase-monitor/internal/nmea"
)

// Strategy decides how long to hold a line before it is enqueued.
type Strategy interface {
	Wait(ctx context.Context, line string) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fast imports as quickly as the queue accepts lines.
type Fast struct{}

func (Fast) Wait(ctx context.Context, _ string) error { return ctx.Err() }

const (
	// MaxGap bounds the delay honored between consecutive lines; larger
	// gaps (receiver outages, concatenated logs) are not reproduced.
	MaxGap = 60 * time.Second
	// rolloverGap is how far time must jump backwards to count as midnight.
	rolloverGap = 12 * time.Hour
)

// Calendar dates the time-of-day field of undated sentences in a replayed
// stream. The day starts at the base date and advances whenever time jumps
// backwards by strictly more than 12 hours. A Calendar follows one stream
// and is not safe for concurrent use.
type Calendar struct {
	day  time.Time
	last time.Time
	have bool
}

// NewCalendar starts on base's calendar day; a zero base means today (UTC).
func NewCalendar(base time.Time) *Calendar {
	if base.IsZero() {
		base = time.Now()
	}
	b := base.UTC()
	return &Calendar{day: time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)}
}

// Date places an "hhmmss[.ss]" field on the current day, advancing the day
// on midnight rollover.
func (c *Calendar) Date(hhmmss string) (time.Time, bool) {
	if c.day.IsZero() {
		*c = *NewCalendar(time.Time{})
	}
	ts, ok := nmea.ClockOnDate(hhmmss, c.day)
	if !ok {
		return time.Time{}, false
	}
	if c.have && c.last.Sub(ts) > rolloverGap {
		c.day = c.day.AddDate(0, 0, 1)
		ts = ts.AddDate(0, 0, 1)
	}
	c.last = ts
	c.have = true
	return ts, true
}

// Day returns the calendar day currently applied.
func (c *Calendar) Day() time.Time { return c.day }

// RealTime reproduces the original spacing between lines using the time of
// day in field 1. Lines carry no usable date (or a date the replay should
// not trust), so they are placed on a Calendar starting at the base date.
//
// RealTime is stateful and must not be shared between streams.
type RealTime struct {
	// Speed divides every wait; 2 replays at double speed. <= 0 means 1.
	Speed   float64
	Sleeper Sleeper

	cal  *Calendar
	last time.Time
	have bool
}

// NewRealTime starts the replay on base's calendar day; a zero base means
// today (UTC).
func NewRealTime(base time.Time, speed float64) *RealTime {
	return &RealTime{Speed: speed, cal: NewCalendar(base)}
}

// Wait sleeps for the gap since the previous timed line when that gap is
// positive and under MaxGap. Lines without a parseable time pass straight
// through and do not disturb the reference timestamp.
func (r *RealTime) Wait(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts, ok := r.timestamp(line)
	if !ok {
		return nil
	}
	defer func() {
		r.last = ts
		r.have = true
	}()
	if !r.have {
		return nil
	}
	delta := ts.Sub(r.last)
	if delta <= 0 || delta >= MaxGap {
		return nil
	}
	if r.Speed > 0 && r.Speed != 1 {
		delta = time.Duration(float64(delta) / r.Speed)
	}
	s := r.Sleeper
	if s == nil {
		s = realSleeper{}
	}
	return s.Sleep(ctx, delta)
}

// Day returns the calendar day currently applied to line times.
func (r *RealTime) Day() time.Time {
	if r.cal == nil {
		r.cal = NewCalendar(time.Time{})
	}
	return r.cal.Day()
}

func (r *RealTime) timestamp(line string) (time.Time, bool) {
	if r.cal == nil {
		r.cal = NewCalendar(time.Time{})
	}
	parts := strings.SplitN(line, ",", 3)
	if len(parts) < 2 {
		return time.Time{}, false
	}
	return r.cal.Date(parts[1])
}

// Parse maps a configured mode name to a strategy.
func Parse(mode string, base time.Time, speed float64) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "fast":
		return Fast{}, nil
	case "realtime", "real_time", "real-time":
		return NewRealTime(base, speed), nil
	default:
		return nil, fmt.Errorf("playback: unknown mode %q", mode)
	}
}
