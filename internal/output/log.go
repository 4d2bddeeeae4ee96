package output

import (
	"context"
	"log/slog"
)

// LogWriter only logs what it would have written. It backs dry runs.
type LogWriter struct {
	log *slog.Logger
}

func NewLogWriter(log *slog.Logger) *LogWriter {
	if log == nil {
		log = slog.Default()
	}
	return &LogWriter{log: log.With("component", "dry_run_writer")}
}

func (w *LogWriter) Connect(ctx context.Context) error {
	w.log.Info("connected")
	return nil
}

func (w *LogWriter) Close() error {
	w.log.Info("closed")
	return nil
}

func (w *LogWriter) WriteVelocity(ctx context.Context, station string, rec VelocityRecord) error {
	w.log.Debug("velocity", "station", station, "time", rec.Time, "horizontal", rec.Horizontal, "up", rec.Up)
	return nil
}

func (w *LogWriter) WriteDisplacement(ctx context.Context, station string, rec DisplacementRecord) error {
	w.log.Debug("displacement", "station", station, "time", rec.Time, "horizontal", rec.Horizontal,
		"up", rec.Up, "integrated", rec.Integrated)
	return nil
}

func (w *LogWriter) WriteEventDetection(ctx context.Context, ev EventRecord) error {
	w.log.Info("event", "station", ev.Station, "id", ev.ID, "start", ev.Start,
		"peak_velocity_mm_s", ev.PeakVelocity, "peak_displacement_mm", ev.PeakDisplacement,
		"duration_s", ev.Duration)
	return nil
}
