package station

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"vadase-monitor/internal/config"
	"vadase-monitor/internal/ingest"
	"vadase-monitor/internal/metrics"
	"vadase-monitor/internal/output"
	"vadase-monitor/internal/playback"
	"vadase-monitor/internal/source"
)

// Deps are the process-wide collaborators shared by every station.
type Deps struct {
	Port    output.Port
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now dates legacy sentences of live stations; nil means the wall
	// clock. Directory replays use their base day instead.
	Now func() time.Time
	// Dial and OpenSerial override the network dialer and the serial opener.
	Dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	OpenSerial func(path string, baud int) (io.ReadCloser, error)
}

// New builds the runner for one configured station.
func New(st config.StationConfig, deps Deps) (*Runner, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics.Station(st.ID)

	src, err := newSource(st, deps, log, m)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", st.ID, err)
	}

	cfg := ingest.DefaultConfig(st.ID)
	cfg.ThresholdMMS = st.ThresholdMMS
	cfg.MinCompleteness = st.Completeness()
	cfg.Decay = st.Decay()
	cfg.ForceIntegration = st.Filter.ForceIntegration
	cfg.Now = deps.Now
	if st.Source == config.SourceDir {
		// Replays date legacy sentences from the configured base day.
		base, err := st.BaseDay()
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", st.ID, err)
		}
		cfg.Calendar = playback.NewCalendar(base)
	}
	cfg.Logger = log
	cfg.Metrics = m
	core, err := ingest.NewCore(cfg, deps.Port)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", st.ID, err)
	}
	return NewRunner(src, core, st.QueueSize, log, m)
}

func newSource(st config.StationConfig, deps Deps, log *slog.Logger, m *metrics.Station) (source.Source, error) {
	switch st.Source {
	case config.SourceNTRIP, "":
		return source.NewNTRIP(source.NTRIPConfig{
			Station:        st.ID,
			Host:           st.Host,
			Port:           st.Port,
			Mountpoint:     st.Mountpoint,
			User:           st.User,
			Password:       st.Password,
			Watchdog:       st.Watchdog,
			ReconnectDelay: st.ReconnectDelay,
			DialTimeout:    st.DialTimeout,
			MaxLineBytes:   st.MaxLineBytes,
			Dial:           deps.Dial,
			Logger:         log,
			Metrics:        m,
		})
	case config.SourceDir:
		base, err := st.BaseDay()
		if err != nil {
			return nil, err
		}
		strategy, err := playback.Parse(st.Replay.Mode, base, st.Replay.Speed)
		if err != nil {
			return nil, err
		}
		return source.NewDir(source.DirConfig{
			Station:      st.ID,
			Dir:          st.Dir,
			Pattern:      st.Pattern,
			Strategy:     strategy,
			MaxLineBytes: st.MaxLineBytes,
			Logger:       log,
		})
	case config.SourceSerial:
		return source.NewSerial(source.SerialConfig{
			Station:        st.ID,
			Device:         st.Device,
			Baud:           st.Baud,
			Watchdog:       st.Watchdog,
			ReconnectDelay: st.ReconnectDelay,
			MaxLineBytes:   st.MaxLineBytes,
			Open:           deps.OpenSerial,
			Logger:         log,
			Metrics:        m,
		})
	default:
		return nil, fmt.Errorf("unknown source %q", st.Source)
	}
}
