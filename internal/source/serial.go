package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"vadase-monitor/internal/metrics"
)

const DefaultBaud = 115200

type SerialConfig struct {
	Station        string
	Device         string
	Baud           int
	// Watchdog bounds the silence tolerated on an open port before it is
	// reopened. It needs a device that supports read deadlines.
	Watchdog       time.Duration
	ReconnectDelay time.Duration
	MaxLineBytes   int

	// Open overrides the serial port opener.
	Open func(path string, baud int) (io.ReadCloser, error)

	Logger  *slog.Logger
	Metrics *metrics.Station
}

// readDeadliner is implemented by *os.File for pollable descriptors.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// SerialSource reads NMEA from a receiver attached to a local serial port,
// reopening the device after read errors.
type SerialSource struct {
	cfg SerialConfig
	log *slog.Logger
	t   *tracker
}

func NewSerial(cfg SerialConfig) (*SerialSource, error) {
	if strings.TrimSpace(cfg.Device) == "" {
		return nil, fmt.Errorf("serial device is required")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.Open == nil {
		cfg.Open = func(path string, baud int) (io.ReadCloser, error) {
			f, err := openSerial(path, baud)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
	}
	log := loggerOr(cfg.Logger).With("station", cfg.Station, "component", "serial_adapter")
	return &SerialSource{cfg: cfg, log: log, t: newTracker("serial", cfg.Device)}, nil
}

func (s *SerialSource) Name() string       { return s.cfg.Station }
func (s *SerialSource) Snapshot() Snapshot { return s.t.snapshot() }

func (s *SerialSource) Run(ctx context.Context, out chan<- string) error {
	defer s.t.setState(StateStopped, "")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.session(ctx, out)
		s.cfg.Metrics.SetConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cfg.Metrics.Disconnect(reason(err))
		s.t.setState(StateDisconnected, err.Error())
		if errors.Is(err, ErrWatchdogTimeout) {
			s.log.Warn("watchdog_timeout", "device", s.cfg.Device, "seconds", s.cfg.Watchdog.Seconds())
		} else {
			s.log.Error("connection_error", "device", s.cfg.Device, "error", err)
		}
		s.log.Info("reconnecting_in", "seconds", s.cfg.ReconnectDelay.Seconds())
		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (s *SerialSource) session(ctx context.Context, out chan<- string) error {
	s.t.attempt()
	s.t.setState(StateConnecting, "")
	f, err := s.cfg.Open(s.cfg.Device, s.cfg.Baud)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Device, err)
	}
	defer f.Close()
	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	s.t.setState(StateStreaming, "")
	s.cfg.Metrics.SetConnected(true)
	s.log.Info("connected", "device", s.cfg.Device, "baud", s.cfg.Baud)

	dl, _ := f.(readDeadliner)
	buf := make([]byte, readChunk)
	sp := splitter{max: s.cfg.MaxLineBytes}
	for {
		if dl != nil {
			_ = dl.SetReadDeadline(time.Now().Add(s.cfg.Watchdog))
		}
		n, err := f.Read(buf)
		if n > 0 {
			ferr := sp.feed(buf[:n], func(line string) error {
				if err := emit(ctx, out, line); err != nil {
					return err
				}
				s.t.seen(time.Now())
				return nil
			})
			if errors.Is(ferr, ErrBufferOverflow) {
				s.log.Error("buffer_overflow", "bytes", sp.dropped(), "limit", s.cfg.MaxLineBytes)
				s.cfg.Metrics.BufferOverflow()
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, os.ErrDeadlineExceeded):
				return ErrWatchdogTimeout
			case errors.Is(err, io.EOF):
				return ErrClosedByRemote
			default:
				return fmt.Errorf("read %s: %w", s.cfg.Device, err)
			}
		}
	}
}
