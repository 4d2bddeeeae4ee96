package source

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"vadase-monitor/internal/metrics"
)

const (
	DefaultWatchdog       = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultMaxLineBytes   = 1 << 20
	DefaultUserAgent      = "NTRIP vadase-monitor/1.0"

	readChunk = 4096
)

type NTRIPConfig struct {
	Station string
	Host    string
	Port    int

	// Mountpoint triggers the NTRIP handshake when set; otherwise the
	// connection is treated as a raw NMEA stream.
	Mountpoint string
	User       string
	Password   string
	UserAgent  string

	Watchdog       time.Duration
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	MaxLineBytes   int

	// Dial overrides the TCP dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger  *slog.Logger
	Metrics *metrics.Station
}

// HandshakeError is returned when the caster refuses the mountpoint request.
type HandshakeError struct {
	Response string
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Response)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// NTRIPSource keeps a connection to an NTRIP caster (or a bare TCP NMEA
// port) open, reconnecting after any failure until its context ends.
type NTRIPSource struct {
	cfg  NTRIPConfig
	addr string
	log  *slog.Logger
	t    *tracker
}

func NewNTRIP(cfg NTRIPConfig) (*NTRIPSource, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("ntrip host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ntrip port %d out of range", cfg.Port)
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	target := addr
	if cfg.Mountpoint != "" {
		target = addr + "/" + cfg.Mountpoint
	}
	log := loggerOr(cfg.Logger).With("station", cfg.Station, "component", "ntrip_adapter")
	return &NTRIPSource{cfg: cfg, addr: addr, log: log, t: newTracker("ntrip", target)}, nil
}

func (s *NTRIPSource) Name() string       { return s.cfg.Station }
func (s *NTRIPSource) Snapshot() Snapshot { return s.t.snapshot() }

// Run loops connect → handshake → stream → reconnect delay until ctx is
// cancelled. Connection failures never escape; only ctx.Err() does.
func (s *NTRIPSource) Run(ctx context.Context, out chan<- string) error {
	defer s.t.setState(StateStopped, "")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.session(ctx, out)
		s.cfg.Metrics.SetConnected(false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.cfg.Metrics.Disconnect(reason(err))
		s.t.setState(StateDisconnected, err.Error())

		s.log.Info("reconnecting_in", "seconds", s.cfg.ReconnectDelay.Seconds())
		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// session runs one connection attempt. It always returns a non-nil error
// describing why the attempt ended.
func (s *NTRIPSource) session(ctx context.Context, out chan<- string) error {
	s.t.attempt()
	s.t.setState(StateConnecting, "")
	s.log.Info("connecting", "host", s.cfg.Host, "port", s.cfg.Port, "mountpoint", s.cfg.Mountpoint)

	conn, err := s.cfg.Dial(ctx, "tcp", s.addr)
	if err != nil {
		s.log.Error("connection_error", "error", err)
		return fmt.Errorf("dial %s: %w", s.addr, err)
	}
	defer conn.Close()
	// Unblock a pending Read as soon as the station is stopped.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r := bufio.NewReaderSize(conn, readChunk)
	if s.cfg.Mountpoint != "" {
		s.t.setState(StateHandshaking, "")
		resp, err := s.handshake(conn, r)
		if err != nil {
			s.log.Error("connection_error", "error", err)
			return err
		}
		s.log.Info("handshake_success", "response", resp)
	}

	s.t.setState(StateStreaming, "")
	s.cfg.Metrics.SetConnected(true)
	s.log.Info("connected")

	err = s.stream(ctx, conn, r, out)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrWatchdogTimeout):
		s.log.Warn("watchdog_timeout", "seconds", s.cfg.Watchdog.Seconds())
	case errors.Is(err, ErrClosedByRemote):
		s.log.Warn("connection_closed_by_remote")
	case errors.Is(err, ErrBufferOverflow):
		// Logged at the overflow site.
	default:
		s.log.Error("connection_error", "error", err)
	}
	return err
}

// handshake sends the NTRIP v1 mountpoint request and classifies the
// caster's status line.
func (s *NTRIPSource) handshake(conn net.Conn, r *bufio.Reader) (string, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Watchdog))
	defer conn.SetDeadline(time.Time{})

	if _, err := io.WriteString(conn, s.request()); err != nil {
		return "", fmt.Errorf("ntrip request: %w", err)
	}
	line, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", &HandshakeError{Response: string(line), Err: ErrHandshakeFailed}
		}
		return "", fmt.Errorf("ntrip response: %w", err)
	}
	return classifyResponse(strings.TrimSpace(string(line)))
}

func (s *NTRIPSource) request() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET /%s HTTP/1.0\r\n", s.cfg.Mountpoint)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", s.cfg.UserAgent)
	b.WriteString("Accept: */*\r\n")
	b.WriteString("Connection: close\r\n")
	if s.cfg.User != "" && s.cfg.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(s.cfg.User + ":" + s.cfg.Password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")
	return b.String()
}

func classifyResponse(resp string) (string, error) {
	switch {
	case strings.Contains(resp, "200 OK"):
		return resp, nil
	case strings.Contains(resp, "401"):
		return "", &HandshakeError{Response: resp, Err: ErrUnauthorized}
	case strings.Contains(resp, "404"):
		return "", &HandshakeError{Response: resp, Err: ErrMountpointNotFound}
	default:
		return "", &HandshakeError{Response: resp, Err: ErrHandshakeFailed}
	}
}

// stream reads fixed-size chunks under a rolling read deadline, splits them
// into lines and enqueues each non-empty one. The partial line carried
// between reads is capped at MaxLineBytes.
func (s *NTRIPSource) stream(ctx context.Context, conn net.Conn, r *bufio.Reader, out chan<- string) error {
	buf := make([]byte, readChunk)
	sp := splitter{max: s.cfg.MaxLineBytes}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Watchdog))
		n, err := r.Read(buf)
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
			var ne net.Error
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.As(err, &ne) && ne.Timeout():
				return ErrWatchdogTimeout
			case errors.Is(err, io.EOF):
				return ErrClosedByRemote
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
	}
}

func reason(err error) string {
	var he *HandshakeError
	switch {
	case errors.Is(err, ErrWatchdogTimeout):
		return "watchdog_timeout"
	case errors.Is(err, ErrClosedByRemote):
		return "closed_by_remote"
	case errors.Is(err, ErrBufferOverflow):
		return "buffer_overflow"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMountpointNotFound):
		return "mountpoint_not_found"
	case errors.As(err, &he):
		return "handshake_failed"
	default:
		return "connection_error"
	}
}
