// Package caster is a minimal NTRIP caster that streams a recorded NMEA file
// to every client, looping forever. It exists to exercise the monitor
// against a realistic network source without a receiver.
package caster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRate      = 1.0
	DefaultLoopPause = 500 * time.Millisecond

	okResponse = "ICY 200 OK\r\n"
)

type Config struct {
	// File is the NMEA recording to stream.
	File string
	// Rate is lines per second.
	Rate float64
	// LoopPause separates passes over the file.
	LoopPause time.Duration
	// Mountpoint, when set, makes requests for any other mountpoint fail
	// with 404. User and Password, when set, require matching basic auth.
	Mountpoint string
	User       string
	Password   string
	Logger     *slog.Logger
}

type Server struct {
	cfg   Config
	lines [][]byte
	log   *slog.Logger
	wg    sync.WaitGroup
}

// New loads the recording up front so every client sees the same data.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.File) == "" {
		return nil, errors.New("caster: file is required")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.LoopPause <= 0 {
		cfg.LoopPause = DefaultLoopPause
	}
	b, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("caster: %w", err)
	}
	var lines [][]byte
	for _, l := range bytes.Split(b, []byte("\n")) {
		l = bytes.TrimSpace(l)
		if len(l) == 0 {
			continue
		}
		line := make([]byte, 0, len(l)+2)
		lines = append(lines, append(append(line, l...), '\r', '\n'))
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("caster: %s has no lines", cfg.File)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, lines: lines, log: log.With("component", "mock_caster")}, nil
}

// Serve accepts clients on ln until ctx is cancelled, then closes ln and
// waits for the client handlers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("server_started", "addr", ln.Addr().String(), "file", s.cfg.File, "rate_hz", s.cfg.Rate)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	log := s.log.With("client", addr)
	log.Info("client_connected")
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		log.Info("connection_closed")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	status, err := s.handshake(bufio.NewReader(conn))
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		log.Warn("unknown_request", "error", err)
	}
	if status != "" {
		_, _ = io.WriteString(conn, status)
		if !strings.HasPrefix(status, "ICY 200") {
			return
		}
		log.Info("sent_handshake_response")
	}

	interval := time.Duration(float64(time.Second) / s.cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, line := range s.lines {
			if _, err := conn.Write(line); err != nil {
				if ctx.Err() == nil {
					log.Warn("client_disconnected", "error", err)
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		log.Debug("end_of_file_looping")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.LoopPause):
		}
	}
}

// handshake reads the request head and returns the status to send. A
// client that does not speak NTRIP gets no status and is streamed raw
// data.
func (s *Server) handshake(r *bufio.Reader) (string, error) {
	reqLine, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	fields := strings.Fields(reqLine)
	if len(fields) < 2 || fields[0] != "GET" {
		return "", fmt.Errorf("not an ntrip request: %q", strings.TrimSpace(reqLine))
	}
	auth := ""
	for {
		h, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		h = strings.TrimSpace(h)
		if h == "" {
			break
		}
		if k, v, ok := strings.Cut(h, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Authorization") {
			auth = strings.TrimSpace(v)
		}
	}
	s.log.Info("received_ntrip_request", "request", strings.TrimSpace(reqLine))

	if mp := strings.TrimPrefix(fields[1], "/"); s.cfg.Mountpoint != "" && mp != s.cfg.Mountpoint {
		return "HTTP/1.1 404 Not Found\r\n\r\n", nil
	}
	if s.cfg.User != "" || s.cfg.Password != "" {
		if !validBasic(auth, s.cfg.User, s.cfg.Password) {
			return "HTTP/1.1 401 Unauthorized\r\n\r\n", nil
		}
	}
	return okResponse, nil
}

func validBasic(header, user, password string) bool {
	req, err := http.NewRequest(http.MethodGet, "/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", header)
	u, p, ok := req.BasicAuth()
	return ok && u == user && p == password
}
