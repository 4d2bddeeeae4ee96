package source

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vadase-monitor/internal/playback"
)

const DefaultPattern = "*.nmea"

type DirConfig struct {
	Station  string
	Dir      string
	Pattern  string
	Strategy playback.Strategy
	// MaxLineBytes bounds a single line; longer lines end the replay with
	// an error.
	MaxLineBytes int
	Logger       *slog.Logger
}

// DirSource replays every file matching Pattern in Dir, in file name order,
// through the configured playback strategy. It returns nil once the last
// file is exhausted.
type DirSource struct {
	cfg DirConfig
	log *slog.Logger
	t   *tracker
}

func NewDir(cfg DirConfig) (*DirSource, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("replay dir is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("replay pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.Strategy == nil {
		cfg.Strategy = playback.Fast{}
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	log := loggerOr(cfg.Logger).With("station", cfg.Station, "component", "directory_adapter")
	return &DirSource{cfg: cfg, log: log, t: newTracker("dir", filepath.Join(cfg.Dir, cfg.Pattern))}, nil
}

func (s *DirSource) Name() string       { return s.cfg.Station }
func (s *DirSource) Snapshot() Snapshot { return s.t.snapshot() }

// Files lists the replay inputs in the order they will be read.
func (s *DirSource) Files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.cfg.Dir, s.cfg.Pattern))
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if st, err := os.Stat(f); err == nil && st.Mode().IsRegular() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return filepath.Base(out[i]) < filepath.Base(out[j]) })
	return out, nil
}

func (s *DirSource) Run(ctx context.Context, out chan<- string) error {
	files, err := s.Files()
	if err != nil {
		s.t.setState(StateError, err.Error())
		return fmt.Errorf("list %s: %w", s.cfg.Dir, err)
	}
	s.t.setState(StateReplaying, "")
	s.log.Info("replay_started", "dir", s.cfg.Dir, "pattern", s.cfg.Pattern, "files", len(files))

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			s.t.setState(StateStopped, "")
			return err
		}
		s.t.attempt()
		if err := s.replayFile(ctx, f, out); err != nil {
			if ctx.Err() != nil {
				s.t.setState(StateStopped, "")
				return ctx.Err()
			}
			s.t.setState(StateError, err.Error())
			return err
		}
	}
	s.t.setState(StateDone, "")
	s.log.Info("replay_finished", "files", len(files), "lines", s.t.snapshot().Lines)
	return nil
}

func (s *DirSource) replayFile(ctx context.Context, path string, out chan<- string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s.log.Debug("replay_file", "file", filepath.Base(path))
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), s.cfg.MaxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := s.cfg.Strategy.Wait(ctx, line); err != nil {
			return err
		}
		if err := emit(ctx, out, line); err != nil {
			return err
		}
		s.t.seen(time.Now())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return nil
}
