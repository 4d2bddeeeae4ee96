package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"vadase-monitor/internal/station"
)

const serviceName = "vadase-monitor"

// Stations is what the status API reads station state from; it is
// implemented by station.Supervisor.
type Stations interface {
	Snapshots() []station.Status
}

type Status struct {
	startUnixNano int64
	configPath    atomic.Value // string
	outputs       atomic.Value // []string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.configPath.Store("")
	s.outputs.Store([]string{})
	return s
}

// SetStatic records process facts that do not change after startup.
func (s *Status) SetStatic(configPath string, outputs []string) {
	if configPath != "" {
		s.configPath.Store(configPath)
	}
	if outputs != nil {
		s.outputs.Store(append([]string(nil), outputs...))
	}
}

type StatusSnapshot struct {
	Service      string           `json:"service"`
	NowUTC       string           `json:"now_utc"`
	UptimeSec    int64            `json:"uptime_sec"`
	ConfigPath   string           `json:"config_path,omitempty"`
	Outputs      []string         `json:"outputs"`
	ActiveEvents int              `json:"active_events"`
	Stations     []station.Status `json:"stations"`
}

func (s *Status) Snapshot(nowUTC time.Time, stations Stations) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:    serviceName,
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		ConfigPath: s.configPath.Load().(string),
		Outputs:    s.outputs.Load().([]string),
		Stations:   []station.Status{},
	}
	if stations != nil {
		snap.Stations = stations.Snapshots()
	}
	for _, st := range snap.Stations {
		if st.Core.Event.Active {
			snap.ActiveEvents++
		}
	}
	return snap
}

type AboutResponse struct {
	Service    string `json:"service"`
	NowUTC     string `json:"now_utc"`
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
}

func about(nowUTC time.Time) AboutResponse {
	resp := AboutResponse{
		Service:   serviceName,
		NowUTC:    nowUTC.Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		resp.ModulePath = bi.Main.Path
		resp.Version = bi.Main.Version
		for _, kv := range bi.Settings {
			switch kv.Key {
			case "vcs.revision":
				resp.Commit = kv.Value
			case "vcs.modified":
				resp.Dirty = kv.Value == "true"
			}
		}
	}
	return resp
}
