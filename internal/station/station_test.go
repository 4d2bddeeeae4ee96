package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vadase-monitor/internal/config"
	"vadase-monitor/internal/ingest"
	"vadase-monitor/internal/output"
	"vadase-monitor/internal/source"
)

type syncPort struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	closes     int
	vel        []output.VelocityRecord
	events     []output.EventRecord
}

func (p *syncPort) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return p.connectErr
}

func (p *syncPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *syncPort) WriteVelocity(_ context.Context, _ string, r output.VelocityRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vel = append(p.vel, r)
	return nil
}

func (p *syncPort) WriteDisplacement(context.Context, string, output.DisplacementRecord) error {
	return nil
}

func (p *syncPort) WriteEventDetection(_ context.Context, e output.EventRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *syncPort) counts() (vel, events, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vel), len(p.events), p.closes
}

type fakeSource struct {
	lines []string
	err   error
	block bool
	panic string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Snapshot() source.Snapshot {
	return source.Snapshot{Kind: "fake", State: source.StateStreaming}
}

func (f *fakeSource) Run(ctx context.Context, out chan<- string) error {
	for _, l := range f.lines {
		select {
		case out <- l:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panic != "" {
		panic(f.panic)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func sentence(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

func lvm(sec int, east float64) string {
	return sentence(fmt.Sprintf("GNLVM,1138%02d.00,030215,%.6f,0.000000,0.000000,0.0001,0.0001,0.0001,0,0,0,0.01,12", sec, east))
}

// eventLines open an event at 20 mm/s and close it on the next sample.
func eventLines() []string {
	return []string{lvm(5, 0.001), lvm(6, 0.020), lvm(7, 0.001)}
}

func newRunner(t *testing.T, id string, src source.Source, port output.Port) *Runner {
	t.Helper()
	core, err := ingest.NewCore(ingest.DefaultConfig(id), port)
	require.NoError(t, err)
	r, err := NewRunner(src, core, 4, nil, nil)
	require.NoError(t, err)
	return r
}

func runAsync(r *Runner, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not exit")
		return nil
	}
}

func TestRunner_EndOfStreamDrainsQueue(t *testing.T) {
	port := &syncPort{}
	r := newRunner(t, "A", &fakeSource{lines: eventLines()}, port)

	err := waitErr(t, runAsync(r, context.Background()))
	require.NoError(t, err)

	vel, events, closes := port.counts()
	assert.Equal(t, 3, vel)
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, closes)

	st := r.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.LastError)
	assert.Equal(t, uint64(3), st.Core.Stats.Sentences)
	assert.Equal(t, 4, st.QueueCapacity)
}

func TestRunner_StopCancelsBothSides(t *testing.T) {
	port := &syncPort{}
	r := newRunner(t, "A", &fakeSource{lines: eventLines()[:1], block: true}, port)

	done := runAsync(r, context.Background())
	require.Eventually(t, func() bool {
		vel, _, _ := port.counts()
		return vel == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Status().Running)

	r.Stop()
	require.NoError(t, waitErr(t, done))
	_, _, closes := port.counts()
	assert.Equal(t, 1, closes)
}

func TestRunner_ConsumerFailureCancelsProducer(t *testing.T) {
	port := &syncPort{connectErr: errors.New("db down")}
	r := newRunner(t, "A", &fakeSource{block: true}, port)

	err := waitErr(t, runAsync(r, context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Contains(t, r.Status().LastError, "db down")
}

func TestRunner_ProducerPanicBecomesError(t *testing.T) {
	port := &syncPort{}
	r := newRunner(t, "A", &fakeSource{lines: eventLines(), panic: "boom"}, port)

	err := waitErr(t, runAsync(r, context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source panic: boom")
	vel, _, _ := port.counts()
	assert.Equal(t, 3, vel, "lines queued before the panic are still processed")
}

func TestRunner_RunsOnce(t *testing.T) {
	r := newRunner(t, "A", &fakeSource{}, &syncPort{})
	require.NoError(t, waitErr(t, runAsync(r, context.Background())))
	require.Error(t, r.Run(context.Background()))
}

func TestNewRunner_Validation(t *testing.T) {
	core, err := ingest.NewCore(ingest.DefaultConfig("A"), &syncPort{})
	require.NoError(t, err)
	_, err = NewRunner(nil, core, 1, nil, nil)
	require.Error(t, err)
	_, err = NewRunner(&fakeSource{}, nil, 1, nil, nil)
	require.Error(t, err)

	r, err := NewRunner(&fakeSource{}, core, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSize, r.Status().QueueCapacity)
}

func TestSupervisor_StationsAreIsolated(t *testing.T) {
	good := &syncPort{}
	bad := &syncPort{}
	runners := []*Runner{
		newRunner(t, "BAD", &fakeSource{err: errors.New("caster gone")}, bad),
		newRunner(t, "PANIC", &fakeSource{panic: "kaboom"}, &syncPort{}),
		newRunner(t, "GOOD", &fakeSource{lines: eventLines()}, good),
	}
	sup := NewSupervisor(runners, nil)
	sup.Start(context.Background())

	err := sup.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "station BAD")
	assert.Contains(t, err.Error(), "caster gone")
	assert.Contains(t, err.Error(), "station PANIC")
	assert.NotContains(t, err.Error(), "station GOOD")

	vel, events, _ := good.counts()
	assert.Equal(t, 3, vel)
	assert.Equal(t, 1, events)

	snaps := sup.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"BAD", "PANIC", "GOOD"}, []string{snaps[0].ID, snaps[1].ID, snaps[2].ID})
	assert.NotEmpty(t, snaps[0].LastError)
	assert.Empty(t, snaps[2].LastError)
}

func TestSupervisor_StopEndsLiveStations(t *testing.T) {
	sup := NewSupervisor([]*Runner{
		newRunner(t, "A", &fakeSource{block: true}, &syncPort{}),
		newRunner(t, "B", &fakeSource{block: true}, &syncPort{}),
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	require.Eventually(t, func() bool {
		for _, s := range sup.Snapshots() {
			if !s.Running {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sup.Wait() }()
	sup.Stop()
	require.NoError(t, waitErr(t, done))
}

func loadStations(t *testing.T, yaml string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("output:\n  dry_run: true\nstations:\n" + yaml))
	require.NoError(t, err)
	return cfg
}

func TestNew_DirStationEndToEnd(t *testing.T) {
	dir := t.TempDir()
	body := strings.Join(eventLines(), "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.nmea"), []byte(body), 0o644))

	cfg := loadStations(t, fmt.Sprintf("  - {id: DIR1, source: dir, dir: %q, threshold_mm_s: 10}\n", dir))
	port := &syncPort{}
	r, err := New(cfg.Stations[0], Deps{Port: port})
	require.NoError(t, err)
	assert.Equal(t, "DIR1", r.ID())
	assert.Equal(t, "dir", r.Status().Source.Kind)

	require.NoError(t, waitErr(t, runAsync(r, context.Background())))
	vel, events, _ := port.counts()
	assert.Equal(t, 3, vel)
	assert.Equal(t, 1, events)
}

func TestNew_DirStationDatesLegacyFromBaseDate(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		sentence("PTNL,VEL,235959.00,0.000,0.030,0.000,1"),
		sentence("PTNL,VEL,000000.50,0.000,0.000,0.000,1"),
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.nmea"), []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	cfg := loadStations(t, fmt.Sprintf("  - {id: OLD, source: dir, dir: %q, replay: {base_date: \"2015-03-02\"}, filter: {force_integration: true}}\n", dir))
	port := &syncPort{}
	r, err := New(cfg.Stations[0], Deps{Port: port})
	require.NoError(t, err)
	assert.True(t, r.Status().Core.Integrator.Manual)

	require.NoError(t, waitErr(t, runAsync(r, context.Background())))
	port.mu.Lock()
	defer port.mu.Unlock()
	require.Len(t, port.vel, 2)
	assert.Equal(t, time.Date(2015, 3, 2, 23, 59, 59, 0, time.UTC), port.vel[0].Time)
	assert.Equal(t, time.Date(2015, 3, 3, 0, 0, 0, 500_000_000, time.UTC), port.vel[1].Time, "midnight rollover")
	require.Len(t, port.events, 1)
	assert.Equal(t, time.Date(2015, 3, 2, 23, 59, 59, 0, time.UTC), port.events[0].Start)
}

func TestNew_SourceKinds(t *testing.T) {
	cfg := loadStations(t, `
  - {id: NET, host: 127.0.0.1, port: 2101, mountpoint: MP}
  - {id: TTY, source: serial, device: /dev/ttyUSB0}
`)
	port := &syncPort{}
	net, err := New(cfg.Stations[0], Deps{Port: port})
	require.NoError(t, err)
	assert.Equal(t, "ntrip", net.Status().Source.Kind)
	assert.Equal(t, "127.0.0.1:2101/MP", net.Status().Source.Target)

	tty, err := New(cfg.Stations[1], Deps{Port: port})
	require.NoError(t, err)
	assert.Equal(t, "serial", tty.Status().Source.Kind)
}

func TestNew_RejectsBadCoreSettings(t *testing.T) {
	st := config.StationConfig{ID: "X", Source: config.SourceNTRIP, Host: "h", Port: 1}
	_, err := New(st, Deps{Port: &syncPort{}})
	require.Error(t, err, "zero threshold is rejected when defaults were not applied")
}
