package output

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	mu      sync.Mutex
	msgs    []published
	drained int
	pubErr  error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.msgs = append(f.msgs, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeNATS) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained++
	return nil
}

func newFakeNATSPublisher(t *testing.T, prefix string) (*NATSPublisher, *fakeNATS, *int) {
	t.Helper()
	p, err := NewNATSPublisher(NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: prefix})
	require.NoError(t, err)
	fake := &fakeNATS{}
	dials := 0
	p.dial = func(NATSConfig, *slog.Logger) (natsConn, error) {
		dials++
		return fake, nil
	}
	return p, fake, &dials
}

func TestNewNATSPublisher_Defaults(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{})
	require.Error(t, err)

	p, err := NewNATSPublisher(NATSConfig{URL: "nats://localhost:4222"})
	require.NoError(t, err)
	assert.Equal(t, "vadase", p.cfg.SubjectPrefix)
	assert.Equal(t, -1, p.cfg.MaxReconnects)
	assert.Equal(t, "vadase.GENO.velocity", p.Subject("GENO", MessageVelocity))
	assert.Equal(t, "vadase.a_b_c.event", p.Subject("a.b*c", MessageEvent))
}

func TestNATSPublisher_PublishesRecords(t *testing.T) {
	p, fake, dials := newFakeNATSPublisher(t, "geo")
	ctx := context.Background()

	require.Error(t, p.WriteVelocity(ctx, "GENO", VelocityRecord{}), "not connected yet")

	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Connect(ctx))
	assert.Equal(t, 1, *dials, "shared connection")

	ts := time.Date(2015, 3, 2, 11, 38, 5, 0, time.UTC)
	require.NoError(t, p.WriteVelocity(ctx, "GENO", VelocityRecord{Time: ts, Horizontal: 0.02}))
	require.NoError(t, p.WriteDisplacement(ctx, "GENO", DisplacementRecord{Time: ts, Integrated: true}))
	require.NoError(t, p.EventStarted(ctx, "GENO", ts, 20))
	ev := EventRecord{ID: uuid.New(), Station: "GENO", Start: ts, PeakVelocity: 20, Duration: 1}
	require.NoError(t, p.WriteEventDetection(ctx, ev))

	require.Len(t, fake.msgs, 4)
	subjects := []string{fake.msgs[0].subject, fake.msgs[1].subject, fake.msgs[2].subject, fake.msgs[3].subject}
	assert.Equal(t, []string{"geo.GENO.velocity", "geo.GENO.displacement", "geo.GENO.event_start", "geo.GENO.event"}, subjects)

	var got EventRecord
	require.NoError(t, json.Unmarshal(fake.msgs[3].data, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, 20.0, got.PeakVelocity)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, fake.drained, "still referenced")
	require.NoError(t, p.Close())
	assert.Equal(t, 1, fake.drained)
	require.NoError(t, p.Close(), "extra close is harmless")
}

func TestNATSPublisher_Errors(t *testing.T) {
	p, fake, _ := newFakeNATSPublisher(t, "")
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	fake.pubErr = errors.New("slow consumer")
	err := p.WriteVelocity(ctx, "GENO", VelocityRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow consumer")

	q, _, _ := newFakeNATSPublisher(t, "")
	q.dial = func(NATSConfig, *slog.Logger) (natsConn, error) { return nil, errors.New("no servers") }
	require.Error(t, q.Connect(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, q.Connect(cancelled), context.Canceled)
}

func TestMulti_ForwardsEventStartToNATS(t *testing.T) {
	p, fake, _ := newFakeNATSPublisher(t, "")
	m := Multi{&recordingPort{}, p}
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.EventStarted(ctx, "GENO", time.Now(), 30))
	require.Len(t, fake.msgs, 1)
	assert.Equal(t, "vadase.GENO.event_start", fake.msgs[0].subject)
}
