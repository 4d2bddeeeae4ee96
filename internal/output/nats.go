package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL string
	// SubjectPrefix defaults to "vadase"; records go to
	// <prefix>.<station>.<velocity|displacement|event|event_start>.
	SubjectPrefix string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher fans records out on NATS subjects for downstream consumers
// (alerting, dashboards, archival). Like SQLWriter it is shared by every
// station and reference counts Connect/Close.
type NATSPublisher struct {
	cfg  NATSConfig
	log  *slog.Logger
	dial func(cfg NATSConfig, log *slog.Logger) (natsConn, error)

	mu   sync.Mutex
	nc   natsConn
	refs int
}

func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats publisher: url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "vadase"
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "vadase-monitor"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{cfg: cfg, log: log.With("component", "nats_publisher"), dial: dialNATS}, nil
}

func dialNATS(cfg NATSConfig, log *slog.Logger) (natsConn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats_disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return nc, nil
}

func (p *NATSPublisher) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		p.refs++
		return nil
	}
	nc, err := p.dial(p.cfg, p.log)
	if err != nil {
		return fmt.Errorf("nats publisher: connect: %w", err)
	}
	p.nc = nc
	p.refs = 1
	p.log.Info("connected", "url", p.cfg.URL)
	return nil
}

// Close drains pending publishes on the last release.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc == nil {
		return nil
	}
	p.refs--
	if p.refs > 0 {
		return nil
	}
	err := p.nc.Drain()
	p.nc = nil
	return err
}

// Subject returns the subject a station's records of the given type go to.
func (p *NATSPublisher) Subject(station, kind string) string {
	return p.cfg.SubjectPrefix + "." + subjectToken(station) + "." + kind
}

// subjectToken keeps station ids from introducing extra subject levels or
// wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func (p *NATSPublisher) publish(station, kind string, v any) error {
	p.mu.Lock()
	nc := p.nc
	p.mu.Unlock()
	if nc == nil {
		return errors.New("nats publisher: not connected")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats publisher: encode %s: %w", kind, err)
	}
	if err := nc.Publish(p.Subject(station, kind), b); err != nil {
		return fmt.Errorf("nats publisher: %s: %w", kind, err)
	}
	return nil
}

func (p *NATSPublisher) WriteVelocity(_ context.Context, station string, rec VelocityRecord) error {
	return p.publish(station, MessageVelocity, rec)
}

func (p *NATSPublisher) WriteDisplacement(_ context.Context, station string, rec DisplacementRecord) error {
	return p.publish(station, MessageDisplacement, rec)
}

func (p *NATSPublisher) WriteEventDetection(_ context.Context, ev EventRecord) error {
	return p.publish(ev.Station, MessageEvent, ev)
}

func (p *NATSPublisher) EventStarted(_ context.Context, station string, start time.Time, velocityMMS float64) error {
	return p.publish(station, MessageEventStart, EventStart{Start: start, Velocity: velocityMMS})
}
