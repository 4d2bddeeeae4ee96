package output

import (
	"context"
	"errors"
	"time"
)

// Multi forwards every call to each port in order. A failing port does not
// stop delivery to the others; their errors are joined.
type Multi []Port

func (m Multi) Connect(ctx context.Context) error {
	for i, p := range m {
		if err := p.Connect(ctx); err != nil {
			// Release the ports already connected.
			var errs []error
			errs = append(errs, err)
			for _, prev := range m[:i] {
				errs = append(errs, prev.Close())
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

func (m Multi) WriteVelocity(ctx context.Context, station string, rec VelocityRecord) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.WriteVelocity(ctx, station, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) WriteDisplacement(ctx context.Context, station string, rec DisplacementRecord) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.WriteDisplacement(ctx, station, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) WriteEventDetection(ctx context.Context, ev EventRecord) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.WriteEventDetection(ctx, ev))
	}
	return errors.Join(errs...)
}

// EventStarted forwards to the ports that implement Alerter.
func (m Multi) EventStarted(ctx context.Context, station string, start time.Time, velocityMMS float64) error {
	var errs []error
	for _, p := range m {
		if a, ok := p.(Alerter); ok {
			errs = append(errs, a.EventStarted(ctx, station, start, velocityMMS))
		}
	}
	return errors.Join(errs...)
}
