// Package scheduler drives the wall-clock-aligned sampling loop: a
// reading every minute (instantaneous power + current) and a reading
// every half hour (cumulative forward energy), persisting each sample
// through the storage façade and recording, but never retrying, a
// missed tick.
package scheduler

import (
	"context"
	"errors"
	"time"

	"kuramo.ch/routeb-meterd/internal/meter"
	"kuramo.ch/routeb-meterd/internal/propertyclient"
	"kuramo.ch/routeb-meterd/internal/session"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

// Store is the subset of the Persistence façade the Scheduler writes to.
type Store interface {
	InsertInstantPower(ctx context.Context, s meter.InstantPowerSample) error
	InsertInstantCurrent(ctx context.Context, s meter.InstantCurrentSample) error
	InsertCumulativeEnergy(ctx context.Context, s meter.CumulativeEnergySample) error
}

// meterReader is the subset of *propertyclient.Client the Scheduler
// reads from, narrowed to an interface so tests can drive the tick
// loop against a fake meter.
type meterReader interface {
	ReadInstantPowerAndCurrent(ctx context.Context) (watt int32, r float64, t *float64, err error)
	ReadCumulativeForward(ctx context.Context, scale propertyclient.UnitAndCoefficient) (float64, error)
}

// Scheduler owns the minute/half-hour tick loop.
type Scheduler struct {
	client meterReader
	store  Store
	scale  propertyclient.UnitAndCoefficient
	log    *wisunlog.Logger

	now func() time.Time
}

// New builds a Scheduler over an already-Authenticated Session's
// PropertyClient. Samples are written with a nil Location.
func New(client *propertyclient.Client, store Store, scale propertyclient.UnitAndCoefficient, log *wisunlog.Logger) *Scheduler {
	return newWithReader(client, store, scale, log)
}

func newWithReader(client meterReader, store Store, scale propertyclient.UnitAndCoefficient, log *wisunlog.Logger) *Scheduler {
	return &Scheduler{client: client, store: store, scale: scale, log: log.With("scheduler"), now: time.Now}
}

// nextMinuteBoundary returns the next whole-minute instant strictly after t.
func nextMinuteBoundary(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

// nextHalfHourBoundary returns the next :00 or :30 instant strictly after t.
func nextHalfHourBoundary(t time.Time) time.Time {
	truncated := t.Truncate(30 * time.Minute)
	next := truncated.Add(30 * time.Minute)
	if !next.After(t) {
		next = next.Add(30 * time.Minute)
	}
	return next
}

// Run blocks, sampling at every minute boundary and every half-hour
// boundary, until ctx is canceled. A shutdown signal is expected to be
// wired to ctx's cancellation (SIGTERM), checked only at tick boundaries
// so an in-flight read is never aborted mid-way.
//
// Every half-hour boundary is itself a minute boundary, so each wake-up
// is computed from time.Now() as the next plain minute tick; the wake-up
// additionally runs the half-hour tick whenever it lands exactly on one.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		next := nextMinuteBoundary(now)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			tickCtx := context.WithoutCancel(ctx)
			if err := s.runMinuteTick(tickCtx, next); IsFatal(err) {
				return err
			}
			if next.Minute()%30 == 0 && next.Second() == 0 {
				if err := s.runHalfHourTick(tickCtx, next); IsFatal(err) {
					return err
				}
			}
		}
	}
}

// runMinuteTick reads instant power and instant current in a single Get
// so a missed tick never persists one of the pair without the other.
func (s *Scheduler) runMinuteTick(ctx context.Context, at time.Time) error {
	watt, r, tPhase, err := s.client.ReadInstantPowerAndCurrent(ctx)
	if err != nil {
		s.log.Warn("missed instant power/current sample", "error", err, "at", at)
		return err
	}

	if err := s.store.InsertInstantPower(ctx, meter.InstantPowerSample{RecordedAt: at, Watt: watt}); err != nil {
		s.log.Error("failed to persist instant power sample", "error", err, "at", at)
	}
	if err := s.store.InsertInstantCurrent(ctx, meter.InstantCurrentSample{RecordedAt: at, R: r, T: tPhase}); err != nil {
		s.log.Error("failed to persist instant current sample", "error", err, "at", at)
	}
	return nil
}

func (s *Scheduler) runHalfHourTick(ctx context.Context, at time.Time) error {
	kwh, err := s.client.ReadCumulativeForward(ctx, s.scale)
	if err != nil {
		s.log.Warn("missed cumulative energy sample", "error", err, "at", at)
		return err
	}
	if err := s.store.InsertCumulativeEnergy(ctx, meter.CumulativeEnergySample{RecordedAt: at, KWh: kwh}); err != nil {
		s.log.Error("failed to persist cumulative energy sample", "error", err, "at", at)
	}
	return nil
}

// IsFatal reports whether err should stop the Scheduler's caller (daqd)
// entirely rather than simply be logged and skipped.
func IsFatal(err error) bool {
	return errors.Is(err, session.ErrSessionLost)
}
