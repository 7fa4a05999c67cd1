// Package propertyclient correlates ECHONET Lite Get requests with their
// responses over a Session, applying the smart meter's unit and
// coefficient scaling law and the daemon's one-retry policy.
package propertyclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kuramo.ch/routeb-meterd/internal/echonetlite"
	"kuramo.ch/routeb-meterd/internal/meter"
	"kuramo.ch/routeb-meterd/internal/session"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

// DefaultTimeout is the per-request window spec.md assigns PropertyClient
// calls before they're treated as Timeout.
const DefaultTimeout = 20 * time.Second

// ErrTimeout indicates neither attempt of a request received a
// correlated response within DefaultTimeout.
var ErrTimeout = errors.New("propertyclient: request timed out")

// ErrUnavailable wraps a Get_SNA/SetC_SNA response: the meter declined
// the request for that property.
var ErrUnavailable = errors.New("propertyclient: property unavailable")

// requester is the Session surface PropertyClient needs: send a request
// and wait for its correlated reply.
type requester interface {
	RequestResponse(ctx context.Context, req echonetlite.Frame, timeout time.Duration) (echonetlite.Frame, error)
}

// Client issues Get requests against a Session; it has no SetC call. A
// request is re-sent once when the Session returns an error (surfaced as
// ErrTimeout) or the reply carries an unexpected ESV. A reply that lacks
// a requested EPC, or whose EDT does not decode, is returned as an error
// without a re-send.
type Client struct {
	session requester
	tids    echonetlite.TIDAllocator
	log     *wisunlog.Logger
}

// New builds a Client over an authenticated Session.
func New(session requester, log *wisunlog.Logger) *Client {
	return &Client{session: session, log: log.With("propertyclient")}
}

// getFrame performs a (possibly multi-EPC) Get with the client's retry
// policy, returning the whole response frame so a caller that requested
// more than one EPC can pull every property off a single round trip.
func (c *Client) getFrame(ctx context.Context, epcs ...byte) (echonetlite.Frame, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		tid := c.tids.Next()
		req := echonetlite.NewGetFrame(tid, epcs...)
		resp, err := c.session.RequestResponse(ctx, req, DefaultTimeout)
		if err != nil {
			if errors.Is(err, session.ErrSessionLost) {
				// The Session is gone for good; no retry can help, and the
				// caller needs to see ErrSessionLost to stop the daemon.
				return echonetlite.Frame{}, err
			}
			lastErr = fmt.Errorf("%w: %v", ErrTimeout, err)
			c.log.Warn("get timed out, retrying", "epcs", epcs, "attempt", attempt)
			continue
		}
		if resp.ESV == echonetlite.ESVGet_SNA {
			return echonetlite.Frame{}, ErrUnavailable
		}
		if resp.ESV != echonetlite.ESVGet_Res {
			lastErr = &echonetlite.ErrMalformed{EPC: epcs[0], Reason: fmt.Sprintf("unexpected ESV 0x%02X", byte(resp.ESV))}
			c.log.Warn("get returned unexpected ESV, retrying", "epcs", epcs, "attempt", attempt)
			continue
		}
		return resp, nil
	}
	return echonetlite.Frame{}, lastErr
}

// get performs a single-EPC Get with the client's retry policy, returning
// the matching response property or a typed error.
func (c *Client) get(ctx context.Context, epc byte) (echonetlite.Property, error) {
	resp, err := c.getFrame(ctx, epc)
	if err != nil {
		return echonetlite.Property{}, err
	}
	prop, ok := resp.FindProperty(epc)
	if !ok {
		return echonetlite.Property{}, &echonetlite.ErrMalformed{EPC: epc, Reason: "response did not contain the requested EPC"}
	}
	return prop, nil
}

// UnitAndCoefficient is what ReadUnitAndCoefficient reads once, during
// pairing, to fix the scaling law used by every later cumulative read.
type UnitAndCoefficient struct {
	Unit        meter.EnergyUnit
	Coefficient uint32
}

// ReadUnitAndCoefficient reads EPC 0xE1 (required) and EPC 0xD3
// (optional; meters predating the coefficient property default to 1).
func (c *Client) ReadUnitAndCoefficient(ctx context.Context) (UnitAndCoefficient, error) {
	unitProp, err := c.get(ctx, echonetlite.EPCEnergyUnit)
	if err != nil {
		return UnitAndCoefficient{}, fmt.Errorf("propertyclient: read energy unit: %w", err)
	}
	unit, err := echonetlite.DecodeEnergyUnit(unitProp)
	if err != nil {
		return UnitAndCoefficient{}, fmt.Errorf("propertyclient: decode energy unit: %w", err)
	}

	coefficient := uint32(1)
	coefProp, err := c.get(ctx, echonetlite.EPCCoefficient)
	if err == nil {
		if v, decErr := echonetlite.DecodeCoefficient(coefProp); decErr == nil {
			coefficient = v
		}
	} else if !errors.Is(err, ErrUnavailable) {
		return UnitAndCoefficient{}, fmt.Errorf("propertyclient: read coefficient: %w", err)
	}

	return UnitAndCoefficient{Unit: unit, Coefficient: coefficient}, nil
}

// ReadInstantPowerAndCurrent reads EPC 0xE7 and 0xE8 in a single Get, so
// a caller that persists both never ends up with one without the other
// for the same tick.
func (c *Client) ReadInstantPowerAndCurrent(ctx context.Context) (watt int32, r float64, t *float64, err error) {
	resp, err := c.getFrame(ctx, echonetlite.EPCInstantPower, echonetlite.EPCInstantCurrent)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("propertyclient: read instant power+current: %w", err)
	}
	powerProp, ok := resp.FindProperty(echonetlite.EPCInstantPower)
	if !ok {
		return 0, 0, nil, fmt.Errorf("propertyclient: response missing instant power: %w", &echonetlite.ErrMalformed{EPC: echonetlite.EPCInstantPower, Reason: "not present in combined Get response"})
	}
	currentProp, ok := resp.FindProperty(echonetlite.EPCInstantCurrent)
	if !ok {
		return 0, 0, nil, fmt.Errorf("propertyclient: response missing instant current: %w", &echonetlite.ErrMalformed{EPC: echonetlite.EPCInstantCurrent, Reason: "not present in combined Get response"})
	}
	watt, err = echonetlite.DecodeInstantPower(powerProp)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("propertyclient: decode instant power: %w", err)
	}
	r, t, err = echonetlite.DecodeInstantCurrent(currentProp)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("propertyclient: decode instant current: %w", err)
	}
	return watt, r, t, nil
}

// ReadCumulativeForward reads EPC 0xE0 and scales it by unit x
// coefficient into kWh.
func (c *Client) ReadCumulativeForward(ctx context.Context, scale UnitAndCoefficient) (float64, error) {
	p, err := c.get(ctx, echonetlite.EPCCumulativeForward)
	if err != nil {
		return 0, fmt.Errorf("propertyclient: read cumulative forward: %w", err)
	}
	raw, err := echonetlite.DecodeCumulativeForward(p)
	if err != nil {
		return 0, fmt.Errorf("propertyclient: decode cumulative forward: %w", err)
	}
	coefficient := scale.Coefficient
	if coefficient == 0 {
		coefficient = 1
	}
	return float64(raw) * float64(scale.Unit) * float64(coefficient), nil
}
