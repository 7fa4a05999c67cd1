// Package session drives the Route-B join state machine: active scan,
// radio configuration, PANA join, and the authenticated request/response
// and INF-receive surface the PropertyClient builds on.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"kuramo.ch/routeb-meterd/internal/echonetlite"
	"kuramo.ch/routeb-meterd/internal/skstack"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

// State is one node of the Session state machine.
type State int

const (
	Idle State = iota
	ScanningForMeter
	ConfiguringRadio
	Joining
	Authenticated
	SendingReceiving
	Failed
	Fatal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ScanningForMeter:
		return "ScanningForMeter"
	case ConfiguringRadio:
		return "ConfiguringRadio"
	case Joining:
		return "Joining"
	case Authenticated:
		return "Authenticated"
	case SendingReceiving:
		return "SendingReceiving"
	case Failed:
		return "Failed"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Sentinel errors for Session-level failures, matching spec's error
// handling table: callers compare with errors.Is.
var (
	ErrMeterNotFound = errors.New("session: no meter found by active scan")
	ErrJoinFailed    = errors.New("session: PANA join did not reach EVENT 25")
	ErrSessionLost   = errors.New("session: EVENT 29 received, session terminated by meter")
)

const (
	joinMaxAttempts    = 3
	defaultChannelMask = 0xFFFFFFFF
)

// Credentials is the Route-B pairing identity a ScanningForMeter/Joining
// run authenticates with.
type Credentials struct {
	RouteBID       string
	RouteBPassword string
}

// moduleDriver is the subset of *skstack.Driver the Session state machine
// needs; narrowed to an interface so tests can exercise the state machine
// against a fake radio.
type moduleDriver interface {
	ActiveScan(channelMask uint32) (skstack.ActiveScanResult, error)
	SetPassword(password string) error
	SetRouteBID(id string) error
	SetChannel(channel uint8) error
	SetPanID(panID uint16) error
	ResolveIPv6(mac uint64) (netip.Addr, error)
	UDPOpen() error
	Join(meterAddr netip.Addr) (skstack.JoinResult, error)
	SendUDP(meterAddr netip.Addr, payload []byte) error
	RecvUDP(timeout time.Duration) ([]byte, error)
	WatchFatalDisconnect() bool
}

// Session owns the joined UDP handle toward the meter once Authenticated,
// and is the only thing in the process that talks to the ModuleDriver.
type Session struct {
	driver moduleDriver
	log    *wisunlog.Logger

	state      State
	meterAddr  netip.Addr
	panID      uint16
	channel    uint8
	macAddress uint64
}

// New wraps a driver for a fresh (Idle) session.
func New(driver *skstack.Driver, log *wisunlog.Logger) *Session {
	return newWithDriver(driver, log)
}

func newWithDriver(driver moduleDriver, log *wisunlog.Logger) *Session {
	return &Session{driver: driver, log: log.With("session"), state: Idle}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// PeerInfo reports what Authenticated discovered about the joined meter.
type PeerInfo struct {
	MeterAddr  netip.Addr
	PanID      uint16
	Channel    uint8
	MacAddress uint64
}

func (s *Session) PeerInfo() PeerInfo {
	return PeerInfo{MeterAddr: s.meterAddr, PanID: s.panID, Channel: s.channel, MacAddress: s.macAddress}
}

// Run drives Idle all the way to Authenticated, or returns the terminal
// error (MeterNotFound, JoinFailed) that left the Session in Failed.
func (s *Session) Run(creds Credentials) error {
	s.state = ScanningForMeter
	s.log.Info("scanning for meter")
	result, err := s.driver.ActiveScan(defaultChannelMask)
	if err != nil {
		s.state = Failed
		return fmt.Errorf("session: active scan: %w", err)
	}
	if !result.Found {
		s.state = Failed
		return ErrMeterNotFound
	}
	s.panID = result.Beacon.PanID
	s.channel = result.Beacon.Channel
	s.macAddress = result.Beacon.MacAddress

	s.state = ConfiguringRadio
	s.log.Info("configuring radio", "channel", s.channel, "pan_id", s.panID)
	if err := s.driver.SetPassword(creds.RouteBPassword); err != nil {
		s.state = Failed
		return fmt.Errorf("session: set password: %w", err)
	}
	if err := s.driver.SetRouteBID(creds.RouteBID); err != nil {
		s.state = Failed
		return fmt.Errorf("session: set route-b id: %w", err)
	}
	if err := s.driver.SetChannel(s.channel); err != nil {
		s.state = Failed
		return fmt.Errorf("session: set channel: %w", err)
	}
	if err := s.driver.SetPanID(s.panID); err != nil {
		s.state = Failed
		return fmt.Errorf("session: set pan id: %w", err)
	}
	meterAddr, err := s.driver.ResolveIPv6(s.macAddress)
	if err != nil {
		s.state = Failed
		return fmt.Errorf("session: resolve meter address: %w", err)
	}
	s.meterAddr = meterAddr

	s.state = Joining
	if err := s.driver.UDPOpen(); err != nil {
		s.state = Failed
		return fmt.Errorf("session: open udp port: %w", err)
	}

	for attempt := 1; attempt <= joinMaxAttempts; attempt++ {
		s.log.Info("joining", "attempt", attempt, "meter_addr", s.meterAddr.String())
		join, err := s.driver.Join(s.meterAddr)
		if err != nil {
			s.state = Failed
			return fmt.Errorf("session: join: %w", err)
		}
		if join == skstack.JoinSucceeded {
			s.state = Authenticated
			s.log.Info("authenticated")
			return nil
		}
		s.log.Warn("join attempt failed, retrying with fresh scan", "attempt", attempt)
		// A failed join (EVENT 24) means the beacon we scanned is stale;
		// spec calls for a fresh scan before each retry.
		rescan, err := s.driver.ActiveScan(defaultChannelMask)
		if err != nil {
			s.state = Failed
			return fmt.Errorf("session: rescan after join failure: %w", err)
		}
		if !rescan.Found {
			s.state = Failed
			return ErrMeterNotFound
		}
		s.panID = rescan.Beacon.PanID
		s.channel = rescan.Beacon.Channel
		s.macAddress = rescan.Beacon.MacAddress
		if err := s.driver.SetChannel(s.channel); err != nil {
			s.state = Failed
			return fmt.Errorf("session: set channel: %w", err)
		}
		if err := s.driver.SetPanID(s.panID); err != nil {
			s.state = Failed
			return fmt.Errorf("session: set pan id: %w", err)
		}
		meterAddr, err := s.driver.ResolveIPv6(s.macAddress)
		if err != nil {
			s.state = Failed
			return fmt.Errorf("session: resolve meter address: %w", err)
		}
		s.meterAddr = meterAddr
	}

	s.state = Failed
	return ErrJoinFailed
}

// CheckFatal reports whether the meter has sent EVENT 29 since the last
// check, forcing the Session into Fatal. RequestResponse and RecvINF call
// it before touching the radio.
func (s *Session) CheckFatal() error {
	if s.state == Fatal {
		return ErrSessionLost
	}
	if s.driver.WatchFatalDisconnect() {
		s.state = Fatal
		return ErrSessionLost
	}
	return nil
}

// RequestResponse sends req and waits up to timeout for its correlated
// reply, discarding any interleaved INF that doesn't match req's TID.
func (s *Session) RequestResponse(ctx context.Context, req echonetlite.Frame, timeout time.Duration) (echonetlite.Frame, error) {
	if err := s.CheckFatal(); err != nil {
		return echonetlite.Frame{}, err
	}
	if s.state != Authenticated && s.state != SendingReceiving {
		return echonetlite.Frame{}, fmt.Errorf("session: RequestResponse called in state %s", s.state)
	}
	s.state = SendingReceiving
	defer func() {
		if s.state == SendingReceiving {
			s.state = Authenticated
		}
	}()

	raw, err := req.MarshalBinary()
	if err != nil {
		return echonetlite.Frame{}, fmt.Errorf("session: marshal request: %w", err)
	}
	if err := s.driver.SendUDP(s.meterAddr, raw); err != nil {
		return echonetlite.Frame{}, fmt.Errorf("session: send: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return echonetlite.Frame{}, &skstack.ErrLinkTimeout{Command: "request_response", Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return echonetlite.Frame{}, ctx.Err()
		default:
		}
		payload, err := s.driver.RecvUDP(remaining)
		if err != nil {
			return echonetlite.Frame{}, fmt.Errorf("session: recv: %w", err)
		}
		var resp echonetlite.Frame
		if err := resp.UnmarshalBinary(payload); err != nil {
			s.log.Warn("discarding malformed frame while awaiting response", "error", err)
			continue
		}
		if req.CorrespondsTo(&resp) {
			return resp, nil
		}
		// An unrelated INF or a stale response; keep waiting for ours.
		s.log.Debug("discarding non-matching frame", "tid", resp.TID, "esv", resp.ESV)
	}
}

// RecvINF waits up to timeout for any unsolicited INF frame, independent
// of TID correlation.
func (s *Session) RecvINF(timeout time.Duration) (echonetlite.Frame, error) {
	if err := s.CheckFatal(); err != nil {
		return echonetlite.Frame{}, err
	}
	payload, err := s.driver.RecvUDP(timeout)
	if err != nil {
		return echonetlite.Frame{}, err
	}
	var f echonetlite.Frame
	if err := f.UnmarshalBinary(payload); err != nil {
		return echonetlite.Frame{}, fmt.Errorf("session: malformed INF frame: %w", err)
	}
	if f.ESV != echonetlite.ESVInf {
		return echonetlite.Frame{}, fmt.Errorf("session: expected INF, got ESV 0x%02X", byte(f.ESV))
	}
	return f, nil
}
