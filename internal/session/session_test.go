package session

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kuramo.ch/routeb-meterd/internal/echonetlite"
	"kuramo.ch/routeb-meterd/internal/skstack"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

var testMeterAddr = netip.MustParseAddr("fe80::1234:5678:9abc:def0")

type fakeDriver struct {
	scanResults []skstack.ActiveScanResult
	scanCalls   int
	joinResults []skstack.JoinResult
	joinCalls   int
	fatal       bool
	inbox       [][]byte
	sent        [][]byte
}

func (f *fakeDriver) ActiveScan(uint32) (skstack.ActiveScanResult, error) {
	r := f.scanResults[f.scanCalls]
	if f.scanCalls < len(f.scanResults)-1 {
		f.scanCalls++
	}
	return r, nil
}
func (f *fakeDriver) SetPassword(string) error       { return nil }
func (f *fakeDriver) SetRouteBID(string) error        { return nil }
func (f *fakeDriver) SetChannel(uint8) error          { return nil }
func (f *fakeDriver) SetPanID(uint16) error           { return nil }
func (f *fakeDriver) ResolveIPv6(uint64) (netip.Addr, error) {
	return testMeterAddr, nil
}
func (f *fakeDriver) UDPOpen() error { return nil }
func (f *fakeDriver) Join(netip.Addr) (skstack.JoinResult, error) {
	r := f.joinResults[f.joinCalls]
	if f.joinCalls < len(f.joinResults)-1 {
		f.joinCalls++
	}
	return r, nil
}
func (f *fakeDriver) SendUDP(_ netip.Addr, payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeDriver) RecvUDP(time.Duration) ([]byte, error) {
	if len(f.inbox) == 0 {
		return nil, &skstack.ErrLinkTimeout{Command: "recv", Timeout: time.Second}
	}
	p := f.inbox[0]
	f.inbox = f.inbox[1:]
	return p, nil
}
func (f *fakeDriver) WatchFatalDisconnect() bool { return f.fatal }

func foundBeacon() skstack.ActiveScanResult {
	return skstack.ActiveScanResult{
		Found: true,
		Beacon: skstack.BeaconResponse{
			Channel: 0x21, PanID: 0xBEAF, MacAddress: 0x001122334455, LQI: 200,
		},
	}
}

func TestSession_Run_ReachesAuthenticated(t *testing.T) {
	drv := &fakeDriver{
		scanResults: []skstack.ActiveScanResult{foundBeacon()},
		joinResults: []skstack.JoinResult{skstack.JoinSucceeded},
	}
	s := newWithDriver(drv, wisunlog.Discard())

	err := s.Run(Credentials{RouteBID: "id", RouteBPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, Authenticated, s.State())
	assert.Equal(t, uint16(0xBEAF), s.PeerInfo().PanID)
}

func TestSession_Run_NoMeterFound(t *testing.T) {
	drv := &fakeDriver{
		scanResults: []skstack.ActiveScanResult{{Found: false}},
	}
	s := newWithDriver(drv, wisunlog.Discard())

	err := s.Run(Credentials{RouteBID: "id", RouteBPassword: "pw"})
	assert.ErrorIs(t, err, ErrMeterNotFound)
	assert.Equal(t, Failed, s.State())
}

func TestSession_Run_JoinRetriesThenSucceeds(t *testing.T) {
	drv := &fakeDriver{
		scanResults: []skstack.ActiveScanResult{foundBeacon(), foundBeacon(), foundBeacon()},
		joinResults: []skstack.JoinResult{skstack.JoinFailed, skstack.JoinFailed, skstack.JoinSucceeded},
	}
	s := newWithDriver(drv, wisunlog.Discard())

	err := s.Run(Credentials{RouteBID: "id", RouteBPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, Authenticated, s.State())
}

func TestSession_Run_JoinExhaustsRetries(t *testing.T) {
	drv := &fakeDriver{
		scanResults: []skstack.ActiveScanResult{foundBeacon()},
		joinResults: []skstack.JoinResult{skstack.JoinFailed, skstack.JoinFailed, skstack.JoinFailed},
	}
	s := newWithDriver(drv, wisunlog.Discard())

	err := s.Run(Credentials{RouteBID: "id", RouteBPassword: "pw"})
	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.Equal(t, Failed, s.State())
}

func TestSession_CheckFatal_OnEvent29(t *testing.T) {
	drv := &fakeDriver{
		scanResults: []skstack.ActiveScanResult{foundBeacon()},
		joinResults: []skstack.JoinResult{skstack.JoinSucceeded},
	}
	s := newWithDriver(drv, wisunlog.Discard())
	require.NoError(t, s.Run(Credentials{RouteBID: "id", RouteBPassword: "pw"}))

	drv.fatal = true
	err := s.CheckFatal()
	assert.ErrorIs(t, err, ErrSessionLost)
	assert.Equal(t, Fatal, s.State())
}

func TestSession_RequestResponse_DiscardsNonMatchingFrame(t *testing.T) {
	drv := &fakeDriver{
		scanResults: []skstack.ActiveScanResult{foundBeacon()},
		joinResults: []skstack.JoinResult{skstack.JoinSucceeded},
	}
	s := newWithDriver(drv, wisunlog.Discard())
	require.NoError(t, s.Run(Credentials{RouteBID: "id", RouteBPassword: "pw"}))

	req := echonetlite.NewGetFrame(0x0007, echonetlite.EPCInstantPower)

	stale := echonetlite.Frame{
		EHD1: echonetlite.EchonetLiteEHD1, EHD2: echonetlite.Format1,
		TID: 0x0006, SEOJ: echonetlite.SmartMeter, DEOJ: echonetlite.Controller,
		ESV: echonetlite.ESVGet_Res,
		Properties: []echonetlite.Property{{EPC: echonetlite.EPCInstantPower, PDC: 4, EDT: []byte{0, 0, 0, 100}}},
	}
	staleRaw, err := stale.MarshalBinary()
	require.NoError(t, err)

	match := echonetlite.Frame{
		EHD1: echonetlite.EchonetLiteEHD1, EHD2: echonetlite.Format1,
		TID: 0x0007, SEOJ: echonetlite.SmartMeter, DEOJ: echonetlite.Controller,
		ESV: echonetlite.ESVGet_Res,
		Properties: []echonetlite.Property{{EPC: echonetlite.EPCInstantPower, PDC: 4, EDT: []byte{0, 0, 1, 44}}},
	}
	matchRaw, err := match.MarshalBinary()
	require.NoError(t, err)

	drv.inbox = [][]byte{staleRaw, matchRaw}

	resp, err := s.RequestResponse(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, echonetlite.TID(0x0007), resp.TID)
	assert.Equal(t, Authenticated, s.State())
}
