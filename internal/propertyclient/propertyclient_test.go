package propertyclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kuramo.ch/routeb-meterd/internal/echonetlite"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

type scriptedRequester struct {
	responses []func(req echonetlite.Frame) (echonetlite.Frame, error)
	calls     int
}

func (s *scriptedRequester) RequestResponse(_ context.Context, req echonetlite.Frame, _ time.Duration) (echonetlite.Frame, error) {
	fn := s.responses[s.calls]
	if s.calls < len(s.responses)-1 {
		s.calls++
	}
	return fn(req)
}

func okResponse(epc byte, edt []byte) func(echonetlite.Frame) (echonetlite.Frame, error) {
	return func(req echonetlite.Frame) (echonetlite.Frame, error) {
		return echonetlite.Frame{
			TID:  req.TID,
			SEOJ: echonetlite.SmartMeter,
			DEOJ: echonetlite.Controller,
			ESV:  echonetlite.ESVGet_Res,
			Properties: []echonetlite.Property{
				{EPC: epc, PDC: byte(len(edt)), EDT: edt},
			},
		}, nil
	}
}

func snaResponse(epc byte) func(echonetlite.Frame) (echonetlite.Frame, error) {
	return func(req echonetlite.Frame) (echonetlite.Frame, error) {
		return echonetlite.Frame{
			TID: req.TID, SEOJ: echonetlite.SmartMeter, DEOJ: echonetlite.Controller,
			ESV:        echonetlite.ESVGet_SNA,
			Properties: []echonetlite.Property{{EPC: epc}},
		}, nil
	}
}

func timeoutResponse() func(echonetlite.Frame) (echonetlite.Frame, error) {
	return func(echonetlite.Frame) (echonetlite.Frame, error) {
		return echonetlite.Frame{}, errors.New("simulated link timeout")
	}
}

// combinedOKResponse simulates the meter answering a single Get request
// for both EPC 0xE7 and 0xE8 in one frame.
func combinedOKResponse(powerEDT, currentEDT []byte) func(echonetlite.Frame) (echonetlite.Frame, error) {
	return func(req echonetlite.Frame) (echonetlite.Frame, error) {
		return echonetlite.Frame{
			TID:  req.TID,
			SEOJ: echonetlite.SmartMeter,
			DEOJ: echonetlite.Controller,
			ESV:  echonetlite.ESVGet_Res,
			Properties: []echonetlite.Property{
				{EPC: echonetlite.EPCInstantPower, PDC: byte(len(powerEDT)), EDT: powerEDT},
				{EPC: echonetlite.EPCInstantCurrent, PDC: byte(len(currentEDT)), EDT: currentEDT},
			},
		}, nil
	}
}

func TestReadInstantPowerAndCurrent(t *testing.T) {
	req := &scriptedRequester{responses: []func(echonetlite.Frame) (echonetlite.Frame, error){
		combinedOKResponse([]byte{0x00, 0x00, 0x01, 0x2C}, []byte{0x00, 0x0A, 0x00, 0x00}),
	}}
	c := New(req, wisunlog.Discard())

	watt, r, _, err := c.ReadInstantPowerAndCurrent(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 300, watt)
	assert.Equal(t, 1.0, r)
}

func TestReadInstantPowerAndCurrent_SingleGetCarriesBothEPCs(t *testing.T) {
	var seenOPC byte
	req := &scriptedRequester{responses: []func(echonetlite.Frame) (echonetlite.Frame, error){
		func(frame echonetlite.Frame) (echonetlite.Frame, error) {
			seenOPC = frame.OPC
			return combinedOKResponse([]byte{0x00, 0x00, 0x00, 0x64}, []byte{0x00, 0x05, 0x00, 0x00})(frame)
		},
	}}
	c := New(req, wisunlog.Discard())

	_, _, _, err := c.ReadInstantPowerAndCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(2), seenOPC, "expected one Get request carrying both EPCs, not two round trips")
}

func TestReadInstantPowerAndCurrent_RetriesOnceThenSucceeds(t *testing.T) {
	req := &scriptedRequester{responses: []func(echonetlite.Frame) (echonetlite.Frame, error){
		timeoutResponse(),
		combinedOKResponse([]byte{0x00, 0x00, 0x00, 0x64}, []byte{0x00, 0x05, 0x00, 0x00}),
	}}
	c := New(req, wisunlog.Discard())

	watt, _, _, err := c.ReadInstantPowerAndCurrent(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 100, watt)
}

func TestReadInstantPowerAndCurrent_FailsAfterSecondTimeout(t *testing.T) {
	req := &scriptedRequester{responses: []func(echonetlite.Frame) (echonetlite.Frame, error){
		timeoutResponse(),
		timeoutResponse(),
	}}
	c := New(req, wisunlog.Discard())

	_, _, _, err := c.ReadInstantPowerAndCurrent(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadInstantPowerAndCurrent_Unavailable(t *testing.T) {
	req := &scriptedRequester{responses: []func(echonetlite.Frame) (echonetlite.Frame, error){
		snaResponse(echonetlite.EPCInstantPower),
	}}
	c := New(req, wisunlog.Discard())

	_, _, _, err := c.ReadInstantPowerAndCurrent(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReadCumulativeForward_AppliesUnitAndCoefficient(t *testing.T) {
	req := &scriptedRequester{responses: []func(echonetlite.Frame) (echonetlite.Frame, error){
		okResponse(echonetlite.EPCCumulativeForward, []byte{0x00, 0x00, 0x03, 0xE8}),
	}}
	c := New(req, wisunlog.Discard())

	kwh, err := c.ReadCumulativeForward(context.Background(), UnitAndCoefficient{Unit: 0.1, Coefficient: 10})
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, kwh, 0.0001)
}

func TestReadUnitAndCoefficient_MissingCoefficientDefaultsToOne(t *testing.T) {
	req := &scriptedRequester{responses: []func(echonetlite.Frame) (echonetlite.Frame, error){
		okResponse(echonetlite.EPCEnergyUnit, []byte{0x01}),
		snaResponse(echonetlite.EPCCoefficient),
	}}
	c := New(req, wisunlog.Discard())

	sc, err := c.ReadUnitAndCoefficient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.1, float64(sc.Unit))
	assert.EqualValues(t, 1, sc.Coefficient)
}
