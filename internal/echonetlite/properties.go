package echonetlite

import (
	"encoding/binary"
	"fmt"

	"kuramo.ch/routeb-meterd/internal/meter"
)

// EPC codes this driver reads or writes on the low-voltage smart meter
// object (0x028801), per the class's ECHONET Lite property table.
const (
	EPCOperationStatus            byte = 0x80
	EPCInstallationLocation       byte = 0x81
	EPCFaultStatus                byte = 0x88
	EPCManufacturerCode           byte = 0x8A
	EPCCoefficient                byte = 0xD3
	EPCEffectiveDigits            byte = 0xD7
	EPCCumulativeForward          byte = 0xE0 // positive direction cumulative energy
	EPCEnergyUnit                 byte = 0xE1
	EPCCumulativeHistory1         byte = 0xE2 // 30-min cumulative history, 48 points (supplement, decode-only)
	EPCCumulativeHistoryDay       byte = 0xE5 // collection day for 0xE2 (supplement, encode-only)
	EPCInstantPower               byte = 0xE7
	EPCInstantCurrent             byte = 0xE8
	EPCCumulativeTimeOfLastUpdate byte = 0xEA
)

// ErrUnavailable marks a reading the meter declined via Get_SNA.
var ErrUnavailable = fmt.Errorf("echonetlite: property unavailable (Get_SNA)")

// ErrMalformed wraps a property whose EDT could not be decoded for its EPC.
type ErrMalformed struct {
	EPC    byte
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("echonetlite: malformed EDT for EPC 0x%02X: %s", e.EPC, e.Reason)
}

// FindProperty returns the first property in f matching epc.
func (f *Frame) FindProperty(epc byte) (Property, bool) {
	for _, p := range f.Properties {
		if p.EPC == epc {
			return p, true
		}
	}
	return Property{}, false
}

// DecodeInstantPower decodes EPC 0xE7: a signed 4-byte watt reading, with
// 0x7FFFFFFE meaning "undefined".
func DecodeInstantPower(p Property) (int32, error) {
	if p.EPC != EPCInstantPower {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: "not EPC 0xE7"}
	}
	if len(p.EDT) != 4 {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: fmt.Sprintf("EDT length %d, want 4", len(p.EDT))}
	}
	v := int32(binary.BigEndian.Uint32(p.EDT))
	if v == 0x7FFFFFFE {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: "undefined (0x7FFFFFFE)"}
	}
	return v, nil
}

// DecodeInstantCurrent decodes EPC 0xE8: two signed 2-byte 0.1A readings,
// R-phase then T-phase. T is nil when the meter reports the single-phase
// sentinel 0x7FFE for it.
func DecodeInstantCurrent(p Property) (r float64, t *float64, err error) {
	if p.EPC != EPCInstantCurrent {
		return 0, nil, &ErrMalformed{EPC: p.EPC, Reason: "not EPC 0xE8"}
	}
	if len(p.EDT) != 4 {
		return 0, nil, &ErrMalformed{EPC: p.EPC, Reason: fmt.Sprintf("EDT length %d, want 4", len(p.EDT))}
	}
	rRaw := int16(binary.BigEndian.Uint16(p.EDT[0:2]))
	tRaw := int16(binary.BigEndian.Uint16(p.EDT[2:4]))
	r = float64(rRaw) / 10
	if tRaw != 0x7FFE {
		tv := float64(tRaw) / 10
		t = &tv
	}
	return r, t, nil
}

// DecodeCumulativeForward decodes EPC 0xE0: an unsigned 4-byte raw count,
// which callers scale by unit x coefficient to get kWh.
func DecodeCumulativeForward(p Property) (uint32, error) {
	if p.EPC != EPCCumulativeForward {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: "not EPC 0xE0"}
	}
	if len(p.EDT) != 4 {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: fmt.Sprintf("EDT length %d, want 4", len(p.EDT))}
	}
	return binary.BigEndian.Uint32(p.EDT), nil
}

// DecodeEnergyUnit decodes EPC 0xE1's 1-byte scale factor.
func DecodeEnergyUnit(p Property) (meter.EnergyUnit, error) {
	if p.EPC != EPCEnergyUnit {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: "not EPC 0xE1"}
	}
	if len(p.EDT) != 1 {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: fmt.Sprintf("EDT length %d, want 1", len(p.EDT))}
	}
	u, ok := meter.EnergyUnitFromByte(p.EDT[0])
	if !ok {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: fmt.Sprintf("unassigned unit byte 0x%02X", p.EDT[0])}
	}
	return u, nil
}

// DecodeCoefficient decodes EPC 0xD3's 4-byte multiplier. Meters that omit
// this property (pre-revision B route units) are treated by the caller as
// coefficient 1; this function only handles the case where the property
// is present.
func DecodeCoefficient(p Property) (uint32, error) {
	if p.EPC != EPCCoefficient {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: "not EPC 0xD3"}
	}
	if len(p.EDT) != 4 {
		return 0, &ErrMalformed{EPC: p.EPC, Reason: fmt.Sprintf("EDT length %d, want 4", len(p.EDT))}
	}
	return binary.BigEndian.Uint32(p.EDT), nil
}

// DecodeCumulativeHistory decodes the supplemented EPC 0xE2: a collection
// day byte followed by 48 half-hourly raw cumulative readings (4 bytes
// each, same raw unit as EPC 0xE0). It is never issued by the Scheduler;
// it exists for callers that want historical backfill outside the regular
// polling loop.
func DecodeCumulativeHistory(p Property) (day byte, readings []uint32, err error) {
	if p.EPC != EPCCumulativeHistory1 {
		return 0, nil, &ErrMalformed{EPC: p.EPC, Reason: "not EPC 0xE2"}
	}
	const want = 1 + 48*4
	if len(p.EDT) != want {
		return 0, nil, &ErrMalformed{EPC: p.EPC, Reason: fmt.Sprintf("EDT length %d, want %d", len(p.EDT), want)}
	}
	day = p.EDT[0]
	readings = make([]uint32, 48)
	for i := range readings {
		off := 1 + i*4
		readings[i] = binary.BigEndian.Uint32(p.EDT[off : off+4])
	}
	return day, readings, nil
}

// EncodeCumulativeHistoryDay builds the EDT for a SetC on EPC 0xE5, the
// day (0 = today, 1 = yesterday, ...) a subsequent EPC 0xE2 Get returns
// history for.
func EncodeCumulativeHistoryDay(daysAgo byte) []byte {
	return []byte{daysAgo}
}
