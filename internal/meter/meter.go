// Package meter holds the domain value types shared across the Route-B
// acquisition core: the persisted Settings record and the three telemetry
// sample shapes the Scheduler hands to the Persistence façade.
package meter

import "time"

// EnergyUnit is the decimal scale factor a smart meter reports for its
// cumulative-energy EPCs (0xE1). Values come straight off the wire per
// ECHONET-Lite's low-voltage smart meter class definition.
type EnergyUnit float64

// Energy unit table, EPC 0xE1 raw byte -> kWh scale factor.
const (
	EnergyUnit1      EnergyUnit = 1
	EnergyUnit0p1    EnergyUnit = 0.1
	EnergyUnit0p01   EnergyUnit = 0.01
	EnergyUnit0p001  EnergyUnit = 0.001
	EnergyUnit0p0001 EnergyUnit = 0.0001
	EnergyUnit10     EnergyUnit = 10
	EnergyUnit100    EnergyUnit = 100
	EnergyUnit1000   EnergyUnit = 1000
	EnergyUnit10000  EnergyUnit = 10000
)

// EnergyUnitFromByte decodes EPC 0xE1's raw byte into its kWh scale factor.
// ok is false for a byte value the class definition does not assign.
func EnergyUnitFromByte(b byte) (EnergyUnit, bool) {
	switch b {
	case 0x00:
		return EnergyUnit1, true
	case 0x01:
		return EnergyUnit0p1, true
	case 0x02:
		return EnergyUnit0p01, true
	case 0x03:
		return EnergyUnit0p001, true
	case 0x04:
		return EnergyUnit0p0001, true
	case 0x0A:
		return EnergyUnit10, true
	case 0x0B:
		return EnergyUnit100, true
	case 0x0C:
		return EnergyUnit1000, true
	case 0x0D:
		return EnergyUnit10000, true
	default:
		return 0, false
	}
}

// Settings is the connection tuple pairing discovers and daqd reads back.
// It is persisted once, as a JSON document, and is read-only after that.
type Settings struct {
	ID             int64     `json:"-"`
	PanID          uint16    `json:"pan_id"`
	Channel        uint8     `json:"channel"`
	MeterIPv6      string    `json:"meter_ipv6"`
	MacAddress     uint64    `json:"mac_address"`
	RouteBID       string    `json:"route_b_id"`
	RouteBPassword string    `json:"route_b_password"`
	EnergyUnit     EnergyUnit `json:"energy_unit"`
	Coefficient    uint32    `json:"coefficient"`
}

// InstantPowerSample is produced once per sampling minute from EPC 0xE7.
type InstantPowerSample struct {
	RecordedAt time.Time
	Watt       int32
	Location   *string
}

// InstantCurrentSample is produced once per sampling minute from EPC 0xE8.
// T is nil for single-phase 2-wire meters, where the module reports the
// sentinel 0x7FFE for the T-phase reading.
type InstantCurrentSample struct {
	RecordedAt time.Time
	R          float64
	T          *float64
	Location   *string
}

// CumulativeEnergySample is produced once per half hour from EPC 0xE0,
// scaled by unit x coefficient.
type CumulativeEnergySample struct {
	RecordedAt time.Time
	KWh        float64
	Location   *string
}
