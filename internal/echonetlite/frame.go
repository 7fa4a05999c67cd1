// Package echonetlite encodes and decodes ECHONET-Lite application-layer
// frames and the low-voltage smart meter property set (EPC 0x80..0xEA) the
// Route-B session exchanges with the meter.
package echonetlite

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EHD1 is the ECHONET Lite header 1 byte.
type EHD1 byte

const (
	EchonetLiteEHD1 EHD1 = 0x10
)

// EHD2 is the ECHONET Lite header 2 byte (message format).
type EHD2 byte

const (
	Format1 EHD2 = 0x81 // specified message format, the only one this codec emits
)

// TID is the 16-bit transaction id, wrapping at 0xFFFF -> 0x0000.
type TID uint16

// EOJ is an ECHONET Lite object identifier (class group, class, instance).
type EOJ struct {
	ClassGroupCode byte
	ClassCode      byte
	InstanceCode   byte
}

// NewEOJ builds an EOJ from its three bytes.
func NewEOJ(classGroup, class, instance byte) EOJ {
	return EOJ{ClassGroupCode: classGroup, ClassCode: class, InstanceCode: instance}
}

// Controller is the source object this driver always presents as.
var Controller = NewEOJ(0x05, 0xFF, 0x01)

// SmartMeter is the destination object class for a low-voltage smart meter.
var SmartMeter = NewEOJ(0x02, 0x88, 0x01)

// ESV is the ECHONET Lite service code.
type ESV byte

const (
	ESVSetI ESV = 0x60 // property write, no response
	ESVSetC ESV = 0x61 // property write, response required
	ESVGet  ESV = 0x62 // property read, response required

	ESVSet_Res ESV = 0x71
	ESVGet_Res ESV = 0x72
	ESVInf     ESV = 0x73

	ESVSetI_SNA ESV = 0x50
	ESVSetC_SNA ESV = 0x51
	ESVGet_SNA  ESV = 0x52
)

// Property is a single EPC/PDC/EDT triple carried by a Frame.
type Property struct {
	EPC byte
	PDC byte
	EDT []byte
}

// Frame is one ECHONET Lite application-layer packet:
//
//	EHD1(1) EHD2(1) TID(2) SEOJ(3) DEOJ(3) ESV(1) OPC(1) {EPC(1) PDC(1) EDT(PDC)}xOPC
type Frame struct {
	EHD1       EHD1
	EHD2       EHD2
	TID        TID
	SEOJ       EOJ
	DEOJ       EOJ
	ESV        ESV
	OPC        byte
	Properties []Property
}

// frameHeaderBytes is EHD1+EHD2+TID+SEOJ+DEOJ+ESV+OPC.
const frameHeaderBytes = 1 + 1 + 2 + 3 + 3 + 1 + 1

// NewGetFrame builds a single or multi-property Get request addressed to
// the smart meter, with PDC=0/EDT=nil for every requested EPC.
func NewGetFrame(tid TID, epcs ...byte) Frame {
	props := make([]Property, len(epcs))
	for i, epc := range epcs {
		props[i] = Property{EPC: epc}
	}
	return Frame{
		EHD1:       EchonetLiteEHD1,
		EHD2:       Format1,
		TID:        tid,
		SEOJ:       Controller,
		DEOJ:       SmartMeter,
		ESV:        ESVGet,
		OPC:        byte(len(props)),
		Properties: props,
	}
}

// NewSetCFrame builds a single-property SetC request addressed to the
// smart meter.
func NewSetCFrame(tid TID, epc byte, edt []byte) Frame {
	return Frame{
		EHD1: EchonetLiteEHD1,
		EHD2: Format1,
		TID:  tid,
		SEOJ: Controller,
		DEOJ: SmartMeter,
		ESV:  ESVSetC,
		OPC:  1,
		Properties: []Property{
			{EPC: epc, PDC: byte(len(edt)), EDT: edt},
		},
	}
}

// MarshalBinary serializes f into its wire bytes. Output length equals
// 12 + sum(2+PDC_i) over the frame's properties.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Properties) == 0 {
		return nil, fmt.Errorf("echonetlite: frame has no properties (OPC must be >= 1)")
	}
	for i, p := range f.Properties {
		if int(p.PDC) != len(p.EDT) {
			return nil, fmt.Errorf("echonetlite: property %d (EPC 0x%02X): PDC=%d but len(EDT)=%d", i, p.EPC, p.PDC, len(p.EDT))
		}
	}

	size := frameHeaderBytes
	for _, p := range f.Properties {
		size += 2 + len(p.EDT)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))

	buf.WriteByte(byte(f.EHD1))
	buf.WriteByte(byte(f.EHD2))
	var tidBytes [2]byte
	binary.BigEndian.PutUint16(tidBytes[:], uint16(f.TID))
	buf.Write(tidBytes[:])
	buf.WriteByte(f.SEOJ.ClassGroupCode)
	buf.WriteByte(f.SEOJ.ClassCode)
	buf.WriteByte(f.SEOJ.InstanceCode)
	buf.WriteByte(f.DEOJ.ClassGroupCode)
	buf.WriteByte(f.DEOJ.ClassCode)
	buf.WriteByte(f.DEOJ.InstanceCode)
	buf.WriteByte(byte(f.ESV))
	buf.WriteByte(byte(len(f.Properties)))
	for _, p := range f.Properties {
		buf.WriteByte(p.EPC)
		buf.WriteByte(byte(len(p.EDT)))
		buf.Write(p.EDT)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary parses raw wire bytes into f. It rejects frames whose
// header bytes are not the fixed ECHONET Lite values, and frames whose
// advertised OPC does not match the bytes actually present.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < frameHeaderBytes {
		return fmt.Errorf("echonetlite: frame too short: %d bytes", len(data))
	}
	if EHD1(data[0]) != EchonetLiteEHD1 {
		return fmt.Errorf("echonetlite: unexpected EHD1: 0x%02X", data[0])
	}
	if EHD2(data[1]) != Format1 {
		return fmt.Errorf("echonetlite: unexpected EHD2: 0x%02X", data[1])
	}

	f.EHD1 = EHD1(data[0])
	f.EHD2 = EHD2(data[1])
	f.TID = TID(binary.BigEndian.Uint16(data[2:4]))
	f.SEOJ = EOJ{data[4], data[5], data[6]}
	f.DEOJ = EOJ{data[7], data[8], data[9]}
	f.ESV = ESV(data[10])
	opc := int(data[11])

	props := make([]Property, 0, opc)
	i := frameHeaderBytes
	for n := 0; n < opc; n++ {
		if i+2 > len(data) {
			return fmt.Errorf("echonetlite: truncated frame reading property %d header", n)
		}
		epc := data[i]
		pdc := int(data[i+1])
		i += 2
		if i+pdc > len(data) {
			return fmt.Errorf("echonetlite: truncated frame reading EDT for property %d (EPC 0x%02X, PDC %d)", n, epc, pdc)
		}
		var edt []byte
		if pdc > 0 {
			edt = make([]byte, pdc)
			copy(edt, data[i:i+pdc])
		}
		i += pdc
		props = append(props, Property{EPC: epc, PDC: byte(pdc), EDT: edt})
	}
	if i != len(data) {
		return fmt.Errorf("echonetlite: OPC=%d did not consume the whole frame (%d bytes left over)", opc, len(data)-i)
	}

	f.OPC = byte(opc)
	f.Properties = props
	return nil
}

// CorrespondsTo reports whether resp is the response/notification this
// frame (a request) is waiting for: matching TID, SEOJ/DEOJ swapped, and
// an ESV that is the request's ESV + 0x10 (the Get/Get_Res, SetC/Set_Res
// pairing ECHONET Lite uses), or a Get_SNA/SetC_SNA error response
// (ESV - request ESV == -0x10).
func (req *Frame) CorrespondsTo(resp *Frame) bool {
	if req.TID != resp.TID {
		return false
	}
	if req.SEOJ != resp.DEOJ || req.DEOJ != resp.SEOJ {
		return false
	}
	delta := int(resp.ESV) - int(req.ESV)
	return delta == 0x10 || delta == -0x10
}
