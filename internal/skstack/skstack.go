// Package skstack drives a BP35-family Wi-SUN module through its SK*
// AT-style command dialect: version query, Route-B credential setup,
// active scan, PANA join, and UDP datagram send/receive.
package skstack

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"kuramo.ch/routeb-meterd/internal/serialline"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

// Standard Route-B UDP port and channel constants, per the module's
// command reference.
const (
	RouteBPort   = 0x0E1A
	defaultSide  = 0 // B-route, as opposed to HAN-side (1) on dual-stack modules
	commandDelay = 200 * time.Millisecond
)

// BeaconResponse is one active-scan result (an EPANDESC PAN descriptor).
type BeaconResponse struct {
	Channel    uint8
	ChannelPage uint8
	PanID      uint16
	MacAddress uint64
	LQI        uint8
	PairingID  string
}

// Event is an unsolicited notification line (EVENT/ERXUDP) observed
// outside of a command's own response, queued for the Session to poll.
type Event struct {
	Raw  string
	Code string
	Args []string
}

// ErrLinkTimeout is returned when a command's expected terminal response
// does not arrive within its allotted window.
type ErrLinkTimeout struct {
	Command string
	Timeout time.Duration
}

func (e *ErrLinkTimeout) Error() string {
	return fmt.Sprintf("skstack: %q timed out after %s", e.Command, e.Timeout)
}

// ErrCommandFailed wraps a "FAIL ERxx" response line.
type ErrCommandFailed struct {
	Command string
	Line    string
}

func (e *ErrCommandFailed) Error() string {
	return fmt.Sprintf("skstack: %q failed: %s", e.Command, e.Line)
}

// Driver sends SK commands over a serial.Line and demultiplexes the
// module's command-echo/response lines from its unsolicited EVENT and
// ERXUDP notifications. Commands are strictly half-duplex: only one may
// be outstanding at a time.
type Driver struct {
	line   *serialline.Line
	log    *wisunlog.Logger
	events []Event
}

// New wraps an already-open serial line.
func New(line *serialline.Line, log *wisunlog.Logger) *Driver {
	return &Driver{line: line, log: log}
}

// sendCommand writes cmd as a CRLF-terminated text line, then reads the
// response the same way readResponse always does.
func (d *Driver) sendCommand(cmd string, timeout time.Duration) (echoed []string, err error) {
	if err := d.line.WriteLine([]byte(cmd)); err != nil {
		return nil, err
	}
	return d.readResponse(cmd, timeout)
}

// sendRawCommand writes raw exactly as given (no CRLF appended - raw must
// carry its own terminator) and reads the response labeled as label.
// Used for SKSENDTO, whose tail is a binary ECHONET Lite payload that must
// not be translated the way a text command line would be.
func (d *Driver) sendRawCommand(label string, raw []byte, timeout time.Duration) (echoed []string, err error) {
	if err := d.line.WriteRaw(raw); err != nil {
		return nil, err
	}
	return d.readResponse(label, timeout)
}

// readResponse reads lines until "OK"/"FAIL ..." (or, for SKLL64, the
// single address line the module returns with no OK at all), buffering
// EVENT/ERXUDP notification lines as Events for PollEvent to return later
// and returning every other line as the command's response. label
// identifies the command for timeout/error messages and the SKLL64
// special case; it need not be the literal bytes written to the wire.
func (d *Driver) readResponse(label string, timeout time.Duration) (echoed []string, err error) {
	deadline := time.Now().Add(timeout)
	isLL64 := strings.HasPrefix(label, "SKLL64")

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &ErrLinkTimeout{Command: label, Timeout: timeout}
		}
		line, err := d.line.ReadLine(remaining)
		if err != nil {
			if errors.Is(err, serialline.ErrTimeout) {
				return nil, &ErrLinkTimeout{Command: label, Timeout: timeout}
			}
			return nil, fmt.Errorf("skstack: %q: %w", label, err)
		}
		if isLL64 {
			return []string{line}, nil
		}
		if strings.HasPrefix(line, "FAIL ") {
			return nil, &ErrCommandFailed{Command: label, Line: line}
		}
		if line == "OK" {
			return echoed, nil
		}
		if looksLikeNotification(line) {
			d.events = append(d.events, parseEvent(line))
			continue
		}
		echoed = append(echoed, line)
	}
}

func looksLikeNotification(line string) bool {
	return strings.HasPrefix(line, "EVENT ") || strings.HasPrefix(line, "ERXUDP ")
}

func parseEvent(line string) Event {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Event{Raw: line}
	}
	code := fields[0]
	if code == "EVENT" && len(fields) > 1 {
		code = "EVENT " + fields[1]
	}
	return Event{Raw: line, Code: code, Args: fields}
}

// PollEvent returns and removes the oldest buffered notification, if any.
func (d *Driver) PollEvent() (Event, bool) {
	if len(d.events) == 0 {
		return Event{}, false
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, true
}

// WaitEvent blocks, reading raw lines off the serial port (buffering any
// command-shaped lines as a protocol violation is not expected here
// since no command is outstanding), until a notification whose code has
// the given prefix arrives or the timeout elapses.
func (d *Driver) WaitEvent(codePrefix string, timeout time.Duration) (Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		if len(d.events) > 0 {
			for i, ev := range d.events {
				if strings.HasPrefix(ev.Code, codePrefix) {
					d.events = append(d.events[:i], d.events[i+1:]...)
					return ev, nil
				}
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, &ErrLinkTimeout{Command: "wait:" + codePrefix, Timeout: timeout}
		}
		line, err := d.line.ReadLine(remaining)
		if err != nil {
			return Event{}, err
		}
		d.events = append(d.events, parseEvent(line))
	}
}

// Version queries the module's firmware identification string (SKVER).
func (d *Driver) Version() (string, error) {
	lines, err := d.sendCommand("SKVER", 2*time.Second)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("skstack: SKVER returned no version line")
	}
	return lines[0], nil
}

// SetPassword registers the Route-B password (SKSETPWD).
func (d *Driver) SetPassword(password string) error {
	_, err := d.sendCommand(fmt.Sprintf("SKSETPWD C %s", password), 2*time.Second)
	return err
}

// SetRouteBID registers the Route-B id (SKSETRBID).
func (d *Driver) SetRouteBID(id string) error {
	_, err := d.sendCommand(fmt.Sprintf("SKSETRBID %s", id), 2*time.Second)
	return err
}

// SetChannel sets the operating channel register S2 (SKSREG S2).
func (d *Driver) SetChannel(channel uint8) error {
	_, err := d.sendCommand(fmt.Sprintf("SKSREG S2 %02X", channel), 2*time.Second)
	return err
}

// SetPanID sets the PAN id register S3 (SKSREG S3).
func (d *Driver) SetPanID(panID uint16) error {
	_, err := d.sendCommand(fmt.Sprintf("SKSREG S3 %04X", panID), 2*time.Second)
	return err
}

// ResolveIPv6 converts the module's 64-bit MAC into the meter's link-local
// IPv6 address (SKLL64).
func (d *Driver) ResolveIPv6(mac uint64) (netip.Addr, error) {
	var macBytes [8]byte
	binary.BigEndian.PutUint64(macBytes[:], mac)
	lines, err := d.sendCommand(fmt.Sprintf("SKLL64 %s", hex.EncodeToString(macBytes[:])), 2*time.Second)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(lines) == 0 {
		return netip.Addr{}, fmt.Errorf("skstack: SKLL64 returned no address")
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(lines[0]))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("skstack: SKLL64 returned unparseable address %q: %w", lines[0], err)
	}
	return addr, nil
}

// ActiveScanResult is what a single active-scan attempt (possibly
// escalating its duration) surfaces: the candidate PAN with the
// strongest LQI.
type ActiveScanResult struct {
	Beacon BeaconResponse
	Found  bool
}

// ActiveScan issues SKSCAN mode 2 (active scan with PAN descriptor) at
// escalating duration exponents (4, 5, 6, 7, 8), stopping at the first
// exponent that yields at least one beacon, and keeping the
// strongest-LQI beacon within that attempt.
func (d *Driver) ActiveScan(channelMask uint32) (ActiveScanResult, error) {
	for durationExp := 4; durationExp <= 8; durationExp++ {
		if _, err := d.sendCommand(fmt.Sprintf("SKSCAN 2 %08X %d", channelMask, durationExp), 2*time.Second); err != nil {
			return ActiveScanResult{}, err
		}

		scanWindow := scanDuration(durationExp)
		deadline := time.Now().Add(scanWindow + 5*time.Second)
		var best BeaconResponse
		found := false

		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			ev, err := d.WaitEvent("EVENT", remaining)
			if err != nil {
				break
			}
			if strings.HasPrefix(ev.Raw, "EVENT 22 ") {
				break // scan complete notification
			}
			if b, ok := parseBeacon(ev.Raw); ok {
				if !found || b.LQI > best.LQI {
					best = b
					found = true
				}
			}
		}

		if found {
			return ActiveScanResult{Beacon: best, Found: true}, nil
		}
	}
	return ActiveScanResult{}, nil
}

func scanDuration(durationExp int) time.Duration {
	// Per the module's scan timing formula: (0.01 x (2^durationExp + 1)) x 9 seconds.
	ms := int64(10 * ((1 << uint(durationExp)) + 1) * 9)
	return time.Duration(ms) * time.Millisecond
}

// parseBeacon extracts a PAN descriptor out of the EPANDESC block the
// module emits between "EVENT 20" and "EVENT 22"; each field arrives on
// its own line of the form "  Key:Value".
func parseBeacon(raw string) (BeaconResponse, bool) {
	var b BeaconResponse
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return b, false
	}
	key := strings.TrimSpace(parts[0])
	val := strings.TrimSpace(parts[1])
	switch key {
	case "Channel":
		v, err := strconv.ParseUint(val, 16, 8)
		if err != nil {
			return b, false
		}
		b.Channel = uint8(v)
	case "Pan ID":
		v, err := strconv.ParseUint(val, 16, 16)
		if err != nil {
			return b, false
		}
		b.PanID = uint16(v)
	case "Addr":
		v, err := strconv.ParseUint(val, 16, 64)
		if err != nil {
			return b, false
		}
		b.MacAddress = v
	case "LQI":
		v, err := strconv.ParseUint(val, 16, 8)
		if err != nil {
			return b, false
		}
		b.LQI = uint8(v)
	case "PairingID":
		b.PairingID = val
	default:
		return b, false
	}
	return b, true
}

// JoinResult is the outcome of one SKJOIN attempt.
type JoinResult int

const (
	JoinSucceeded JoinResult = iota
	JoinFailed
)

// Join issues SKJOIN against the meter's link-local address and waits
// for EVENT 25 (success) or EVENT 24 (failure); it makes no more than
// one attempt per call, leaving retry-count policy to the Session.
func (d *Driver) Join(meterAddr netip.Addr) (JoinResult, error) {
	if _, err := d.sendCommand(fmt.Sprintf("SKJOIN %s", meterAddr.String()), 2*time.Second); err != nil {
		return JoinFailed, err
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		ev, err := d.WaitEvent("EVENT", time.Until(deadline))
		if err != nil {
			return JoinFailed, err
		}
		switch {
		case strings.HasPrefix(ev.Raw, "EVENT 25 "):
			return JoinSucceeded, nil
		case strings.HasPrefix(ev.Raw, "EVENT 24 "):
			return JoinFailed, nil
		}
		// Any other EVENT is PANA progress; keep waiting for 25 or 24.
	}
}

// WatchFatalDisconnect reports whether a buffered/incoming event is
// EVENT 29 (PANA session terminated by the meter), the unrecoverable
// disconnect condition that sends the Session to Fatal.
func (d *Driver) WatchFatalDisconnect() bool {
	for _, ev := range d.events {
		if strings.HasPrefix(ev.Raw, "EVENT 29 ") {
			return true
		}
	}
	return false
}

// UDPOpen opens the Route-B UDP port for sending/receiving ECHONET Lite
// datagrams (SKUDPPORT).
func (d *Driver) UDPOpen() error {
	_, err := d.sendCommand(fmt.Sprintf("SKUDPPORT %04X", RouteBPort), 2*time.Second)
	return err
}

// SendUDP transmits an ECHONET Lite frame to the meter over the joined
// PANA session (SKSENDTO, security type 1).
//
// The module's DATALEN field and the bytes that follow it must agree on
// the raw (non-hex) payload length, and the payload bytes must reach the
// port untranslated - writing them through WriteLine's CRLF-terminated
// text path would both double their apparent length (hex vs. raw) and
// risk a stray 0x0D/0x0A inside the frame terminating the line early. The
// preamble is plain text; it is written together with the payload tail
// and one trailing CRLF as a single raw, unescaped byte slice.
func (d *Driver) SendUDP(meterAddr netip.Addr, payload []byte) error {
	const secure = 1
	preamble := fmt.Sprintf("SKSENDTO %d %s %04X %d %04X ", secure, meterAddr.String(), RouteBPort, secure, len(payload))
	raw := append([]byte(preamble), payload...)
	raw = append(raw, '\r', '\n')
	_, err := d.sendRawCommand("SKSENDTO", raw, 5*time.Second)
	return err
}

// RecvUDP waits for the next ERXUDP notification and returns its
// payload bytes, hex-decoded from the last field of the notification
// line. A data field sent as raw binary bytes is not read.
func (d *Driver) RecvUDP(timeout time.Duration) ([]byte, error) {
	ev, err := d.WaitEvent("ERXUDP", timeout)
	if err != nil {
		return nil, err
	}
	return parseERXUDPPayload(ev.Raw)
}

// parseERXUDPPayload extracts the hex-encoded payload from an
// "ERXUDP sender dest rport lport senderlla secured datalen data" line.
func parseERXUDPPayload(line string) ([]byte, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, fmt.Errorf("skstack: malformed ERXUDP line: %q", line)
	}
	dataHex := fields[len(fields)-1]
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return nil, fmt.Errorf("skstack: ERXUDP payload not valid hex: %w", err)
	}
	return data, nil
}
