package skstack

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kuramo.ch/routeb-meterd/internal/serialline"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

// fakeModule is an in-memory stand-in for the BP35 module's serial
// transport: writes land in a buffer the test can assert against, and
// the test feeds response lines back through an io.Pipe.
type fakeModule struct {
	r *io.PipeReader

	mu         sync.Mutex
	written    []string
	rawWritten [][]byte
}

func newFakeModule() (*fakeModule, *io.PipeWriter) {
	feedR, feed := io.Pipe()
	return &fakeModule{r: feedR}, feed
}

func (f *fakeModule) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fakeModule) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, strings.TrimRight(string(p), "\r\n"))
	raw := make([]byte, len(p))
	copy(raw, p)
	f.rawWritten = append(f.rawWritten, raw)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeModule) Close() error {
	f.r.Close()
	return nil
}

func (f *fakeModule) lastWritten() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return ""
	}
	return f.written[len(f.written)-1]
}

// lastRawWritten returns the exact bytes of the last Write call, with no
// CRLF-trimming or string conversion, so a test can assert on a binary
// payload without it being corrupted by UTF-8 round-tripping.
func (f *fakeModule) lastRawWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rawWritten) == 0 {
		return nil
	}
	return f.rawWritten[len(f.rawWritten)-1]
}

func newTestDriver() (*Driver, *fakeModule, *io.PipeWriter) {
	module, feed := newFakeModule()
	line := serialline.New(module)
	return New(line, wisunlog.Discard()), module, feed
}

func TestVersion_SendsCommandAndParsesReply(t *testing.T) {
	d, module, feed := newTestDriver()
	go feed.Write([]byte("EVER 1.2.10\r\nOK\r\n"))

	v, err := d.Version()
	require.NoError(t, err)
	assert.Equal(t, "EVER 1.2.10", v)
	assert.Equal(t, "SKVER", module.lastWritten())
}

func TestSendCommand_FailLineIsReportedAsError(t *testing.T) {
	d, _, feed := newTestDriver()
	go feed.Write([]byte("FAIL ER04\r\n"))

	_, err := d.Version()
	var failErr *ErrCommandFailed
	assert.ErrorAs(t, err, &failErr)
}

func TestSendCommand_TimesOutWithoutOK(t *testing.T) {
	d, _, feed := newTestDriver()
	go feed.Write([]byte("EVER 1.2.10\r\n"))

	_, err := sendAndTimeBound(t, d)
	var timeoutErr *ErrLinkTimeout
	assert.ErrorAs(t, err, &timeoutErr)
}

// sendAndTimeBound issues SKVER through sendCommand directly rather than
// the exported Version call, whose timeout is hardcoded to 2s inside the
// package, so the test can use a short timeout and stay fast.
func sendAndTimeBound(t *testing.T, d *Driver) ([]string, error) {
	t.Helper()
	return d.sendCommand("SKVER", 30*time.Millisecond)
}

func TestSendCommand_BuffersInterleavedEventsAsNotifications(t *testing.T) {
	d, _, feed := newTestDriver()
	go feed.Write([]byte("EVENT 21 FE80::1\r\nEVER 1.2.10\r\nOK\r\n"))

	_, err := d.Version()
	require.NoError(t, err)

	ev, ok := d.PollEvent()
	require.True(t, ok)
	assert.Equal(t, "EVENT 21", ev.Code)
}

func TestSetPassword_SendsSKSETPWD(t *testing.T) {
	d, module, feed := newTestDriver()
	go feed.Write([]byte("OK\r\n"))

	require.NoError(t, d.SetPassword("hunter2"))
	assert.Equal(t, "SKSETPWD C hunter2", module.lastWritten())
}

func TestResolveIPv6_ParsesAddressLineWithNoOK(t *testing.T) {
	d, module, feed := newTestDriver()
	go feed.Write([]byte("FE80:0000:0000:0000:021D:1290:1234:5678\r\n"))

	addr, err := d.ResolveIPv6(0x021D129012345678)
	require.NoError(t, err)
	assert.True(t, addr.Is6())
	assert.Contains(t, module.lastWritten(), "SKLL64")
}

func TestParseBeacon_ExtractsKnownFields(t *testing.T) {
	b, ok := parseBeacon("  Channel:21")
	require.True(t, ok)
	assert.Equal(t, uint8(0x21), b.Channel)

	b, ok = parseBeacon("  Pan ID:8888")
	require.True(t, ok)
	assert.Equal(t, uint16(0x8888), b.PanID)

	b, ok = parseBeacon("  Addr:001D129012345678")
	require.True(t, ok)
	assert.Equal(t, uint64(0x001D129012345678), b.MacAddress)

	b, ok = parseBeacon("  LQI:91")
	require.True(t, ok)
	assert.Equal(t, uint8(0x91), b.LQI)

	_, ok = parseBeacon("not a beacon line")
	assert.False(t, ok)
}

func TestJoin_SucceedsOnEvent25(t *testing.T) {
	d, _, feed := newTestDriver()
	go feed.Write([]byte("OK\r\nEVENT 25 FE80::1\r\n"))

	result, err := d.Join(testMeterAddr())
	require.NoError(t, err)
	assert.Equal(t, JoinSucceeded, result)
}

func TestJoin_FailsOnEvent24(t *testing.T) {
	d, _, feed := newTestDriver()
	go feed.Write([]byte("OK\r\nEVENT 24 FE80::1\r\n"))

	result, err := d.Join(testMeterAddr())
	require.NoError(t, err)
	assert.Equal(t, JoinFailed, result)
}

func TestWatchFatalDisconnect_DetectsEvent29(t *testing.T) {
	d, _, feed := newTestDriver()
	go feed.Write([]byte("EVENT 29 FE80::1\r\nEVER 1.2.10\r\nOK\r\n"))

	_, err := d.Version()
	require.NoError(t, err)
	assert.True(t, d.WatchFatalDisconnect())
}

func TestRecvUDP_ParsesERXUDPPayload(t *testing.T) {
	d, _, feed := newTestDriver()
	go feed.Write([]byte("ERXUDP FE80::1 FE80::2 0E1A 0E1A 001D129012345678 0 0004 DEADBEEF\r\n"))

	payload, err := d.RecvUDP(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, payload)
}

func TestSendUDP_WritesRawPayloadNotHexEncoded(t *testing.T) {
	d, module, feed := newTestDriver()
	go feed.Write([]byte("OK\r\n"))

	// A payload deliberately containing bytes (0x0D, 0x0A, 0x00) that would
	// be misread as a line terminator or truncate a string conversion, to
	// prove the module really gets the raw bytes untouched.
	payload := []byte{0x10, 0x81, 0x00, 0x0D, 0x0A, 0x00, 0xFF, 0x72, 0x01, 0x05, 0xFF, 0x01, 0x02, 0x88, 0x01, 0x62, 0x01, 0xE7, 0x00}

	require.NoError(t, d.SendUDP(testMeterAddr(), payload))

	raw := module.lastRawWritten()
	wantPreamble := fmt.Sprintf("SKSENDTO 1 %s %04X 1 %04X ", testMeterAddr().String(), RouteBPort, len(payload))
	require.True(t, bytes.HasPrefix(raw, []byte(wantPreamble)), "wire bytes %q do not start with expected preamble %q", raw, wantPreamble)

	tail := raw[len(wantPreamble):]
	require.True(t, bytes.HasSuffix(tail, []byte{'\r', '\n'}), "wire bytes must end with CRLF after the payload")
	gotPayload := tail[:len(tail)-2]

	assert.Equal(t, payload, gotPayload, "SendUDP must place the raw payload bytes on the wire, not a hex encoding of them")
	assert.Len(t, gotPayload, len(payload), "DATALEN declares the raw byte count, not the hex-encoded character count")
}

func TestScanDuration_Escalates(t *testing.T) {
	d4 := scanDuration(4)
	d8 := scanDuration(8)
	assert.True(t, d8 > d4, "higher duration exponent must scan longer")
}

func testMeterAddr() netip.Addr {
	return netip.MustParseAddr("fe80::1")
}
