// Package serialline wraps a serial port as a line- and byte-oriented
// transport for the Wi-SUN module driver. Unlike a bufio.Scanner-based
// reader it never applies line buffering below the application: a single
// background goroutine drains the port into a byte slice, and the two
// read methods (ReadLine, ReadN) pull from that same retained buffer, so
// a CRLF-terminated SK command response and a raw ERXUDP binary tail can
// be read off the same stream without one mode corrupting the other.
package serialline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// ErrTimeout is returned by ReadLine/ReadN when the deadline elapses
// before enough data arrives.
var ErrTimeout = errors.New("serialline: read timed out")

// ErrClosed is returned by read/write operations after Close.
var ErrClosed = errors.New("serialline: line is closed")

// Line is a byte-stream transport over a serial port, with buffered
// line- and count-delimited reads.
type Line struct {
	port io.ReadWriteCloser

	mu     sync.Mutex
	buf    bytes.Buffer
	readCh chan []byte
	errCh  chan error
	done   chan struct{}
}

// Config mirrors the subset of tarm/serial.Config this driver needs.
type Config struct {
	Device   string
	BaudRate int
	// ReadTimeout bounds each underlying port Read call; it does not bound
	// ReadLine/ReadN, which loop internally against their own deadline.
	ReadTimeout time.Duration
}

// Open opens the serial device and starts the background reader.
func Open(cfg Config) (*Line, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 100 * time.Millisecond
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        baud,
		Size:        8,
		StopBits:    1,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serialline: open %s: %w", cfg.Device, err)
	}
	return New(port), nil
}

// New wraps an already-open transport (a real serial port, or a fake
// io.ReadWriteCloser in tests) as a Line.
func New(port io.ReadWriteCloser) *Line {
	return newLine(port)
}

func newLine(port io.ReadWriteCloser) *Line {
	l := &Line{
		port:   port,
		readCh: make(chan []byte, 16),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *Line) pump() {
	chunk := make([]byte, 512)
	for {
		n, err := l.port.Read(chunk)
		if n > 0 {
			b := make([]byte, n)
			copy(b, chunk[:n])
			select {
			case l.readCh <- b:
			case <-l.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case l.errCh <- err:
				default:
				}
			}
			return
		}
		select {
		case <-l.done:
			return
		default:
		}
	}
}

// fill blocks until the internal buffer holds at least min bytes, the
// deadline passes, or the port fails.
func (l *Line) fill(min int, deadline time.Time) error {
	for {
		l.mu.Lock()
		have := l.buf.Len()
		l.mu.Unlock()
		if have >= min {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case chunk, ok := <-l.readCh:
			timer.Stop()
			if !ok {
				return ErrClosed
			}
			l.mu.Lock()
			l.buf.Write(chunk)
			l.mu.Unlock()
		case err := <-l.errCh:
			timer.Stop()
			return fmt.Errorf("serialline: port read failed: %w", err)
		case <-timer.C:
			return ErrTimeout
		case <-l.done:
			timer.Stop()
			return ErrClosed
		}
	}
}

// ReadLine reads one CRLF-terminated line (SK command dialect uses "\r\n"),
// with the terminator stripped. It blocks until a full line is available,
// the timeout elapses, or the port closes.
func (l *Line) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		data := l.buf.Bytes()
		idx := bytes.Index(data, []byte("\r\n"))
		if idx >= 0 {
			line := make([]byte, idx)
			copy(line, data[:idx])
			l.buf.Next(idx + 2)
			l.mu.Unlock()
			return string(line), nil
		}
		l.mu.Unlock()

		if err := l.fill(l.buf.Len()+1, deadline); err != nil {
			return "", err
		}
	}
}

// ReadN reads exactly n raw bytes, with no line-ending interpretation,
// for count-delimited binary data such as a payload whose length a
// preceding header line has declared.
func (l *Line) ReadN(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := l.fill(n, deadline); err != nil {
		return nil, err
	}
	l.mu.Lock()
	out := make([]byte, n)
	l.buf.Read(out)
	l.mu.Unlock()
	return out, nil
}

// WriteLine writes data followed by "\r\n".
func (l *Line) WriteLine(data []byte) error {
	return l.WriteRaw(append(append([]byte(nil), data...), '\r', '\n'))
}

// WriteRaw writes data to the port exactly as given, with no CRLF
// appended. Used for commands like SKSENDTO whose tail is a binary
// payload that must reach the module byte-for-byte, not translated or
// escaped the way a text line would be.
func (l *Line) WriteRaw(data []byte) error {
	_, err := l.port.Write(data)
	if err != nil {
		return fmt.Errorf("serialline: write: %w", err)
	}
	return nil
}

// Close stops the background reader and closes the underlying port.
func (l *Line) Close() error {
	close(l.done)
	return l.port.Close()
}
