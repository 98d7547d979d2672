package rpc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Framing selects how messages are delimited on the stream.
type Framing uint8

const (
	// FramingLine delimits messages with a newline.
	FramingLine Framing = iota

	// FramingHeader prefixes each message with a Content-Length header.
	FramingHeader
)

// String returns the config name of the framing.
func (f Framing) String() string {
	switch f {
	case FramingLine:
		return "line"
	case FramingHeader:
		return "header"
	default:
		return "unknown"
	}
}

// ParseFraming maps a config name to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(s) {
	case "", "line":
		return FramingLine, nil
	case "header", "content-length":
		return FramingHeader, nil
	default:
		return FramingLine, fmt.Errorf("unknown framing %q", s)
	}
}

// Transport reads and writes framed messages over a byte stream.
// A single goroutine may call Read; Write is safe for concurrent use and
// never interleaves frames.
type Transport struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer
	framing Framing

	wmu    sync.Mutex
	closed atomic.Bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithFraming selects the framing mode. The default is FramingLine.
func WithFraming(f Framing) Option {
	return func(t *Transport) {
		t.framing = f
	}
}

// NewTransport creates a transport over r and w. c, if not nil, is closed
// by Close.
func NewTransport(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Transport {
	t := &Transport{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: c,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Framing returns the framing mode in use.
func (t *Transport) Framing() Framing {
	return t.framing
}

// Read returns the next message. A frame that cannot be decoded yields a
// *TransportError and the stream stays positioned at the following frame.
// With header framing, a frame whose length is missing or unreadable is
// skipped up to the next Content-Length header.
// io.EOF is returned when the peer closes the stream between frames.
func (t *Transport) Read() (Message, error) {
	var (
		frame []byte
		err   error
	)
	if t.framing == FramingHeader {
		frame, err = t.readHeaderFrame()
	} else {
		frame, err = t.readLineFrame()
	}
	if err != nil {
		return nil, err
	}
	return Decode(frame)
}

func (t *Transport) readLineFrame() ([]byte, error) {
	for {
		line, err := t.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		if len(line) > 0 {
			// A final frame without a trailing newline is still a frame.
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (t *Transport) readHeaderFrame() ([]byte, error) {
	contentLength := -1
	sawHeader := false
	var bad *TransportError

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && !sawHeader && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", unexpected(err))
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				bad = &TransportError{Frame: []byte(line), Err: fmt.Errorf("%w: bad Content-Length", ErrMalformedFrame)}
				continue
			}
			contentLength = n
		}
	}

	if bad == nil && contentLength < 0 {
		bad = &TransportError{Err: fmt.Errorf("%w: missing Content-Length", ErrMalformedFrame)}
	}
	if bad != nil {
		// The body length is unknown; drop bytes up to the next header.
		t.skipToHeader()
		return nil, bad
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", unexpected(err))
	}
	return body, nil
}

const headerMarker = "content-length:"

// skipToHeader discards input until it is positioned at a Content-Length
// header or the stream ends.
func (t *Transport) skipToHeader() {
	for {
		b, err := t.reader.Peek(len(headerMarker))
		if len(b) == len(headerMarker) && strings.EqualFold(string(b), headerMarker) {
			return
		}
		if err != nil {
			_, _ = t.reader.Discard(len(b))
			return
		}
		_, _ = t.reader.Discard(1)
	}
}

// unexpected turns a mid-frame EOF into io.ErrUnexpectedEOF so callers can
// tell it from a clean end of stream.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Write encodes and frames m, writing it with a single call to the
// underlying writer.
func (t *Transport) Write(m Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}

	var frame []byte
	if t.framing == FramingHeader {
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
		frame = make([]byte, 0, len(header)+len(data))
		frame = append(frame, header...)
		frame = append(frame, data...)
	} else {
		frame = append(data, '\n')
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close marks the transport closed and closes the underlying closer.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
