package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const contentLengthHeader = "content-length"

// DefaultMaxFrameSize bounds the body length a Decoder accepts.
const DefaultMaxFrameSize = 64 << 20

// Encode frames one JSON value as "Content-Length: N\r\n\r\n<body>", where N
// is the byte length of the UTF-8 body. HTML characters are not escaped so
// completion text travels as-is.
func Encode(msg any) ([]byte, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	data := bytes.TrimSuffix(body.Bytes(), []byte("\n"))

	out := make([]byte, 0, len(data)+32)
	out = append(out, "Content-Length: "...)
	out = strconv.AppendInt(out, int64(len(data)), 10)
	out = append(out, "\r\n\r\n"...)
	out = append(out, data...)
	return out, nil
}

// Decoder reads Content-Length framed JSON values from a stream.
// It is not safe for concurrent use; the transport owns one per reader pump.
type Decoder struct {
	r        *bufio.Reader
	maxFrame int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxFrameSize sets the largest body the decoder accepts. Values below
// one keep DefaultMaxFrameSize.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrame = n
		}
	}
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: bufio.NewReaderSize(r, 64*1024), maxFrame: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads one frame. It returns ErrEndOfStream once the stream is
// exhausted and a *FrameDecodeError for a frame that was consumed but could
// not be used. A length above the frame limit returns ErrFrameTooLarge; the
// body is left unread, so the stream cannot be resumed. Any other error
// comes from the underlying reader.
func (d *Decoder) Decode() (json.RawMessage, error) {
	first, err := d.readLine()
	if err != nil {
		return nil, err
	}
	// Tolerate stray blank lines between frames.
	for first == "" {
		if first, err = d.readLine(); err != nil {
			return nil, err
		}
	}

	name, value, ok := strings.Cut(first, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
		return nil, &FrameDecodeError{Header: first, Err: errors.New("first header is not Content-Length")}
	}
	length, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || length < 0 {
		return nil, &FrameDecodeError{Header: first, Err: fmt.Errorf("invalid Content-Length %q", value)}
	}
	if length > d.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, length, d.maxFrame)
	}

	// Skip any remaining headers (Content-Type and friends) up to the blank
	// separator line.
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(body) {
		return nil, &FrameDecodeError{Header: first, Body: body, Err: errors.New("body is not valid json")}
	}
	return body, nil
}

// readLine returns one header line without its line terminator.
func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrEndOfStream
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
