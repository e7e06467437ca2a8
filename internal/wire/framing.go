// Package wire frames JSON-RPC messages for an MCP stdio target and reads
// them back under a deadline.
package wire

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

// Framing selects how messages are delimited on the stream.
type Framing string

const (
	// FramingHeader prefixes each payload with a Content-Length header block.
	FramingHeader Framing = "header"
	// FramingLine terminates each payload with a newline.
	FramingLine Framing = "line"
)

// DefaultMaxFrame bounds a single inbound payload.
const DefaultMaxFrame = 16 << 20

var (
	// ErrMalformed marks a frame or payload that could not be decoded.
	ErrMalformed = errors.New("malformed frame")
	// ErrFrameTooLarge marks a frame that exceeds the configured bound.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case FramingHeader, "content-length", "lsp":
		return FramingHeader, nil
	case FramingLine, "newline", "ndjson", "":
		return FramingLine, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// Encode serializes msg to compact JSON and frames it.
func (f Framing) Encode(msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return f.Frame(payload), nil
}

// Frame wraps an already-serialized payload. The header length counts bytes,
// not characters.
func (f Framing) Frame(payload []byte) []byte {
	if f == FramingHeader {
		var buf bytes.Buffer
		buf.Grow(len(payload) + 32)
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.Itoa(len(payload)))
		buf.WriteString("\r\n\r\n")
		buf.Write(payload)
		return buf.Bytes()
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, '\n')
}

// Decoder yields raw payloads from a framed stream.
type Decoder interface {
	Next() ([]byte, error)
}

// NewDecoder returns a decoder for the framing. maxFrame <= 0 selects
// DefaultMaxFrame.
func NewDecoder(f Framing, r io.Reader, maxFrame int) Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64<<10)
	}
	if f == FramingHeader {
		return &headerDecoder{r: br, max: maxFrame}
	}
	return &lineDecoder{r: br, max: maxFrame}
}

type lineDecoder struct {
	r   *bufio.Reader
	max int
}

func (d *lineDecoder) Next() ([]byte, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// readLine reads through the next newline without buffering more than max
// bytes of a single line.
func (d *lineDecoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > d.max {
			if errors.Is(err, bufio.ErrBufferFull) {
				// drop the rest of the line so the stream stays aligned
				if derr := d.discardLine(); derr != nil {
					return nil, derr
				}
			}
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, d.max)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			// a final unterminated line is still a line
			return line, nil
		default:
			return nil, err
		}
	}
}

func (d *lineDecoder) discardLine() error { return discardThroughNewline(d.r) }

func discardThroughNewline(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

type headerDecoder struct {
	r   *bufio.Reader
	max int
}

const (
	maxHeaderLines = 32
	maxHeaderLine  = 4096
)

// readHeaderLine reads one header line of at most maxHeaderLine bytes. A
// longer line is consumed through its newline and reported as too large.
func (d *headerDecoder) readHeaderLine() (string, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxHeaderLine {
			if errors.Is(err, bufio.ErrBufferFull) {
				if derr := discardThroughNewline(d.r); derr != nil && !errors.Is(derr, io.EOF) {
					return "", derr
				}
			}
			return "", fmt.Errorf("%w: header line exceeds %d bytes", ErrFrameTooLarge, maxHeaderLine)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(line), err
	}
}

func (d *headerDecoder) Next() ([]byte, error) {
	length := -1
	var lengthErr error
	lines := 0
	started := false
	for {
		raw, err := d.readHeaderLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !started && strings.TrimSpace(raw) == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			if !started {
				// tolerate stray blank lines between frames
				continue
			}
			break
		}
		started = true
		lines++
		if lines > maxHeaderLines {
			return nil, fmt.Errorf("%w: too many header lines", ErrMalformed)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			lengthErr = fmt.Errorf("%w: header line %q", ErrMalformed, line)
			continue
		}
		if strings.ToLower(strings.TrimSpace(name)) != "content-length" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		switch {
		case err != nil:
			lengthErr = fmt.Errorf("%w: invalid Content-Length %q", ErrMalformed, strings.TrimSpace(value))
		case n < 0:
			lengthErr = fmt.Errorf("%w: negative Content-Length", ErrMalformed)
		default:
			length = n
		}
	}
	if lengthErr != nil {
		return nil, lengthErr
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrMalformed)
	}
	if length > d.max {
		if _, err := io.CopyN(io.Discard, d.r, int64(length)); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
