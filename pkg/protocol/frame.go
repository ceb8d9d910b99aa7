// Package protocol implements the calculator wire protocol: a fixed
// 12-byte binary header followed by a variable-length opaque body.
//
// Header layout (network byte order):
//
//	bytes 0-3   timestamp     uint32, Unix seconds at send time
//	bytes 4-5   total length  uint16, header + body, 12..8192
//	bytes 6-7   flags+status  3 reserved bits, C/S/T flag bits, 10-bit status
//	bytes 8-9   cache control uint16, TTL in seconds
//	bytes 10-11 padding       must be zero on encode, ignored on decode
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 12

	// MaxFrameSize is the maximum total frame size (header + body).
	MaxFrameSize = 8192

	// MaxBodySize is the maximum body length in bytes.
	MaxBodySize = MaxFrameSize - HeaderSize

	// MaxStatusCode is the largest value representable in the 10-bit
	// status field.
	MaxStatusCode = 0x3FF
)

// Status codes carried in response frames. Request frames carry
// StatusNone.
const (
	StatusNone        uint16 = 0
	StatusOK          uint16 = 200
	StatusClientError uint16 = 400
	StatusServerError uint16 = 500
)

// Flag bit positions within the 16-bit word at header offset 6.
// The top three bits are reserved and must be zero on encode.
const (
	flagCacheable uint16 = 1 << 12
	flagShowSteps uint16 = 1 << 11
	flagResponse  uint16 = 1 << 10

	statusMask uint16 = 0x03FF
)

var (
	// ErrEncoding indicates a caller attempted to construct an outbound
	// frame that violates the wire format. This is a programming defect
	// and must not be silently swallowed.
	ErrEncoding = errors.New("protocol: invalid outbound frame")

	// ErrFraming indicates a malformed or truncated inbound frame.
	// Framing errors are connection-fatal.
	ErrFraming = errors.New("protocol: malformed frame")
)

// Frame is one complete protocol message. The total length field is
// derived from the body and never stored.
type Frame struct {
	// Timestamp is Unix seconds at send time.
	Timestamp uint32

	// Cacheable is the C flag: the sender permits caching of this
	// exchange.
	Cacheable bool

	// ShowSteps is the S flag: the client wants the step-by-step
	// reduction trace included in the result.
	ShowSteps bool

	// IsResponse is the T flag discriminating responses from requests.
	IsResponse bool

	// StatusCode is meaningful only on responses; requests carry
	// StatusNone.
	StatusCode uint16

	// CacheControl is a TTL in seconds. On responses 0 means "do not
	// cache"; on requests 0 means "no freshness constraint supplied".
	CacheControl uint16

	// Body is the opaque serialized payload.
	Body []byte
}

// TotalLength returns the on-wire frame size in bytes.
func (f *Frame) TotalLength() int {
	return HeaderSize + len(f.Body)
}

// Encode serializes the frame into its wire representation. It fails
// with an error wrapping ErrEncoding if any field overflows its bit
// width or the body exceeds MaxBodySize.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body length %d exceeds %d bytes", ErrEncoding, len(f.Body), MaxBodySize)
	}
	if f.StatusCode > MaxStatusCode {
		return nil, fmt.Errorf("%w: status code %d exceeds 10 bits", ErrEncoding, f.StatusCode)
	}

	buf := make([]byte, f.TotalLength())
	binary.BigEndian.PutUint32(buf[0:4], f.Timestamp)
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.TotalLength()))

	var word uint16
	if f.Cacheable {
		word |= flagCacheable
	}
	if f.ShowSteps {
		word |= flagShowSteps
	}
	if f.IsResponse {
		word |= flagResponse
	}
	word |= f.StatusCode & statusMask
	binary.BigEndian.PutUint16(buf[6:8], word)

	binary.BigEndian.PutUint16(buf[8:10], f.CacheControl)
	// bytes 10-11 stay zero (reserved padding)

	copy(buf[HeaderSize:], f.Body)
	return buf, nil
}

// Write encodes the frame and writes it to w in a single call.
func Write(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Read decodes exactly one frame from r, blocking until the full frame
// is available or the stream closes.
//
// A stream that closes cleanly before the first header byte yields
// io.EOF so session loops can tell orderly shutdown from truncation.
// Any mid-frame closure or a declared total length outside [12, 8192]
// yields an error wrapping ErrFraming.
func Read(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated header: %v", ErrFraming, err)
	}

	total := binary.BigEndian.Uint16(header[4:6])
	if total < HeaderSize {
		return nil, fmt.Errorf("%w: declared total length %d below header size", ErrFraming, total)
	}
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared total length %d exceeds %d", ErrFraming, total, MaxFrameSize)
	}

	word := binary.BigEndian.Uint16(header[6:8])
	f := &Frame{
		Timestamp:    binary.BigEndian.Uint32(header[0:4]),
		Cacheable:    word&flagCacheable != 0,
		ShowSteps:    word&flagShowSteps != 0,
		IsResponse:   word&flagResponse != 0,
		StatusCode:   word & statusMask,
		CacheControl: binary.BigEndian.Uint16(header[8:10]),
	}

	if bodyLen := int(total) - HeaderSize; bodyLen > 0 {
		f.Body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return nil, fmt.Errorf("%w: truncated body: %v", ErrFraming, err)
		}
	}
	return f, nil
}
