// Package fesl provides framing and parsing for the FESL wire protocol.
//
// FESL is the key/value packet protocol spoken between legacy EA game
// clients and the backend login/matchmaking services. Every frame starts
// with a fixed 12-byte header followed by a newline-delimited payload of
// key=value pairs terminated by a NUL byte.
//
// # Frame Layout
//
//	offset 0..3   service type, four ASCII characters ("fsys", "acct", ...)
//	offset 4..7   big-endian uint32: transmission kind in the high byte,
//	              correlation id in the low 24 bits
//	offset 8..11  big-endian uint32: total frame length, header included
//	offset 12..   payload: "key=value\n" entries followed by a 0x00 byte
//
// # Field Keys
//
// Keys may encode nested or array structure through a flattened dotted and
// bracketed convention, e.g. "props.{games}.0.fit" or "personas.0". The
// codec treats keys as opaque strings; insertion order is preserved so that
// decoding a frame and re-encoding it without modification reproduces the
// original bytes exactly. That round-trip fidelity is what lets unmodified
// traffic pass through an intermediary losslessly.
//
// # Error Handling
//
// Decode distinguishes a frame that is merely incomplete (more bytes are
// still in flight on the transport) from one that is corrupt. Callers
// reassembling a byte stream should retry on ErrIncompleteFrame and treat
// ErrMalformedFrame as non-actionable data to be forwarded verbatim.
package fesl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// HeaderLen is the size of the fixed frame header in bytes.
const HeaderLen = 12

// MaxFrameLen bounds the declared frame length accepted by Decode. Real
// FESL frames are at most a few kilobytes; anything claiming more is
// treated as corrupt rather than buffered indefinitely.
const MaxFrameLen = 1 << 20

// Common errors returned by the codec.
var (
	// ErrIncompleteFrame indicates the buffer holds only part of a frame
	// and more bytes are required before it can be decoded.
	ErrIncompleteFrame = errors.New("fesl: incomplete frame")

	// ErrMalformedFrame indicates the buffer cannot be a valid frame.
	ErrMalformedFrame = errors.New("fesl: malformed frame")
)

// Kind is the transmission kind carried in the high byte of the second
// header word. It distinguishes requests from responses and single-packet
// from multi-packet framing.
type Kind uint8

const (
	KindPing           Kind = 0x00
	KindSingleResponse Kind = 0x80
	KindMultiResponse  Kind = 0xB0
	KindSingleRequest  Kind = 0xC0
	KindMultiRequest   Kind = 0xF0
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindSingleResponse:
		return "response"
	case KindMultiResponse:
		return "multi-response"
	case KindSingleRequest:
		return "request"
	case KindMultiRequest:
		return "multi-request"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

// IsRequest reports whether the kind is a client-to-server request.
func (k Kind) IsRequest() bool {
	return k == KindSingleRequest || k == KindMultiRequest
}

// IsResponse reports whether the kind is a server-to-client response.
func (k Kind) IsResponse() bool {
	return k == KindSingleResponse || k == KindMultiResponse
}

func validKind(k Kind) bool {
	switch k {
	case KindPing, KindSingleResponse, KindMultiResponse, KindSingleRequest, KindMultiRequest:
		return true
	}
	return false
}

// TransactionKey is the payload key naming the transaction a packet
// belongs to. Packets without it are valid but carry no actionable
// semantics for an intermediary.
const TransactionKey = "TXN"

// Field is a single key=value entry of a packet payload.
type Field struct {
	Key   string
	Value string
}

// Packet is one decoded FESL frame.
type Packet struct {
	// Type is the four-character service identifier.
	Type string

	// Kind distinguishes requests, responses and multi-packet framing.
	Kind Kind

	// CorrelationID links a request to its response(s). Only the low
	// 24 bits are representable on the wire.
	CorrelationID uint32

	fields []Field
	index  map[string]int

	// bare marks a frame that carried no payload bytes at all (not even
	// the NUL terminator), as ping frames do. Preserved for round trips.
	bare bool
}

// New creates an empty packet with the given header values. The type tag
// must be exactly four characters; Encode pads or truncates otherwise.
func New(typ string, kind Kind, correlationID uint32) *Packet {
	return &Packet{
		Type:          typ,
		Kind:          kind,
		CorrelationID: correlationID,
		index:         make(map[string]int),
	}
}

// Get returns the value of the first field with the given key. The second
// return value reports whether the field is present at all, so callers can
// distinguish a missing field from one holding an empty string.
func (p *Packet) Get(key string) (string, bool) {
	i, ok := p.index[key]
	if !ok {
		return "", false
	}
	return p.fields[i].Value, true
}

// Set overwrites the value of an existing field in place, or appends a new
// field when the key is not present. Existing fields keep their position
// so serialization stays deterministic.
func (p *Packet) Set(key, value string) {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[key]; ok {
		p.fields[i].Value = value
		return
	}
	p.index[key] = len(p.fields)
	p.fields = append(p.fields, Field{Key: key, Value: value})
	p.bare = false
}

// Fields returns a copy of the payload fields in serialization order.
func (p *Packet) Fields() []Field {
	out := make([]Field, len(p.fields))
	copy(out, p.fields)
	return out
}

// TXN returns the packet's transaction name, or the empty string when the
// packet carries none.
func (p *Packet) TXN() string {
	v, _ := p.Get(TransactionKey)
	return v
}

// Decode parses the first complete frame at the start of buf. It returns
// the decoded packet and the number of bytes it consumed, so callers can
// pull multiple frames out of one buffer. ErrIncompleteFrame means buf
// holds only a prefix of a frame; ErrMalformedFrame (possibly wrapped)
// means the bytes cannot be a valid frame at all.
func Decode(buf []byte) (*Packet, int, error) {
	if len(buf) < HeaderLen {
		return nil, 0, ErrIncompleteFrame
	}

	typ := string(buf[0:4])
	for i := 0; i < 4; i++ {
		if buf[i] < 0x20 || buf[i] > 0x7E {
			return nil, 0, fmt.Errorf("%w: non-printable type tag", ErrMalformedFrame)
		}
	}

	word := binary.BigEndian.Uint32(buf[4:8])
	kind := Kind(word >> 24)
	if !validKind(kind) {
		return nil, 0, fmt.Errorf("%w: unknown transmission kind 0x%02X", ErrMalformedFrame, uint8(kind))
	}

	length := binary.BigEndian.Uint32(buf[8:12])
	if length < HeaderLen || length > MaxFrameLen {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, length)
	}
	if len(buf) < int(length) {
		return nil, 0, ErrIncompleteFrame
	}

	p := New(typ, kind, word&0x00FFFFFF)
	payload := buf[HeaderLen:length]
	if len(payload) == 0 {
		p.bare = true
		return p, int(length), nil
	}

	if payload[len(payload)-1] != 0x00 {
		return nil, 0, fmt.Errorf("%w: payload not NUL-terminated", ErrMalformedFrame)
	}
	body := string(payload[:len(payload)-1])
	if body != "" {
		if !strings.HasSuffix(body, "\n") {
			return nil, 0, fmt.Errorf("%w: unterminated payload entry", ErrMalformedFrame)
		}
		for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
			key, value, ok := strings.Cut(line, "=")
			if !ok || key == "" {
				return nil, 0, fmt.Errorf("%w: payload entry %q", ErrMalformedFrame, line)
			}
			if _, dup := p.index[key]; dup {
				// Duplicate keys are preserved verbatim for round
				// trips; lookups resolve to the first occurrence.
				p.fields = append(p.fields, Field{Key: key, Value: value})
				continue
			}
			p.index[key] = len(p.fields)
			p.fields = append(p.fields, Field{Key: key, Value: value})
		}
	}

	return p, int(length), nil
}

// Encode serializes the packet into a complete frame. Encoding a packet
// produced by Decode without modification yields the original bytes.
func Encode(p *Packet) []byte {
	var payload bytes.Buffer
	for _, f := range p.fields {
		payload.WriteString(f.Key)
		payload.WriteByte('=')
		payload.WriteString(f.Value)
		payload.WriteByte('\n')
	}
	if !p.bare {
		payload.WriteByte(0x00)
	}

	frame := make([]byte, HeaderLen+payload.Len())
	typ := p.Type
	if len(typ) > 4 {
		typ = typ[:4]
	}
	copy(frame[0:4], []byte(fmt.Sprintf("%-4s", typ)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(p.Kind)<<24|p.CorrelationID&0x00FFFFFF)
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(frame)))
	copy(frame[HeaderLen:], payload.Bytes())
	return frame
}
