package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Marshaler is implemented by values with a canonical wire encoding.
type Marshaler interface {
	MarshalWire(e *Encoder)
}

// Unmarshaler is implemented by values that can be decoded from the wire.
// Implementations record failures on the Decoder instead of returning them.
type Unmarshaler interface {
	UnmarshalWire(d *Decoder)
}

// Encoder appends canonical encodings to a byte slice.
type Encoder struct {
	buf []byte
}

func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the encoded bytes, including whatever the Encoder was created with.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// Bool encodes true as 1 and false as 0.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
		return
	}
	e.Uint32(0)
}

func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) Byte(b byte) {
	e.buf = append(e.buf, b)
}

// Decoder reads wire values from a buffer without ever reading past its end.
//
// The first failure is sticky: once Err returns non-nil, every further read returns a zero value and leaves the
// offset untouched. This lets message decoders read all of their fields and check the error once.
type Decoder struct {
	buf     []byte
	off     int
	err     *ParseError
	context []string
	log     *zap.SugaredLogger
}

// NewDecoder returns a Decoder over buf. A nil logger falls back to the package default.
func NewDecoder(buf []byte, log *zap.SugaredLogger) *Decoder {
	if log == nil {
		log = defaultLogger
	}
	return &Decoder{buf: buf, log: log}
}

// Err returns the first failure recorded by the Decoder, or nil.
func (d *Decoder) Err() error {
	if d.err == nil {
		return nil
	}
	return d.err
}

// Len returns the number of bytes not yet consumed.
func (d *Decoder) Len() int { return len(d.buf) - d.off }

// Remaining returns the bytes not yet consumed.
func (d *Decoder) Remaining() []byte { return d.buf[d.off:] }

func (d *Decoder) Offset() int { return d.off }

// Enter pushes a message name onto the context reported by parse errors. Pair each Enter with Leave.
func (d *Decoder) Enter(name string) { d.context = append(d.context, name) }

func (d *Decoder) Leave() {
	if len(d.context) > 0 {
		d.context = d.context[:len(d.context)-1]
	}
}

func (d *Decoder) fail(kind ErrorKind, field string, needed int, format string, args ...interface{}) {
	if d.err != nil {
		return
	}
	ctx := make([]string, len(d.context))
	copy(ctx, d.context)
	d.err = &ParseError{
		Kind:    kind,
		Context: ctx,
		Field:   field,
		Offset:  d.off,
		Needed:  needed,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// Malformed records a structural failure for field at the current offset.
func (d *Decoder) Malformed(field string, format string, args ...interface{}) {
	d.fail(KindMalformed, field, 0, format, args...)
}

func (d *Decoder) need(field string, n int) bool {
	if d.err != nil {
		return false
	}
	if have := d.Len(); have < n {
		d.fail(KindIncomplete, field, n-have, "need %d bytes, have %d", n, have)
		return false
	}
	return true
}

func (d *Decoder) Uint32(field string) uint32 {
	if !d.need(field, 4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

// Bool decodes a uint32 where any nonzero value is true.
func (d *Decoder) Bool(field string) bool {
	return d.Uint32(field) != 0
}

// Byte decodes a single raw byte.
func (d *Decoder) Byte(field string) byte {
	if !d.need(field, 1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

// Peek returns the next byte without consuming it.
func (d *Decoder) Peek() (byte, bool) {
	if d.err != nil || d.Len() == 0 {
		return 0, false
	}
	return d.buf[d.off], true
}

// String decodes a length-prefixed UTF-8 string.
func (d *Decoder) String(field string) string {
	start := d.off
	n := d.Uint32(field)
	if d.err != nil {
		return ""
	}
	if have := d.Len(); uint64(n) > uint64(have) {
		d.off = start
		d.fail(KindIncomplete, field, int(uint64(n)-uint64(have)), "declared length %d, have %d", n, have)
		return ""
	}
	raw := d.buf[d.off : d.off+int(n)]
	if !utf8.Valid(raw) {
		d.off = start
		d.Malformed(field, "invalid UTF-8 in %q", RawBytes(raw))
		return ""
	}
	d.off += int(n)
	return string(raw)
}

// Reserved decodes a placeholder string. Its content is ignored, and logged when non-empty.
func (d *Decoder) Reserved(field string) {
	s := d.String(field)
	if s != "" {
		d.log.Warnf("reserved field %s is not empty: %q", field, s)
	}
}

// RawBytes renders untrusted bytes for diagnostics.
// With %s and %q verbs it keeps printable ASCII and escapes everything else; with %x and %v it renders hex.
type RawBytes []byte

func (b RawBytes) Format(f fmt.State, verb rune) {
	switch verb {
	case 's', 'q':
		if verb == 'q' {
			f.Write([]byte{'"'})
		}
		f.Write([]byte(b.escaped()))
		if verb == 'q' {
			f.Write([]byte{'"'})
		}
	default:
		fmt.Fprintf(f, "0x%x", []byte(b))
	}
}

func (b RawBytes) escaped() string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch {
		case c == '\n':
			out = append(out, '\\', 'n')
		case c == '\r':
			out = append(out, '\\', 'r')
		case c == '\t':
			out = append(out, '\\', 't')
		case c == '\\':
			out = append(out, '\\', '\\')
		case c >= 0x20 && c < 0x7f:
			out = append(out, c)
		default:
			out = append(out, fmt.Sprintf("\\x%02x", c)...)
		}
	}
	return string(out)
}
