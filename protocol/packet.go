package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// DefaultMaxPacketSize is the largest frame Receive accepts unless Packet.MaxSize says otherwise.
// It matches the master's own limit on mux messages.
const DefaultMaxPacketSize = 256 * 1024

var defaultLogger *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defaultLogger = l.Sugar().Named("protocol")
}

// Packet reads and writes length-prefixed frames.
//
// A Packet owns one scratch buffer that is reused by every Send and Receive. Values decoded by Receive never alias
// that buffer, but the buffer itself is overwritten by the next call. A Packet is not safe for concurrent use.
type Packet struct {
	// MaxSize limits the declared length of received frames. Zero means DefaultMaxPacketSize.
	MaxSize uint32
	Log     *zap.SugaredLogger

	buf []byte
}

func NewPacket() *Packet {
	return &Packet{Log: defaultLogger}
}

func (p *Packet) log() *zap.SugaredLogger {
	if p.Log == nil {
		return defaultLogger
	}
	return p.Log
}

// Send encodes m into one frame and hands it to w in a single Write.
func (p *Packet) Send(w io.Writer, m Marshaler) error {
	e := NewEncoder(p.buf[:0])
	e.Uint32(0)
	m.MarshalWire(e)
	buf := e.Bytes()
	p.buf = buf

	size := len(buf) - 4
	binary.BigEndian.PutUint32(buf, uint32(size))
	p.log().Debugf("sending %d byte frame: %v", size, m)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	return nil
}

// Receive reads exactly one frame from r and decodes it into m.
//
// A stream that ends inside a frame is a transport failure (io.EOF before the length, io.ErrUnexpectedEOF after it),
// never a *ParseError. A frame that decodes without consuming all of its bytes fails with *TrailingDataError.
func (p *Packet) Receive(r io.Reader, m Unmarshaler) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("reading packet length: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	p.log().Debugf("received frame header, %d bytes follow", size)

	max := p.MaxSize
	if max == 0 {
		max = DefaultMaxPacketSize
	}
	if size > max {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPacketTooLarge, size, max)
	}

	if cap(p.buf) < int(size) {
		p.buf = make([]byte, size)
	}
	p.buf = p.buf[:size]
	if _, err := io.ReadFull(r, p.buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("reading %d byte packet: %w", size, err)
	}

	d := NewDecoder(p.buf, p.log())
	m.UnmarshalWire(d)
	if err := d.Err(); err != nil {
		p.log().Debugf("failed to decode frame %x: %s", RawBytes(p.buf), err)
		return err
	}
	if n := d.Len(); n > 0 {
		return &TrailingDataError{Remaining: n}
	}
	p.log().Debugf("received %v", m)
	return nil
}
