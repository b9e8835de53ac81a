package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func be32(vs ...uint32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

func str(s string) []byte {
	return append(be32(uint32(len(s))), s...)
}

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func encodeRequest(r Request) []byte {
	e := NewEncoder(nil)
	EncodeRequest(e, r)
	return e.Bytes()
}

func encodeResponse(r Response) []byte {
	e := NewEncoder(nil)
	EncodeResponse(e, r)
	return e.Bytes()
}

func TestPrimitives(t *testing.T) {
	e := NewEncoder(nil)
	e.Uint32(0xdeadbeef)
	e.Bool(true)
	e.Bool(false)
	e.String("héllo")
	e.String("")
	require.Equal(t, cat(be32(0xdeadbeef, 1, 0), str("héllo"), be32(0)), e.Bytes())

	d := NewDecoder(e.Bytes(), log)
	assert.Equal(t, uint32(0xdeadbeef), d.Uint32("u"))
	assert.True(t, d.Bool("t"))
	assert.False(t, d.Bool("f"))
	assert.Equal(t, "héllo", d.String("s"))
	assert.Equal(t, "", d.String("empty"))
	require.NoError(t, d.Err())
	assert.Equal(t, 0, d.Len())
}

func TestBoolAcceptsAnyNonzero(t *testing.T) {
	d := NewDecoder(be32(7), log)
	assert.True(t, d.Bool("flag"))
	require.NoError(t, d.Err())
}

func TestStringErrors(t *testing.T) {
	t.Run("declared length exceeds input", func(t *testing.T) {
		d := NewDecoder(cat(be32(10), []byte("abc")), log)
		assert.Equal(t, "", d.String("name"))

		var perr *ParseError
		require.ErrorAs(t, d.Err(), &perr)
		assert.Equal(t, KindIncomplete, perr.Kind)
		assert.Equal(t, "name", perr.Field)
		assert.Equal(t, 7, perr.Needed)
		assert.Equal(t, 0, perr.Offset)
		assert.ErrorIs(t, d.Err(), ErrIncomplete)
	})
	t.Run("huge declared length", func(t *testing.T) {
		d := NewDecoder(be32(math.MaxUint32), log)
		d.String("name")
		assert.ErrorIs(t, d.Err(), ErrIncomplete)
	})
	t.Run("invalid utf-8", func(t *testing.T) {
		d := NewDecoder(cat(be32(2), []byte{0xff, 0xfe}), log)
		d.String("name")
		assert.ErrorIs(t, d.Err(), ErrMalformed)
		assert.NotErrorIs(t, d.Err(), ErrIncomplete)
		assert.ErrorContains(t, d.Err(), `\xff\xfe`)
	})
}

func TestDecoderErrorIsSticky(t *testing.T) {
	d := NewDecoder([]byte{0, 0}, log)
	d.Uint32("first")
	first := d.Err()
	require.Error(t, first)

	assert.Equal(t, uint32(0), d.Uint32("second"))
	assert.Equal(t, first, d.Err())
	assert.Equal(t, 2, d.Len())
}

func TestReservedToleratesContent(t *testing.T) {
	d := NewDecoder(str("surprise"), log)
	d.Reserved("reserved")
	require.NoError(t, d.Err())
	assert.Equal(t, 0, d.Len())
}

func TestHello(t *testing.T) {
	h := &Hello{Version: Version, Extensions: []Extension{{Name: "a", Value: "1"}, {Name: "b", Value: ""}}}
	e := NewEncoder(nil)
	h.MarshalWire(e)
	require.Equal(t, cat(be32(1, 4), str("a"), str("1"), str("b"), str("")), e.Bytes())

	var got Hello
	d := NewDecoder(e.Bytes(), log)
	got.UnmarshalWire(d)
	require.NoError(t, d.Err())
	assert.Equal(t, *h, got)

	t.Run("no extensions", func(t *testing.T) {
		var got Hello
		d := NewDecoder(be32(1, 4), log)
		got.UnmarshalWire(d)
		require.NoError(t, d.Err())
		assert.Equal(t, Hello{Version: 4}, got)
	})
	t.Run("bad magic", func(t *testing.T) {
		var got Hello
		d := NewDecoder(be32(2, 4), log)
		got.UnmarshalWire(d)
		assert.ErrorIs(t, d.Err(), ErrMalformed)
	})
	t.Run("truncated extension", func(t *testing.T) {
		var got Hello
		d := NewDecoder(cat(be32(1, 4), str("name")), log)
		got.UnmarshalWire(d)
		assert.ErrorIs(t, d.Err(), ErrIncomplete)
	})
}

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		&AliveCheck{},
		&AliveCheck{RequestID: math.MaxUint32},
		&Terminate{RequestID: 3},
		&StopListening{RequestID: 9},
		&NewSession{RequestID: 2, EscapeChar: '~', TerminalType: "xterm", Command: "uname -a"},
		&NewSession{
			RequestID:         math.MaxUint32,
			WantTTY:           true,
			WantX11Forwarding: true,
			WantAgent:         true,
			Subsystem:         true,
			EscapeChar:        EscapeNone,
			TerminalType:      "",
			Command:           "",
			Environment:       []string{"A=1", "", "LANG=C.UTF-8"},
		},
		&OpenForward{RequestID: 4, Forward: Forward{Type: ForwardLocal, ListenHost: "127.0.0.1", ListenPort: 8080, ConnectHost: "db", ConnectPort: 5432}},
		&OpenForward{RequestID: 5, Forward: Forward{Type: ForwardDynamic, ListenHost: "", ListenPort: 1080}},
		&CloseForward{RequestID: 6, Forward: Forward{Type: ForwardRemote, ListenHost: "/tmp/s", ListenPort: PortStreamLocal, ConnectHost: "localhost", ConnectPort: 65535}},
		&NewStdioForward{RequestID: 7, ConnectHost: "example.com", ConnectPort: 22},
	}
	for _, c := range cases {
		c := c
		t.Run(c.Type().String(), func(t *testing.T) {
			d := NewDecoder(encodeRequest(c), log)
			got := DecodeRequest(d)
			require.NoError(t, d.Err())
			assert.Equal(t, 0, d.Len())
			assert.Equal(t, c, got)
		})
	}
}

func TestNewSessionWireLayout(t *testing.T) {
	r := &NewSession{RequestID: 2, WantTTY: true, EscapeChar: '~', TerminalType: "vt100", Command: "ls", Environment: []string{"X=y"}}
	expected := cat(
		be32(uint32(TypeNewSession), 2),
		str(""),
		be32(1, 0, 0, 0, '~'),
		str("vt100"),
		str("ls"),
		str("X=y"),
		[]byte{0},
	)
	assert.Equal(t, expected, encodeRequest(r))

	t.Run("empty environment is a lone terminator", func(t *testing.T) {
		b := encodeRequest(&NewSession{})
		assert.Equal(t, byte(0), b[len(b)-1])
		assert.Len(t, b, 4+4+4+4*4+4+4+4+1)
	})
	t.Run("missing terminator", func(t *testing.T) {
		b := encodeRequest(&NewSession{Environment: []string{"A=1"}})
		d := NewDecoder(b[:len(b)-1], log)
		assert.Nil(t, DecodeRequest(d))
		assert.ErrorIs(t, d.Err(), ErrIncomplete)
	})
	t.Run("non-empty reserved field is accepted", func(t *testing.T) {
		b := cat(be32(uint32(TypeNewSession), 1), str("junk"), be32(0, 0, 0, 0, '~'), str(""), str("id"), []byte{0})
		d := NewDecoder(b, log)
		got := DecodeRequest(d)
		require.NoError(t, d.Err())
		assert.Equal(t, "id", got.(*NewSession).Command)
	})
}

func TestForwardValidation(t *testing.T) {
	cases := map[string][]byte{
		"unknown type":      cat(be32(uint32(TypeOpenForward), 1, 4), str(""), be32(0), str(""), be32(0)),
		"listen port range": cat(be32(uint32(TypeOpenForward), 1, 1), str(""), be32(70000), str(""), be32(0)),
		"connect port":      cat(be32(uint32(TypeCloseForward), 1, 2), str(""), be32(0), str(""), be32(0xffffffff)),
		"stdio port":        cat(be32(uint32(TypeNewStdioFwd), 1), str(""), str("h"), be32(65536)),
	}
	for name, b := range cases {
		b := b
		t.Run(name, func(t *testing.T) {
			d := NewDecoder(b, log)
			assert.Nil(t, DecodeRequest(d))
			assert.ErrorIs(t, d.Err(), ErrMalformed)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []Response{
		&Ok{ClientRequestID: 0},
		&PermissionDenied{ClientRequestID: 2, Reason: "policy"},
		&Failure{ClientRequestID: 3, Reason: ""},
		&ExitMessage{SessionID: 7, ExitValue: math.MaxUint32},
		&Alive{ClientRequestID: 1, ServerPID: 4242},
		&SessionOpened{ClientRequestID: 2, SessionID: 7},
		&RemotePort{ClientRequestID: 5, AllocatedPort: 40000},
		&TtyAllocFail{SessionID: 7},
	}
	for _, c := range cases {
		c := c
		t.Run(c.Type().String(), func(t *testing.T) {
			d := NewDecoder(encodeResponse(c), log)
			got := DecodeResponse(d)
			require.NoError(t, d.Err())
			assert.Equal(t, 0, d.Len())
			assert.Equal(t, c, got)
		})
	}
}

func TestResponseRequestID(t *testing.T) {
	_, ok := (&ExitMessage{SessionID: 1}).RequestID()
	assert.False(t, ok)
	_, ok = (&TtyAllocFail{SessionID: 1}).RequestID()
	assert.False(t, ok)

	id, ok := (&Alive{ClientRequestID: 12}).RequestID()
	assert.True(t, ok)
	assert.Equal(t, uint32(12), id)
}

func TestUnknownTags(t *testing.T) {
	d := NewDecoder(be32(0x10000001, 1), log)
	assert.Nil(t, DecodeRequest(d))
	assert.ErrorIs(t, d.Err(), ErrMalformed)

	d = NewDecoder(be32(0x80000009, 1), log)
	assert.Nil(t, DecodeResponse(d))
	assert.ErrorIs(t, d.Err(), ErrMalformed)

	var perr *ParseError
	require.ErrorAs(t, d.Err(), &perr)
	assert.Equal(t, []string{"Response"}, perr.Context)
	assert.Equal(t, "type", perr.Field)
}

func TestTruncatedResponses(t *testing.T) {
	full := encodeResponse(&PermissionDenied{ClientRequestID: 2, Reason: "policy"})
	for n := 0; n < len(full); n++ {
		d := NewDecoder(full[:n], log)
		assert.Nil(t, DecodeResponse(d), "prefix of %d bytes", n)
		assert.ErrorIs(t, d.Err(), ErrIncomplete, "prefix of %d bytes", n)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := NewPacket()
	p.Log = log

	require.NoError(t, p.Send(&buf, &RequestMessage{Request: &AliveCheck{RequestID: 1}}))
	require.Equal(t, cat(be32(8, uint32(TypeAliveCheck), 1)), buf.Bytes())

	require.NoError(t, p.Send(&buf, &ResponseMessage{Response: &Alive{ClientRequestID: 1, ServerPID: 4242}}))

	var req RequestMessage
	require.NoError(t, p.Receive(&buf, &req))
	assert.Equal(t, &AliveCheck{RequestID: 1}, req.Request)

	var resp ResponseMessage
	require.NoError(t, p.Receive(&buf, &resp))
	assert.Equal(t, &Alive{ClientRequestID: 1, ServerPID: 4242}, resp.Response)
	assert.Equal(t, 0, buf.Len())
}

func TestPacketReceiveErrors(t *testing.T) {
	p := NewPacket()
	p.Log = log

	t.Run("trailing data", func(t *testing.T) {
		body := cat(encodeResponse(&Ok{ClientRequestID: 1}), []byte{1, 2, 3})
		r := bytes.NewReader(cat(be32(uint32(len(body))), body))
		var resp ResponseMessage
		err := p.Receive(r, &resp)
		assert.ErrorIs(t, err, ErrTrailingData)

		var terr *TrailingDataError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 3, terr.Remaining)
	})
	t.Run("peer closes inside frame", func(t *testing.T) {
		r := bytes.NewReader(cat(be32(100), []byte{0x80}))
		var resp ResponseMessage
		err := p.Receive(r, &resp)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

		var perr *ParseError
		assert.False(t, errors.As(err, &perr))
	})
	t.Run("peer closes inside header", func(t *testing.T) {
		var resp ResponseMessage
		err := p.Receive(bytes.NewReader([]byte{0, 0}), &resp)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
	t.Run("clean end of stream", func(t *testing.T) {
		var resp ResponseMessage
		err := p.Receive(bytes.NewReader(nil), &resp)
		assert.ErrorIs(t, err, io.EOF)
	})
	t.Run("frame shorter than message", func(t *testing.T) {
		body := be32(uint32(TypeAlive), 1)
		var resp ResponseMessage
		err := p.Receive(bytes.NewReader(cat(be32(uint32(len(body))), body)), &resp)
		assert.ErrorIs(t, err, ErrIncomplete)
	})
	t.Run("oversize frame", func(t *testing.T) {
		small := &Packet{MaxSize: 16, Log: log}
		var resp ResponseMessage
		err := small.Receive(bytes.NewReader(be32(17)), &resp)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	})
}

func TestRawBytes(t *testing.T) {
	b := RawBytes("ok\n\x00\xff")
	assert.Equal(t, `ok\n\x00\xff`, fmt.Sprintf("%s", b))
	assert.Equal(t, "0x6f6b0a00ff", fmt.Sprintf("%x", b))
}
