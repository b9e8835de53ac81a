package protocol

import "fmt"

// RequestType is the leading tag of every client request.
type RequestType uint32

const (
	TypeNewSession    RequestType = 0x10000002
	TypeAliveCheck    RequestType = 0x10000004
	TypeTerminate     RequestType = 0x10000005
	TypeOpenForward   RequestType = 0x10000006
	TypeCloseForward  RequestType = 0x10000007
	TypeNewStdioFwd   RequestType = 0x10000008
	TypeStopListening RequestType = 0x10000009
)

func (t RequestType) String() string {
	switch t {
	case TypeNewSession:
		return "new-session"
	case TypeAliveCheck:
		return "alive-check"
	case TypeTerminate:
		return "terminate"
	case TypeOpenForward:
		return "open-forward"
	case TypeCloseForward:
		return "close-forward"
	case TypeNewStdioFwd:
		return "new-stdio-forward"
	case TypeStopListening:
		return "stop-listening"
	default:
		return fmt.Sprintf("RequestType(%#x)", uint32(t))
	}
}

// Request is a message sent by the client. The set of implementations is closed.
type Request interface {
	Type() RequestType
	// ID returns the request id. SetID is used by the control connection when the request is sent.
	ID() uint32
	SetID(id uint32)

	marshalBody(e *Encoder)
	unmarshalBody(d *Decoder)
}

type AliveCheck struct {
	RequestID uint32
}

func (*AliveCheck) Type() RequestType { return TypeAliveCheck }

func (r *AliveCheck) ID() uint32      { return r.RequestID }
func (r *AliveCheck) SetID(id uint32) { r.RequestID = id }

func (r *AliveCheck) marshalBody(e *Encoder) { e.Uint32(r.RequestID) }

func (r *AliveCheck) unmarshalBody(d *Decoder) { r.RequestID = d.Uint32("request id") }

// EscapeNone disables the escape character of a session.
const EscapeNone uint32 = 0xffffffff

// NewSession asks the master to start a session. The three standard stream descriptors follow the request out of band.
type NewSession struct {
	RequestID         uint32
	WantTTY           bool
	WantX11Forwarding bool
	WantAgent         bool
	Subsystem         bool
	EscapeChar        uint32
	TerminalType      string
	Command           string
	// Environment holds KEY=VALUE entries.
	Environment []string
}

func (*NewSession) Type() RequestType { return TypeNewSession }

func (r *NewSession) ID() uint32      { return r.RequestID }
func (r *NewSession) SetID(id uint32) { r.RequestID = id }

func (r *NewSession) marshalBody(e *Encoder) {
	e.Uint32(r.RequestID)
	e.String("")
	e.Bool(r.WantTTY)
	e.Bool(r.WantX11Forwarding)
	e.Bool(r.WantAgent)
	e.Bool(r.Subsystem)
	e.Uint32(r.EscapeChar)
	e.String(r.TerminalType)
	e.String(r.Command)
	for _, env := range r.Environment {
		e.String(env)
	}
	e.Byte(0)
}

func (r *NewSession) unmarshalBody(d *Decoder) {
	r.RequestID = d.Uint32("request id")
	d.Reserved("reserved")
	r.WantTTY = d.Bool("want tty")
	r.WantX11Forwarding = d.Bool("want x11 forwarding")
	r.WantAgent = d.Bool("want agent")
	r.Subsystem = d.Bool("subsystem")
	r.EscapeChar = d.Uint32("escape char")
	r.TerminalType = d.String("terminal type")
	r.Command = d.String("command")
	r.Environment = nil
	for d.Err() == nil {
		// A string length takes four bytes, so a lone zero byte can only be the terminator.
		if b, ok := d.Peek(); ok && b == 0 && d.Len() < 4 {
			d.Byte("environment terminator")
			return
		}
		if d.Len() == 0 {
			d.fail(KindIncomplete, "environment terminator", 1, "environment list is not terminated")
			return
		}
		env := d.String("environment")
		if d.Err() != nil {
			return
		}
		r.Environment = append(r.Environment, env)
	}
}

type Terminate struct {
	RequestID uint32
}

func (*Terminate) Type() RequestType { return TypeTerminate }

func (r *Terminate) ID() uint32      { return r.RequestID }
func (r *Terminate) SetID(id uint32) { r.RequestID = id }

func (r *Terminate) marshalBody(e *Encoder) { e.Uint32(r.RequestID) }

func (r *Terminate) unmarshalBody(d *Decoder) { r.RequestID = d.Uint32("request id") }

type OpenForward struct {
	RequestID uint32
	Forward
}

func (*OpenForward) Type() RequestType { return TypeOpenForward }

func (r *OpenForward) ID() uint32      { return r.RequestID }
func (r *OpenForward) SetID(id uint32) { r.RequestID = id }

func (r *OpenForward) marshalBody(e *Encoder) {
	e.Uint32(r.RequestID)
	r.Forward.MarshalWire(e)
}

func (r *OpenForward) unmarshalBody(d *Decoder) {
	r.RequestID = d.Uint32("request id")
	r.Forward.UnmarshalWire(d)
}

type CloseForward struct {
	RequestID uint32
	Forward
}

func (*CloseForward) Type() RequestType { return TypeCloseForward }

func (r *CloseForward) ID() uint32      { return r.RequestID }
func (r *CloseForward) SetID(id uint32) { r.RequestID = id }

func (r *CloseForward) marshalBody(e *Encoder) {
	e.Uint32(r.RequestID)
	r.Forward.MarshalWire(e)
}

func (r *CloseForward) unmarshalBody(d *Decoder) {
	r.RequestID = d.Uint32("request id")
	r.Forward.UnmarshalWire(d)
}

// NewStdioForward asks the master to connect to a host and port and relay it over two descriptors sent out of band.
type NewStdioForward struct {
	RequestID   uint32
	ConnectHost string
	ConnectPort Port
}

func (*NewStdioForward) Type() RequestType { return TypeNewStdioFwd }

func (r *NewStdioForward) ID() uint32      { return r.RequestID }
func (r *NewStdioForward) SetID(id uint32) { r.RequestID = id }

func (r *NewStdioForward) marshalBody(e *Encoder) {
	e.Uint32(r.RequestID)
	e.String("")
	e.String(r.ConnectHost)
	r.ConnectPort.MarshalWire(e)
}

func (r *NewStdioForward) unmarshalBody(d *Decoder) {
	r.RequestID = d.Uint32("request id")
	d.Reserved("reserved")
	r.ConnectHost = d.String("connect host")
	r.ConnectPort.decode(d, "connect port")
}

type StopListening struct {
	RequestID uint32
}

func (*StopListening) Type() RequestType { return TypeStopListening }

func (r *StopListening) ID() uint32      { return r.RequestID }
func (r *StopListening) SetID(id uint32) { r.RequestID = id }

func (r *StopListening) marshalBody(e *Encoder) { e.Uint32(r.RequestID) }

func (r *StopListening) unmarshalBody(d *Decoder) { r.RequestID = d.Uint32("request id") }

func newRequest(t RequestType) Request {
	switch t {
	case TypeNewSession:
		return &NewSession{}
	case TypeAliveCheck:
		return &AliveCheck{}
	case TypeTerminate:
		return &Terminate{}
	case TypeOpenForward:
		return &OpenForward{}
	case TypeCloseForward:
		return &CloseForward{}
	case TypeNewStdioFwd:
		return &NewStdioForward{}
	case TypeStopListening:
		return &StopListening{}
	}
	return nil
}

// EncodeRequest writes the tag and body of r.
func EncodeRequest(e *Encoder, r Request) {
	e.Uint32(uint32(r.Type()))
	r.marshalBody(e)
}

// DecodeRequest reads a tagged request. Unknown tags are malformed.
func DecodeRequest(d *Decoder) Request {
	d.Enter("Request")
	defer d.Leave()

	tag := RequestType(d.Uint32("type"))
	if d.Err() != nil {
		return nil
	}
	r := newRequest(tag)
	if r == nil {
		d.Malformed("type", "unknown request type %#x", uint32(tag))
		return nil
	}
	d.Enter(tag.String())
	defer d.Leave()
	r.unmarshalBody(d)
	if d.Err() != nil {
		return nil
	}
	return r
}

// RequestMessage adapts the Request union to Marshaler and Unmarshaler, for use with Packet.
type RequestMessage struct {
	Request Request
}

func (m *RequestMessage) MarshalWire(e *Encoder)   { EncodeRequest(e, m.Request) }
func (m *RequestMessage) UnmarshalWire(d *Decoder) { m.Request = DecodeRequest(d) }

func (m *RequestMessage) String() string {
	if m.Request == nil {
		return "<nil request>"
	}
	return fmt.Sprintf("%s %+v", m.Request.Type(), m.Request)
}
