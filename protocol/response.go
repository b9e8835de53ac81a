package protocol

import "fmt"

// ResponseType is the leading tag of every message sent by the master.
type ResponseType uint32

const (
	TypeOk               ResponseType = 0x80000001
	TypePermissionDenied ResponseType = 0x80000002
	TypeFailure          ResponseType = 0x80000003
	TypeExitMessage      ResponseType = 0x80000004
	TypeAlive            ResponseType = 0x80000005
	TypeSessionOpened    ResponseType = 0x80000006
	TypeRemotePort       ResponseType = 0x80000007
	TypeTtyAllocFail     ResponseType = 0x80000008
)

func (t ResponseType) String() string {
	switch t {
	case TypeOk:
		return "ok"
	case TypePermissionDenied:
		return "permission-denied"
	case TypeFailure:
		return "failure"
	case TypeExitMessage:
		return "exit-message"
	case TypeAlive:
		return "alive"
	case TypeSessionOpened:
		return "session-opened"
	case TypeRemotePort:
		return "remote-port"
	case TypeTtyAllocFail:
		return "tty-alloc-fail"
	default:
		return fmt.Sprintf("ResponseType(%#x)", uint32(t))
	}
}

// Response is a message sent by the master. The set of implementations is closed.
type Response interface {
	Type() ResponseType
	// RequestID returns the id of the request being answered. Notifications report false.
	RequestID() (uint32, bool)

	marshalBody(e *Encoder)
	unmarshalBody(d *Decoder)
}

type Ok struct {
	ClientRequestID uint32
}

func (*Ok) Type() ResponseType          { return TypeOk }
func (r *Ok) RequestID() (uint32, bool) { return r.ClientRequestID, true }
func (r *Ok) marshalBody(e *Encoder)    { e.Uint32(r.ClientRequestID) }
func (r *Ok) unmarshalBody(d *Decoder)  { r.ClientRequestID = d.Uint32("client request id") }

type PermissionDenied struct {
	ClientRequestID uint32
	Reason          string
}

func (*PermissionDenied) Type() ResponseType          { return TypePermissionDenied }
func (r *PermissionDenied) RequestID() (uint32, bool) { return r.ClientRequestID, true }

func (r *PermissionDenied) marshalBody(e *Encoder) {
	e.Uint32(r.ClientRequestID)
	e.String(r.Reason)
}

func (r *PermissionDenied) unmarshalBody(d *Decoder) {
	r.ClientRequestID = d.Uint32("client request id")
	r.Reason = d.String("reason")
}

type Failure struct {
	ClientRequestID uint32
	Reason          string
}

func (*Failure) Type() ResponseType          { return TypeFailure }
func (r *Failure) RequestID() (uint32, bool) { return r.ClientRequestID, true }

func (r *Failure) marshalBody(e *Encoder) {
	e.Uint32(r.ClientRequestID)
	e.String(r.Reason)
}

func (r *Failure) unmarshalBody(d *Decoder) {
	r.ClientRequestID = d.Uint32("client request id")
	r.Reason = d.String("reason")
}

// ExitMessage reports that the remote side of a session exited. It answers no request.
type ExitMessage struct {
	SessionID uint32
	ExitValue uint32
}

func (*ExitMessage) Type() ResponseType        { return TypeExitMessage }
func (*ExitMessage) RequestID() (uint32, bool) { return 0, false }

func (r *ExitMessage) marshalBody(e *Encoder) {
	e.Uint32(r.SessionID)
	e.Uint32(r.ExitValue)
}

func (r *ExitMessage) unmarshalBody(d *Decoder) {
	r.SessionID = d.Uint32("session id")
	r.ExitValue = d.Uint32("exit value")
}

type Alive struct {
	ClientRequestID uint32
	ServerPID       uint32
}

func (*Alive) Type() ResponseType          { return TypeAlive }
func (r *Alive) RequestID() (uint32, bool) { return r.ClientRequestID, true }

func (r *Alive) marshalBody(e *Encoder) {
	e.Uint32(r.ClientRequestID)
	e.Uint32(r.ServerPID)
}

func (r *Alive) unmarshalBody(d *Decoder) {
	r.ClientRequestID = d.Uint32("client request id")
	r.ServerPID = d.Uint32("server pid")
}

type SessionOpened struct {
	ClientRequestID uint32
	SessionID       uint32
}

func (*SessionOpened) Type() ResponseType          { return TypeSessionOpened }
func (r *SessionOpened) RequestID() (uint32, bool) { return r.ClientRequestID, true }

func (r *SessionOpened) marshalBody(e *Encoder) {
	e.Uint32(r.ClientRequestID)
	e.Uint32(r.SessionID)
}

func (r *SessionOpened) unmarshalBody(d *Decoder) {
	r.ClientRequestID = d.Uint32("client request id")
	r.SessionID = d.Uint32("session id")
}

// RemotePort carries the port the master allocated for a remote forward requested with port 0.
type RemotePort struct {
	ClientRequestID uint32
	AllocatedPort   uint32
}

func (*RemotePort) Type() ResponseType          { return TypeRemotePort }
func (r *RemotePort) RequestID() (uint32, bool) { return r.ClientRequestID, true }

func (r *RemotePort) marshalBody(e *Encoder) {
	e.Uint32(r.ClientRequestID)
	e.Uint32(r.AllocatedPort)
}

func (r *RemotePort) unmarshalBody(d *Decoder) {
	r.ClientRequestID = d.Uint32("client request id")
	r.AllocatedPort = d.Uint32("allocated port")
}

// TtyAllocFail reports that no terminal could be allocated for a session. It answers no request.
type TtyAllocFail struct {
	SessionID uint32
}

func (*TtyAllocFail) Type() ResponseType        { return TypeTtyAllocFail }
func (*TtyAllocFail) RequestID() (uint32, bool) { return 0, false }
func (r *TtyAllocFail) marshalBody(e *Encoder)  { e.Uint32(r.SessionID) }
func (r *TtyAllocFail) unmarshalBody(d *Decoder) {
	r.SessionID = d.Uint32("session id")
}

func newResponse(t ResponseType) Response {
	switch t {
	case TypeOk:
		return &Ok{}
	case TypePermissionDenied:
		return &PermissionDenied{}
	case TypeFailure:
		return &Failure{}
	case TypeExitMessage:
		return &ExitMessage{}
	case TypeAlive:
		return &Alive{}
	case TypeSessionOpened:
		return &SessionOpened{}
	case TypeRemotePort:
		return &RemotePort{}
	case TypeTtyAllocFail:
		return &TtyAllocFail{}
	}
	return nil
}

func EncodeResponse(e *Encoder, r Response) {
	e.Uint32(uint32(r.Type()))
	r.marshalBody(e)
}

// DecodeResponse reads a tagged response. Unknown tags are malformed.
func DecodeResponse(d *Decoder) Response {
	d.Enter("Response")
	defer d.Leave()

	tag := ResponseType(d.Uint32("type"))
	if d.Err() != nil {
		return nil
	}
	r := newResponse(tag)
	if r == nil {
		d.Malformed("type", "unknown response type %#x", uint32(tag))
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

// ResponseMessage adapts the Response union to Marshaler and Unmarshaler, for use with Packet.
type ResponseMessage struct {
	Response Response
}

func (m *ResponseMessage) MarshalWire(e *Encoder)   { EncodeResponse(e, m.Response) }
func (m *ResponseMessage) UnmarshalWire(d *Decoder) { m.Response = DecodeResponse(d) }

func (m *ResponseMessage) String() string {
	if m.Response == nil {
		return "<nil response>"
	}
	return fmt.Sprintf("%s %+v", m.Response.Type(), m.Response)
}
