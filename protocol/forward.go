package protocol

import (
	"fmt"
	"strconv"
)

type ForwardType uint32

const (
	ForwardLocal ForwardType = iota + 1
	ForwardRemote
	ForwardDynamic
)

func (t ForwardType) String() string {
	switch t {
	case ForwardLocal:
		return "local"
	case ForwardRemote:
		return "remote"
	case ForwardDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("ForwardType(%d)", uint32(t))
	}
}

func (t ForwardType) valid() bool {
	return t >= ForwardLocal && t <= ForwardDynamic
}

func (t ForwardType) MarshalWire(e *Encoder) { e.Uint32(uint32(t)) }

func (t *ForwardType) UnmarshalWire(d *Decoder) {
	v := ForwardType(d.Uint32("forwarding type"))
	if d.Err() != nil {
		return
	}
	if !v.valid() {
		d.Malformed("forwarding type", "unknown forwarding type %d", uint32(v))
		return
	}
	*t = v
}

// Port is a TCP port number, or PortStreamLocal when the matching host field names a Unix socket path.
type Port uint32

// PortStreamLocal marks a forward endpoint that is a Unix socket rather than a TCP port.
const PortStreamLocal Port = 0xfffffffe

func (p Port) valid() bool {
	return p <= 65535 || p == PortStreamLocal
}

func (p Port) String() string {
	if p == PortStreamLocal {
		return "streamlocal"
	}
	return strconv.FormatUint(uint64(p), 10)
}

func (p Port) MarshalWire(e *Encoder) { e.Uint32(uint32(p)) }

func (p *Port) decode(d *Decoder, field string) {
	v := Port(d.Uint32(field))
	if d.Err() != nil {
		return
	}
	if !v.valid() {
		d.Malformed(field, "port %d out of range", uint32(v))
		return
	}
	*p = v
}

// Forward describes one port forwarding, as carried by OpenForward and CloseForward.
type Forward struct {
	Type        ForwardType
	ListenHost  string
	ListenPort  Port
	ConnectHost string
	ConnectPort Port
}

func (f Forward) String() string {
	switch f.Type {
	case ForwardDynamic:
		return fmt.Sprintf("dynamic %s:%s", f.ListenHost, f.ListenPort)
	default:
		return fmt.Sprintf("%s %s:%s -> %s:%s", f.Type, f.ListenHost, f.ListenPort, f.ConnectHost, f.ConnectPort)
	}
}

func (f *Forward) MarshalWire(e *Encoder) {
	f.Type.MarshalWire(e)
	e.String(f.ListenHost)
	f.ListenPort.MarshalWire(e)
	e.String(f.ConnectHost)
	f.ConnectPort.MarshalWire(e)
}

func (f *Forward) UnmarshalWire(d *Decoder) {
	f.Type.UnmarshalWire(d)
	f.ListenHost = d.String("listen host")
	f.ListenPort.decode(d, "listen port")
	f.ConnectHost = d.String("connect host")
	f.ConnectPort.decode(d, "connect port")
}
