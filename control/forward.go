package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/guseggert/sshmux/pipe"
	"github.com/guseggert/sshmux/protocol"
)

// OpenForward asks the master to set up a port forwarding.
// For a remote forward with listen port 0 the master picks a port and OpenForward returns it; otherwise it returns 0.
func (c *Control) OpenForward(f protocol.Forward) (uint32, error) {
	resp, err := c.roundTrip(&protocol.OpenForward{Forward: f})
	if err != nil {
		return 0, err
	}
	switch r := resp.(type) {
	case *protocol.Ok:
		return 0, nil
	case *protocol.RemotePort:
		c.log.Debugf("master allocated port %d for %s", r.AllocatedPort, f)
		return r.AllocatedPort, nil
	default:
		return 0, responseError(resp, protocol.TypeOk)
	}
}

// CloseForward cancels a forwarding set up by OpenForward. f must match the forwarding exactly.
func (c *Control) CloseForward(f protocol.Forward) error {
	return c.expectOk(&protocol.CloseForward{Forward: f})
}

// NewStdioForward asks the master to connect to host and port and relay the connection over p:
// the master reads what is written into p's read end, and writes what it receives into p's write end.
// When p is nil the calling process's standard input and output are used.
//
// Both ends of p are closed locally once handed to the master, except for borrowed standard streams.
// It returns the id of the session carrying the connection.
func (c *Control) NewStdioForward(host string, port protocol.Port, p *pipe.Pipe) (uint32, error) {
	if p == nil {
		p = pipe.Stdio()
	}
	defer p.Close()

	in, err := readFD("forward", p)
	if err != nil {
		return 0, err
	}
	out, err := writeFD("forward", p)
	if err != nil {
		return 0, err
	}
	if _, err := c.SendRequest(&protocol.NewStdioForward{ConnectHost: host, ConnectPort: port}); err != nil {
		return 0, err
	}
	if err := sendFD(c.conn, in); err != nil {
		return 0, c.setFault(fmt.Errorf("passing input descriptor: %w", err))
	}
	if err := sendFD(c.conn, out); err != nil {
		return 0, c.setFault(fmt.Errorf("passing output descriptor: %w", err))
	}
	p.Close()

	resp, err := c.AwaitResponse()
	if err != nil {
		return 0, err
	}
	opened, ok := resp.(*protocol.SessionOpened)
	if !ok {
		return 0, responseError(resp, protocol.TypeSessionOpened)
	}
	return opened.SessionID, nil
}

// ParseForward parses a forwarding in ssh's command line syntax.
//
// Local and remote forwards take [listen_host:]listen_port:connect_host:connect_port, and dynamic forwards take
// [listen_host:]listen_port. Either side may instead be a Unix socket path, recognised by a slash. Hosts containing
// colons must be enclosed in square brackets.
func ParseForward(t protocol.ForwardType, spec string) (protocol.Forward, error) {
	f := protocol.Forward{Type: t}
	fields, err := splitForward(spec)
	if err != nil {
		return f, err
	}

	var listen, connect []string
	switch t {
	case protocol.ForwardDynamic:
		listen = fields
	case protocol.ForwardLocal, protocol.ForwardRemote:
		// The connect side is a path or host:port, whichever the fields allow.
		if n := len(fields); n >= 2 && isPath(fields[n-1]) {
			listen, connect = fields[:n-1], fields[n-1:]
		} else if n >= 3 {
			listen, connect = fields[:n-2], fields[n-2:]
		} else {
			return f, fmt.Errorf("forward %q: missing connect address", spec)
		}
	default:
		return f, fmt.Errorf("forward %q: unknown forwarding type %s", spec, t)
	}

	if f.ListenHost, f.ListenPort, err = parseEndpoint(listen, true); err != nil {
		return f, fmt.Errorf("forward %q: listen address: %w", spec, err)
	}
	if connect != nil {
		if f.ConnectHost, f.ConnectPort, err = parseEndpoint(connect, false); err != nil {
			return f, fmt.Errorf("forward %q: connect address: %w", spec, err)
		}
	}
	return f, nil
}

func isPath(s string) bool { return strings.Contains(s, "/") }

// parseEndpoint accepts [host:]port or a path. The host may be omitted only when optionalHost is set.
func parseEndpoint(fields []string, optionalHost bool) (string, protocol.Port, error) {
	switch {
	case len(fields) == 1 && isPath(fields[0]):
		return fields[0], protocol.PortStreamLocal, nil
	case len(fields) == 1 && optionalHost:
		port, err := parsePort(fields[0])
		return "", port, err
	case len(fields) == 2:
		port, err := parsePort(fields[1])
		return fields[0], port, err
	}
	return "", 0, fmt.Errorf("expected [host:]port or a path, got %q", strings.Join(fields, ":"))
}

func parsePort(s string) (protocol.Port, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return protocol.Port(n), nil
}

// splitForward splits on colons outside square brackets and strips the brackets.
func splitForward(spec string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	bracketed := false
	for _, r := range spec {
		switch {
		case r == '[' && !bracketed && cur.Len() == 0:
			bracketed = true
		case r == ']' && bracketed:
			bracketed = false
		case r == ':' && !bracketed:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if bracketed {
		return nil, fmt.Errorf("forward %q: unterminated '['", spec)
	}
	fields = append(fields, cur.String())
	return fields, nil
}
