// Package control drives an OpenSSH control master over its mux socket.
//
// A Control owns one connection to the master. It sends one request at a time, matches each response to the request
// that caused it, and keeps notifications about sessions (exit status, tty allocation failures) that arrive in between.
// A Control is not safe for concurrent use: every call, including its response, must finish before the next begins.
package control

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/guseggert/sshmux/protocol"
	"go.uber.org/zap"
)

type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateAwaitingResponse
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateAwaitingResponse:
		return "awaiting response"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var defaultLogger *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defaultLogger = l.Sugar()
}

type Control struct {
	log    *zap.SugaredLogger
	conn   *net.UnixConn
	packet *protocol.Packet

	state State
	fault error
	// lastID is the id given to the most recent request; outstanding is valid in StateAwaitingResponse.
	lastID      uint32
	outstanding uint32
	backlog     []protocol.Response

	extensions   []protocol.Extension
	terminalType string
	escapeChar   uint32
}

// Dial connects to the control socket at path and performs the handshake.
func Dial(path string, opts ...Option) (*Control, error) {
	return DialContext(context.Background(), path, opts...)
}

// DialContext is like Dial. The context bounds connecting only; the handshake and later calls block without a deadline.
func DialContext(ctx context.Context, path string, opts ...Option) (*Control, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket %s: %w", path, err)
	}
	return New(conn.(*net.UnixConn), opts...)
}

// New performs the handshake over an already connected socket and takes ownership of it.
// The socket is closed if the handshake fails.
func New(conn *net.UnixConn, opts ...Option) (*Control, error) {
	c := &Control{
		log:          defaultLogger,
		conn:         conn,
		packet:       protocol.NewPacket(),
		state:        StateConnecting,
		terminalType: defaultTermType(),
		escapeChar:   defaultEscapeChar,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("control").With("conn", uuid.NewString())
	c.packet.Log = c.log

	c.state = StateHandshaking
	if err := c.handshake(); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Control) handshake() error {
	if err := c.packet.Send(c.conn, &protocol.Hello{Version: protocol.Version}); err != nil {
		return c.setFault(fmt.Errorf("sending hello: %w", err))
	}
	var hello protocol.Hello
	if err := c.packet.Receive(c.conn, &hello); err != nil {
		return c.setFault(fmt.Errorf("receiving hello: %w", err))
	}
	c.log.Debugw("master hello", "version", hello.Version, "extensions", hello.Extensions)
	if hello.Version != protocol.Version {
		return c.setFault(&UnsupportedVersionError{Version: hello.Version})
	}
	c.extensions = hello.Extensions
	c.state = StateReady
	return nil
}

func (c *Control) setFault(err error) error {
	c.state = StateFaulted
	c.fault = err
	return err
}

func (c *Control) usable() error {
	switch c.state {
	case StateFaulted:
		return fmt.Errorf("%w: %s", ErrFaulted, c.fault)
	case StateClosed:
		return ErrClosed
	}
	return nil
}

func (c *Control) State() State { return c.state }

// Extensions returns the extensions the master advertised in its hello. They are not interpreted.
func (c *Control) Extensions() []protocol.Extension { return c.extensions }

// SendRequest assigns the next request id to r, sends it, and returns the id.
// It fails with ErrRequestInFlight if the previous request has not been answered.
func (c *Control) SendRequest(r protocol.Request) (uint32, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if c.state == StateAwaitingResponse {
		return 0, ErrRequestInFlight
	}
	c.lastID++
	id := c.lastID
	r.SetID(id)
	if err := c.packet.Send(c.conn, &protocol.RequestMessage{Request: r}); err != nil {
		return 0, c.setFault(fmt.Errorf("sending %s request: %w", r.Type(), err))
	}
	c.outstanding = id
	c.state = StateAwaitingResponse
	return id, nil
}

// ReceiveResponse reads one message from the master.
//
// A response that answers a request must answer the one in flight; anything else faults the connection with
// *InvalidResponseIDError. Notifications are returned as they are and leave the state unchanged.
func (c *Control) ReceiveResponse() (protocol.Response, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	var m protocol.ResponseMessage
	if err := c.packet.Receive(c.conn, &m); err != nil {
		return nil, c.setFault(fmt.Errorf("receiving response: %w", err))
	}
	resp := m.Response
	id, ok := resp.RequestID()
	if !ok {
		return resp, nil
	}
	if c.state != StateAwaitingResponse || id != c.outstanding {
		err := &InvalidResponseIDError{
			Expected:    c.outstanding,
			HasExpected: c.state == StateAwaitingResponse,
			Received:    id,
		}
		c.log.Errorw("response does not answer the request in flight", "response", resp.Type(), "error", err)
		return nil, c.setFault(err)
	}
	c.state = StateReady
	return resp, nil
}

// AwaitResponse reads until the answer to the request in flight arrives.
// Notifications read along the way are kept for Wait and ReadNotification.
func (c *Control) AwaitResponse() (protocol.Response, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.state != StateAwaitingResponse {
		return nil, ErrNoRequestInFlight
	}
	for {
		resp, err := c.ReceiveResponse()
		if err != nil {
			return nil, err
		}
		if _, ok := resp.RequestID(); ok {
			return resp, nil
		}
		c.log.Debugf("queueing %s received while awaiting response to %d", resp.Type(), c.outstanding)
		c.backlog = append(c.backlog, resp)
	}
}

func (c *Control) roundTrip(r protocol.Request) (protocol.Response, error) {
	if _, err := c.SendRequest(r); err != nil {
		return nil, err
	}
	return c.AwaitResponse()
}

// ReadNotification returns the oldest notification not yet consumed, reading from the master if none is queued.
// It cannot be used while a request is in flight.
func (c *Control) ReadNotification() (protocol.Response, error) {
	if len(c.backlog) > 0 {
		n := c.backlog[0]
		c.backlog = c.backlog[1:]
		return n, nil
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.state == StateAwaitingResponse {
		return nil, ErrRequestInFlight
	}
	return c.ReceiveResponse()
}

// responseError turns a response of the wrong kind into an error.
func responseError(resp protocol.Response, want protocol.ResponseType) error {
	switch r := resp.(type) {
	case *protocol.PermissionDenied:
		return &PermissionDeniedError{Reason: r.Reason}
	case *protocol.Failure:
		return &FailureError{Reason: r.Reason}
	default:
		return &InvalidPacketError{Description: fmt.Sprintf("expected %s, got %s", want, resp.Type())}
	}
}

// CheckAlive asks the master whether it is running and returns its process id.
func (c *Control) CheckAlive() (uint32, error) {
	resp, err := c.roundTrip(&protocol.AliveCheck{})
	if err != nil {
		return 0, err
	}
	alive, ok := resp.(*protocol.Alive)
	if !ok {
		return 0, &InvalidPacketError{Description: fmt.Sprintf("expected %s, got %s", protocol.TypeAlive, resp.Type())}
	}
	return alive.ServerPID, nil
}

// Terminate asks the master to exit.
func (c *Control) Terminate() error {
	return c.expectOk(&protocol.Terminate{})
}

// StopListening asks the master to stop accepting new mux clients. Existing connections stay open.
func (c *Control) StopListening() error {
	return c.expectOk(&protocol.StopListening{})
}

func (c *Control) expectOk(r protocol.Request) error {
	resp, err := c.roundTrip(r)
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.Ok); !ok {
		return responseError(resp, protocol.TypeOk)
	}
	return nil
}

// Close closes the connection. Sessions started over it keep running on the master.
func (c *Control) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.conn.Close()
}
