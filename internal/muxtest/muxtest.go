// Package muxtest plays the control master's side of a mux connection in tests.
//
// A Peer only follows a script: it reads what the client sends, receives passed descriptors, and writes the responses
// it is told to write. It has no session semantics of its own.
package muxtest

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/guseggert/sshmux/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type Peer struct {
	Conn   *net.UnixConn
	packet *protocol.Packet
}

func newPeer(conn *net.UnixConn) *Peer {
	p := &Peer{Conn: conn, packet: protocol.NewPacket()}
	if l, err := zap.NewDevelopment(); err == nil {
		p.packet.Log = l.Sugar().Named("muxtest")
	}
	return p
}

// Pair returns the client end of a connected socket pair and a Peer on the other end.
func Pair(t testing.TB) (*net.UnixConn, *Peer) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	client := fileConn(t, fds[0], "client")
	master := fileConn(t, fds[1], "master")
	t.Cleanup(func() {
		client.Close()
		master.Close()
	})
	return client, newPeer(master)
}

func fileConn(t testing.TB, fd int, name string) *net.UnixConn {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	require.NoError(t, err)
	return c.(*net.UnixConn)
}

// Listener serves a control socket on the filesystem.
type Listener struct {
	Path string
	l    *net.UnixListener
}

// Listen creates a control socket under the temporary directory. It is removed when the test ends.
func Listen(t testing.TB) *Listener {
	// Socket paths are limited to about 100 bytes, which rules out t.TempDir on some systems.
	path := filepath.Join(os.TempDir(), fmt.Sprintf("sshmux-%s.sock", uuid.NewString()[:8]))
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return &Listener{Path: path, l: l}
}

func (l *Listener) Accept() (*Peer, error) {
	conn, err := l.l.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newPeer(conn), nil
}

// Serve accepts one connection for every script, in order, and runs the script against it.
// The returned function waits for all scripts and fails t if any returned an error.
func (l *Listener) Serve(t testing.TB, scripts ...func(p *Peer) error) func() {
	done := make(chan error, 1)
	go func() {
		for i, script := range scripts {
			p, err := l.Accept()
			if err != nil {
				done <- fmt.Errorf("accepting connection %d: %w", i, err)
				return
			}
			err = p.Run(script)
			if err != nil {
				done <- fmt.Errorf("connection %d: %w", i, err)
				return
			}
		}
		done <- nil
	}()
	return func() {
		t.Helper()
		require.NoError(t, <-done)
	}
}

// Run runs script and closes the connection afterwards.
func (p *Peer) Run(script func(p *Peer) error) error {
	defer p.Conn.Close()
	return script(p)
}

// Start runs script in a new goroutine. The returned function waits for it and fails t if it returned an error.
func (p *Peer) Start(t testing.TB, script func(p *Peer) error) func() {
	done := make(chan error, 1)
	go func() { done <- p.Run(script) }()
	return func() {
		t.Helper()
		require.NoError(t, <-done)
	}
}

// Handshake reads the client's hello and answers with version and extensions.
func (p *Peer) Handshake(version uint32, extensions ...protocol.Extension) error {
	var hello protocol.Hello
	if err := p.packet.Receive(p.Conn, &hello); err != nil {
		return fmt.Errorf("receiving client hello: %w", err)
	}
	if hello.Version != protocol.Version {
		return fmt.Errorf("client sent version %d", hello.Version)
	}
	return p.packet.Send(p.Conn, &protocol.Hello{Version: version, Extensions: extensions})
}

func (p *Peer) ReadRequest() (protocol.Request, error) {
	var m protocol.RequestMessage
	if err := p.packet.Receive(p.Conn, &m); err != nil {
		return nil, fmt.Errorf("receiving request: %w", err)
	}
	return m.Request, nil
}

func (p *Peer) Send(resp protocol.Response) error {
	return p.packet.Send(p.Conn, &protocol.ResponseMessage{Response: resp})
}

// SendFrame writes payload as one frame without encoding it.
func (p *Peer) SendFrame(payload []byte) error {
	e := protocol.NewEncoder(nil)
	e.Uint32(uint32(len(payload)))
	_, err := p.Conn.Write(append(e.Bytes(), payload...))
	return err
}

// ReceiveFDs receives n descriptors, each passed with a one byte payload. The caller must close them.
func (p *Peer) ReceiveFDs(n int) ([]*os.File, error) {
	var files []*os.File
	for i := 0; i < n; i++ {
		buf := make([]byte, 1)
		oob := make([]byte, unix.CmsgSpace(4))
		bn, oobn, _, _, err := p.Conn.ReadMsgUnix(buf, oob)
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("receiving descriptor %d: %w", i, err)
		}
		fd, err := parseRights(oob[:oobn])
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("receiving descriptor %d: %w", i, err)
		}
		if bn != 1 || buf[0] != 0 {
			unix.Close(fd)
			closeAll(files)
			return nil, fmt.Errorf("descriptor %d came with payload %x", i, buf[:bn])
		}
		files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("passed-%d", i)))
	}
	return files, nil
}

func parseRights(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("parsing control message: %w", err)
	}
	if len(msgs) != 1 {
		return -1, fmt.Errorf("expected 1 control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("parsing rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, fmt.Errorf("expected 1 descriptor, got %d", len(fds))
	}
	return fds[0], nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
