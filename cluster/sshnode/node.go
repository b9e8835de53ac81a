package sshnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	clusteriface "github.com/guseggert/sshmux/cluster"
	"github.com/guseggert/sshmux/control"
	"github.com/guseggert/sshmux/pipe"
	"github.com/guseggert/sshmux/protocol"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Node runs processes on the host behind an ssh control master.
//
// Every operation opens its own connection to the control socket, so operations on one Node may run concurrently.
type Node struct {
	ID          int
	ControlPath string
	// Env is added to the environment of every process, before the request's own entries.
	Env []string
	// TerminateOnStop makes Stop ask the master to exit.
	TerminateOnStop bool

	Log         *zap.SugaredLogger
	controlOpts []control.Option
}

// dial connects to the master and returns the control and the raw connection, which may be closed from any goroutine.
func (n *Node) dial(ctx context.Context) (*control.Control, *net.UnixConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", n.ControlPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to control socket %s: %w", n.ControlPath, err)
	}
	uconn := conn.(*net.UnixConn)
	c, err := control.New(uconn, n.controlOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("handshaking with %s: %w", n.ControlPath, err)
	}
	return c, uconn, nil
}

// CheckAlive returns the pid of the control master.
func (n *Node) CheckAlive(ctx context.Context) (uint32, error) {
	c, _, err := n.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.CheckAlive()
}

type result struct {
	code   int
	timeMS int64
	err    error
}

type proc struct {
	wait func(context.Context) (*clusteriface.ProcessResult, error)
}

func (p *proc) Wait(ctx context.Context) (*clusteriface.ProcessResult, error) { return p.wait(ctx) }

func (n *Node) StartProc(ctx context.Context, req clusteriface.StartProcRequest) (clusteriface.Process, error) {
	return n.start(ctx, commandLine(req.Command, req.Args, req.WD), req)
}

// commandLine quotes a command and its arguments for the remote shell, changing to wd first if it is set.
func commandLine(command string, args []string, wd string) string {
	line := shellquote.Join(append([]string{command}, args...)...)
	if wd != "" {
		line = shellquote.Join("cd", wd) + " && " + line
	}
	return line
}

// start runs line through the remote user's shell, wiring up req's streams and environment.
func (n *Node) start(ctx context.Context, line string, req clusteriface.StartProcRequest) (clusteriface.Process, error) {
	cmd := control.NewCommand(line)
	cmd.Env = append(append([]string{}, n.Env...), req.Env...)
	cmd.WantTTY = req.TTY

	closePipes := func() {
		cmd.Stdin.Close()
		cmd.Stdout.Close()
		cmd.Stderr.Close()
	}
	var err error
	if req.Stdin != nil {
		if cmd.Stdin, err = pipe.New(); err != nil {
			return nil, err
		}
	}
	if req.Stdout != nil {
		if cmd.Stdout, err = pipe.New(); err != nil {
			closePipes()
			return nil, err
		}
	}
	if req.Stderr != nil {
		if cmd.Stderr, err = pipe.New(); err != nil {
			closePipes()
			return nil, err
		}
	}

	c, conn, err := n.dial(ctx)
	if err != nil {
		closePipes()
		return nil, err
	}
	start := time.Now()
	s, err := c.NewSession(cmd)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("starting %q: %w", line, err)
	}
	n.Log.Debugw("started process", "session", s.ID, "command", line)

	// each copier closes the end it copies through
	var stdinCopy, outputs sync.WaitGroup
	if s.Stdin != nil {
		stdinCopy.Add(1)
		go func() {
			defer stdinCopy.Done()
			defer s.Stdin.Close()
			if _, err := io.Copy(s.Stdin, req.Stdin); err != nil {
				n.Log.Debugf("copying stdin of session %d: %s", s.ID, err)
			}
		}()
	}
	copyOut := func(dst io.Writer, src *pipe.ReadEnd, name string) {
		outputs.Add(1)
		go func() {
			defer outputs.Done()
			defer src.Close()
			if _, err := io.Copy(dst, src); err != nil {
				n.Log.Debugf("copying %s of session %d: %s", name, s.ID, err)
			}
		}()
	}
	if s.Stdout != nil {
		copyOut(req.Stdout, s.Stdout, "stdout")
	}
	if s.Stderr != nil {
		copyOut(req.Stderr, s.Stderr, "stderr")
	}

	resultChan := make(chan result, 1)
	sessionDone := make(chan struct{})
	go func() {
		res := n.wait(c, s)
		res.timeMS = time.Since(start).Milliseconds()
		close(sessionDone)
		c.Close()
		// The master closes its ends once the session or the connection is gone, which ends the output copies.
		// The stdin copy may be blocked on the caller's reader, so it is only awaited after a clean exit.
		outputs.Wait()
		if res.err == nil {
			stdinCopy.Wait()
		}
		s.Close()
		resultChan <- res
	}()

	// abandon the session if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	return &proc{
		wait: func(ctx context.Context) (*clusteriface.ProcessResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-resultChan:
				return &clusteriface.ProcessResult{ExitCode: res.code, TimeMS: res.timeMS}, res.err
			}
		},
	}, nil
}

func (n *Node) wait(c *control.Control, s *control.Session) result {
	for {
		matched, err := c.Wait(s)
		if errors.Is(err, control.ErrTtyAllocFailed) {
			n.Log.Warnf("session %d: %s", s.ID, err)
			continue
		}
		if err != nil {
			return result{code: -1, err: fmt.Errorf("waiting for session %d: %w", s.ID, err)}
		}
		if matched {
			code, _ := s.ExitValue()
			return result{code: int(code)}
		}
	}
}

func (n *Node) SendFile(ctx context.Context, filePath string, contents io.Reader) error {
	line := fmt.Sprintf("%s && cat > %s", shellquote.Join("mkdir", "-p", path.Dir(filePath)), shellquote.Join(filePath))
	p, err := n.start(ctx, line, clusteriface.StartProcRequest{Stdin: contents})
	if err != nil {
		return err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return fmt.Errorf("writing %q: %w", filePath, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %q: exit code %d", filePath, res.ExitCode)
	}
	return nil
}

// ReadFile streams a remote file. A missing or unreadable file surfaces as an error from Read.
func (n *Node) ReadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	p, err := n.start(ctx, shellquote.Join("cat", filePath), clusteriface.StartProcRequest{Stdout: pw})
	if err != nil {
		return nil, err
	}
	go func() {
		res, err := p.Wait(ctx)
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("reading %q: exit code %d", filePath, res.ExitCode)
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

type forwardedConn struct {
	net.Conn
	ctl *control.Control
}

// Close closes the connection and the control connection carrying it.
func (c *forwardedConn) Close() error {
	err := c.Conn.Close()
	c.ctl.Close()
	return err
}

// Dial connects from the node to addr through a stdio forwarding.
// network must be "tcp" for host:port addresses or "unix" for socket paths.
func (n *Node) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var host string
	var port protocol.Port
	switch network {
	case "tcp", "tcp4", "tcp6":
		h, p, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		pn, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q", addr)
		}
		host, port = h, protocol.Port(pn)
	case "unix":
		host, port = addr, protocol.PortStreamLocal
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket pair: %w", err)
	}
	local, remote := fds[0], fds[1]
	f := os.NewFile(uintptr(local), "forward")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(remote)
		return nil, fmt.Errorf("wrapping socket: %w", err)
	}
	remoteDup, err := unix.Dup(remote)
	if err != nil {
		unix.Close(remote)
		conn.Close()
		return nil, fmt.Errorf("duplicating socket: %w", err)
	}
	ends := pipe.WithEnds(pipe.NewReadEnd(remote), pipe.NewWriteEnd(remoteDup))

	c, _, err := n.dial(ctx)
	if err != nil {
		ends.Close()
		conn.Close()
		return nil, err
	}
	id, err := c.NewStdioForward(host, port, ends)
	if err != nil {
		c.Close()
		conn.Close()
		return nil, fmt.Errorf("forwarding to %s: %w", addr, err)
	}
	n.Log.Debugw("dialed through stdio forwarding", "session", id, "addr", addr)
	return &forwardedConn{Conn: conn, ctl: c}, nil
}

func (n *Node) Stop(ctx context.Context) error {
	if !n.TerminateOnStop {
		return nil
	}
	c, _, err := n.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Terminate(); err != nil {
		return fmt.Errorf("terminating master %s: %w", n.ControlPath, err)
	}
	return nil
}

func (n *Node) String() string {
	return fmt.Sprintf("ssh node id=%d control=%s", n.ID, n.ControlPath)
}
