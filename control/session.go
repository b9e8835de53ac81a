package control

import (
	"fmt"
	"os"

	"github.com/guseggert/sshmux/pipe"
	"github.com/guseggert/sshmux/protocol"
)

var streamNames = [3]string{"stdin", "stdout", "stderr"}

// readFD returns the descriptor of p's read end, which the master reads from.
func readFD(name string, p *pipe.Pipe) (int, error) {
	if p.Read == nil {
		return -1, fmt.Errorf("%s pipe has no read end", name)
	}
	if num := p.Read.Fd(); num >= 0 {
		return num, nil
	}
	return -1, fmt.Errorf("%s read end: %w", name, os.ErrClosed)
}

// writeFD returns the descriptor of p's write end, which the master writes to.
func writeFD(name string, p *pipe.Pipe) (int, error) {
	if p.Write == nil {
		return -1, fmt.Errorf("%s pipe has no write end", name)
	}
	if num := p.Write.Fd(); num >= 0 {
		return num, nil
	}
	return -1, fmt.Errorf("%s write end: %w", name, os.ErrClosed)
}

// sessionFDs picks the descriptor handed to the master for each standard stream, in stdin, stdout, stderr order.
// Streams without a pipe share one /dev/null descriptor, opened only if needed.
func sessionFDs(cmd *Command) (fds [3]int, devNull *os.File, err error) {
	defer func() {
		if err != nil && devNull != nil {
			devNull.Close()
			devNull = nil
		}
	}()
	nullFD := func() (int, error) {
		if devNull == nil {
			f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
			if err != nil {
				return -1, fmt.Errorf("opening %s: %w", os.DevNull, err)
			}
			devNull = f
		}
		return int(devNull.Fd()), nil
	}

	if cmd.Stdin != nil {
		fds[0], err = readFD(streamNames[0], cmd.Stdin)
	} else {
		fds[0], err = nullFD()
	}
	if err != nil {
		return fds, devNull, err
	}
	for i, p := range []*pipe.Pipe{cmd.Stdout, cmd.Stderr} {
		if p != nil {
			fds[i+1], err = writeFD(streamNames[i+1], p)
		} else {
			fds[i+1], err = nullFD()
		}
		if err != nil {
			return fds, devNull, err
		}
	}
	return fds, devNull, nil
}

// NewSession starts cmd on the master and passes it the three standard stream descriptors.
//
// NewSession takes ownership of the command's pipes. The ends handed to the master are closed locally once sent; the
// other ends are returned in the Session. If NewSession fails, every end is closed.
func (c *Control) NewSession(cmd *Command) (*Session, error) {
	if err := c.usable(); err != nil {
		cmd.closePipes()
		return nil, err
	}
	fds, devNull, err := sessionFDs(cmd)
	if err != nil {
		cmd.closePipes()
		return nil, err
	}
	fail := func(err error) (*Session, error) {
		cmd.closePipes()
		if devNull != nil {
			devNull.Close()
		}
		return nil, err
	}

	termType := cmd.TerminalType
	if termType == "" {
		termType = c.terminalType
	}
	req := &protocol.NewSession{
		WantTTY:           cmd.WantTTY,
		WantX11Forwarding: cmd.WantX11Forwarding,
		WantAgent:         cmd.WantAgent,
		Subsystem:         cmd.Subsystem,
		EscapeChar:        c.escapeChar,
		TerminalType:      termType,
		Command:           cmd.Command,
		Environment:       cmd.Env,
	}
	if _, err := c.SendRequest(req); err != nil {
		return fail(err)
	}
	for i, fd := range fds {
		if err := sendFD(c.conn, fd); err != nil {
			return fail(c.setFault(fmt.Errorf("passing %s descriptor: %w", streamNames[i], err)))
		}
		c.log.Debugf("passed %s descriptor %d", streamNames[i], fd)
	}

	// The master holds its own copies now.
	if cmd.Stdin != nil {
		cmd.Stdin.Read.Close()
	}
	if cmd.Stdout != nil {
		cmd.Stdout.Write.Close()
	}
	if cmd.Stderr != nil {
		cmd.Stderr.Write.Close()
	}

	resp, err := c.AwaitResponse()
	if err != nil {
		return fail(err)
	}
	opened, ok := resp.(*protocol.SessionOpened)
	if !ok {
		return fail(responseError(resp, protocol.TypeSessionOpened))
	}

	s := &Session{ID: opened.SessionID, devNull: devNull}
	if cmd.Stdin != nil {
		s.Stdin = cmd.Stdin.Write
	}
	if cmd.Stdout != nil {
		s.Stdout = cmd.Stdout.Read
	}
	if cmd.Stderr != nil {
		s.Stderr = cmd.Stderr.Read
	}
	c.log.Debugw("session opened", "session", s.ID, "command", cmd.Command)
	return s, nil
}

// Wait blocks until the master reports that a session exited.
//
// It returns true if the exit belongs to s, recording the exit value on s. An exit of any other session is consumed,
// logged and reported as false. A tty allocation failure for s is returned as *TtyAllocFailedError, and the exit that
// follows it can still be collected by calling Wait again.
func (c *Control) Wait(s *Session) (bool, error) {
	for {
		n, err := c.ReadNotification()
		if err != nil {
			return false, err
		}
		switch n := n.(type) {
		case *protocol.ExitMessage:
			if n.SessionID != s.ID {
				c.log.Warnf("session %d exited, but %d was expected", n.SessionID, s.ID)
				return false, nil
			}
			s.exit(n.ExitValue)
			c.log.Debugw("session exited", "session", s.ID, "exit value", n.ExitValue)
			return true, nil
		case *protocol.TtyAllocFail:
			if n.SessionID == s.ID {
				return false, &TtyAllocFailedError{SessionID: n.SessionID}
			}
			c.log.Warnf("tty allocation failed for session %d while waiting for %d", n.SessionID, s.ID)
		default:
			return false, &InvalidPacketError{Description: fmt.Sprintf("unexpected %s notification", n.Type())}
		}
	}
}
