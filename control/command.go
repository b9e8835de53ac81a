package control

import (
	"os"
	"strings"

	"github.com/guseggert/sshmux/pipe"
)

// Command describes a remote command to run in a new session, in the manner of exec.Cmd.
//
// A nil stream is connected to /dev/null on the remote side. For Stdin the master receives the pipe's read end and the
// caller keeps its write end; for Stdout and Stderr the master receives the write end and the caller keeps the read end.
type Command struct {
	// Command is the command line, interpreted by the remote user's shell. Empty starts a login shell.
	Command string
	// Env holds KEY=VALUE entries passed to the remote side, subject to the server's AcceptEnv.
	Env []string

	WantTTY           bool
	WantX11Forwarding bool
	WantAgent         bool
	// Subsystem makes Command name a subsystem such as sftp rather than a command line.
	Subsystem bool
	// TerminalType overrides the Control's terminal type for this session.
	TerminalType string

	Stdin  *pipe.Pipe
	Stdout *pipe.Pipe
	Stderr *pipe.Pipe
}

func NewCommand(command string) *Command {
	return &Command{Command: command}
}

// SetEnv sets key to value, replacing an earlier entry for the same key.
func (c *Command) SetEnv(key, value string) *Command {
	c.UnsetEnv(key)
	c.Env = append(c.Env, key+"="+value)
	return c
}

func (c *Command) UnsetEnv(key string) *Command {
	prefix := key + "="
	kept := c.Env[:0]
	for _, e := range c.Env {
		if !strings.HasPrefix(e, prefix) {
			kept = append(kept, e)
		}
	}
	c.Env = kept
	return c
}

// CopyEnv adds the calling process's environment.
func (c *Command) CopyEnv() *Command {
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			c.SetEnv(k, v)
		}
	}
	return c
}

// closePipes releases every end the command still holds.
func (c *Command) closePipes() {
	for _, p := range []*pipe.Pipe{c.Stdin, c.Stdout, c.Stderr} {
		if p != nil {
			p.Close()
		}
	}
}

// Session is a remote session started by NewSession.
//
// Each stream field is nil unless the command supplied a pipe for it. The caller owns the non-nil ends.
type Session struct {
	ID uint32

	Stdin  *pipe.WriteEnd
	Stdout *pipe.ReadEnd
	Stderr *pipe.ReadEnd

	devNull   *os.File
	exited    bool
	exitValue uint32
}

// ExitValue returns the remote exit status, and false until Wait has seen the session exit.
func (s *Session) ExitValue() (uint32, bool) {
	return s.exitValue, s.exited
}

func (s *Session) exit(value uint32) {
	s.exited = true
	s.exitValue = value
	s.releaseDevNull()
}

func (s *Session) releaseDevNull() {
	if s.devNull != nil {
		s.devNull.Close()
		s.devNull = nil
	}
}

// Close releases the local ends of the session's streams. It does not stop the remote command.
func (s *Session) Close() error {
	if s.Stdin != nil {
		s.Stdin.Close()
	}
	if s.Stdout != nil {
		s.Stdout.Close()
	}
	if s.Stderr != nil {
		s.Stderr.Close()
	}
	s.releaseDevNull()
	return nil
}
