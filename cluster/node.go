package cluster

import (
	"context"
	"io"
	"net"
)

type StartProcRequest struct {
	Command string
	Args    []string
	// Env holds KEY=VALUE entries. The remote sshd only accepts the names listed in its AcceptEnv.
	Env []string
	WD  string
	// TTY requests a pseudo-terminal for the process.
	TTY bool

	// A nil stream is connected to /dev/null on the node.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type ProcessResult struct {
	ExitCode int
	TimeMS   int64
}

type Process interface {
	// Wait blocks until the process exits and all of its output has been copied.
	Wait(ctx context.Context) (*ProcessResult, error)
}

// Node is a host reachable through an ssh control master.
type Node interface {
	StartProc(ctx context.Context, req StartProcRequest) (Process, error)
	SendFile(ctx context.Context, filePath string, contents io.Reader) error
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	// Dial opens a connection from the node to addr.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	Stop(ctx context.Context) error
}

type Nodes []Node
