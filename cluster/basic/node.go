package basic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	clusteriface "github.com/guseggert/sshmux/cluster"
	"go.uber.org/zap"
)

// Node wraps a clusteriface.Node. Every call uses Ctx.
type Node struct {
	Node clusteriface.Node
	Ctx  context.Context
	Log  *zap.SugaredLogger
}

func (n *Node) Context(ctx context.Context) *Node {
	newN := *n
	newN.Ctx = ctx
	return &newN
}

func (n *Node) StartProc(req clusteriface.StartProcRequest) (*Process, error) {
	proc, err := n.Node.StartProc(n.Ctx, req)
	if err != nil {
		return nil, err
	}
	return &Process{Process: proc, Ctx: n.Ctx}, nil
}

func (n *Node) MustStartProc(req clusteriface.StartProcRequest) *Process { return Must2(n.StartProc(req)) }

// Run starts the command and waits for it. A non-zero exit code is an error.
func (n *Node) Run(req clusteriface.StartProcRequest) (*clusteriface.ProcessResult, error) {
	proc, err := n.StartProc(req)
	if err != nil {
		return nil, err
	}
	res, err := proc.Wait()
	if err != nil {
		return nil, fmt.Errorf("waiting for process to exit: %w", err)
	}
	n.Log.Debugf("%s exited with %d after %dms", req.Command, res.ExitCode, res.TimeMS)
	if res.ExitCode != 0 {
		return res, fmt.Errorf("non-zero exit code %d", res.ExitCode)
	}
	return res, nil
}

func (n *Node) MustRun(req clusteriface.StartProcRequest) *clusteriface.ProcessResult {
	return Must2(n.Run(req))
}

// Output runs the command and returns its stdout. On failure the error carries its stderr.
func (n *Node) Output(command string, args ...string) ([]byte, error) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	_, err := n.Run(clusteriface.StartProcRequest{
		Command: command,
		Args:    args,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("running %s: %w: %s", command, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func (n *Node) MustOutput(command string, args ...string) []byte {
	return Must2(n.Output(command, args...))
}

func (n *Node) SendFile(filePath string, contents io.Reader) error {
	return n.Node.SendFile(n.Ctx, filePath, contents)
}

func (n *Node) MustSendFile(filePath string, contents io.Reader) { Must(n.SendFile(filePath, contents)) }

func (n *Node) ReadFile(filePath string) (io.ReadCloser, error) {
	return n.Node.ReadFile(n.Ctx, filePath)
}

func (n *Node) MustReadFile(filePath string) io.ReadCloser { return Must2(n.ReadFile(filePath)) }

func (n *Node) Dial(network, addr string) (net.Conn, error) {
	return n.Node.Dial(n.Ctx, network, addr)
}

func (n *Node) MustDial(network, addr string) net.Conn { return Must2(n.Dial(network, addr)) }

func (n *Node) Stop() error {
	return n.Node.Stop(n.Ctx)
}
