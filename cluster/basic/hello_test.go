package basic

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/guseggert/sshmux/cluster"
	"github.com/guseggert/sshmux/internal/muxtest"
	"github.com/guseggert/sshmux/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// echoFile plays a master that stores what one command receives on stdin and replays it to the next command's stdout.
func echoFile() []func(p *muxtest.Peer) error {
	var stored []byte
	return []func(p *muxtest.Peer) error{
		func(p *muxtest.Peer) error {
			if err := p.Handshake(protocol.Version); err != nil {
				return err
			}
			if _, err := p.ReadRequest(); err != nil {
				return err
			}
			return p.Send(&protocol.Alive{ClientRequestID: 1, ServerPID: 1})
		},
		sessionScript(func(stdin io.Reader, stdout io.Writer) (err error) {
			stored, err = io.ReadAll(stdin)
			return err
		}),
		sessionScript(func(stdin io.Reader, stdout io.Writer) error {
			_, err := stdout.Write(stored)
			return err
		}),
	}
}

func sessionScript(script func(stdin io.Reader, stdout io.Writer) error) func(p *muxtest.Peer) error {
	return func(p *muxtest.Peer) error {
		if err := p.Handshake(protocol.Version); err != nil {
			return err
		}
		if _, err := p.ReadRequest(); err != nil {
			return err
		}
		fds, err := p.ReceiveFDs(3)
		if err != nil {
			return err
		}
		if err := p.Send(&protocol.SessionOpened{ClientRequestID: 1, SessionID: 1}); err != nil {
			return err
		}
		err = script(fds[0], fds[1])
		for _, f := range fds {
			f.Close()
		}
		if err != nil {
			return err
		}
		return p.Send(&protocol.ExitMessage{SessionID: 1})
	}
}

// TestHello writes a file on several nodes at once and cats it back, against real masters when
// SSHMUX_TEST_CONTROL_PATHS lists their sockets and against scripted ones otherwise.
func TestHello(t *testing.T) {
	var paths []string
	if env := os.Getenv("SSHMUX_TEST_CONTROL_PATHS"); env != "" {
		paths = strings.Split(env, ":")
	} else {
		for i := 0; i < 3; i++ {
			l := muxtest.Listen(t)
			t.Cleanup(l.Serve(t, echoFile()...))
			paths = append(paths, l.Path)
		}
	}

	c := NewSSH(paths)
	t.Cleanup(c.MustCleanup)
	nodes := c.MustNewNodes(len(paths))

	group, groupCtx := errgroup.WithContext(context.Background())
	for _, node := range nodes {
		node := node.Context(groupCtx)
		group.Go(func() error {
			filePath := "/tmp/sshmux-hello"
			err := node.SendFile(filePath, bytes.NewBufferString("hello"))
			if err != nil {
				return err
			}

			stdout := &bytes.Buffer{}
			res, err := node.Run(cluster.StartProcRequest{
				Command: "cat",
				Args:    []string{filePath},
				Stdout:  stdout,
			})
			if err != nil {
				return err
			}
			assert.Equal(t, 0, res.ExitCode)
			assert.Equal(t, "hello", stdout.String())
			return nil
		})
	}
	require.NoError(t, group.Wait())
}
