package control

import (
	"os"
	"testing"

	"github.com/guseggert/sshmux/internal/muxtest"
	"github.com/guseggert/sshmux/pipe"
	"github.com/guseggert/sshmux/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardLifecycle(t *testing.T) {
	local := protocol.Forward{Type: protocol.ForwardLocal, ListenHost: "127.0.0.1", ListenPort: 8080, ConnectHost: "db", ConnectPort: 5432}
	remote := protocol.Forward{Type: protocol.ForwardRemote, ListenHost: "", ListenPort: 0, ConnectHost: "localhost", ConnectPort: 80}

	c, wait := connect(t, func(p *muxtest.Peer) error {
		steps := []struct {
			req  protocol.Request
			resp protocol.Response
		}{
			{&protocol.OpenForward{RequestID: 1, Forward: local}, &protocol.Ok{ClientRequestID: 1}},
			{&protocol.OpenForward{RequestID: 2, Forward: remote}, &protocol.RemotePort{ClientRequestID: 2, AllocatedPort: 40000}},
			{&protocol.CloseForward{RequestID: 3, Forward: local}, &protocol.Ok{ClientRequestID: 3}},
			{&protocol.CloseForward{RequestID: 4, Forward: local}, &protocol.Failure{ClientRequestID: 4, Reason: "no such forward"}},
			{&protocol.StopListening{RequestID: 5}, &protocol.Ok{ClientRequestID: 5}},
			{&protocol.Terminate{RequestID: 6}, &protocol.PermissionDenied{ClientRequestID: 6, Reason: "confirmation refused"}},
			{&protocol.Terminate{RequestID: 7}, &protocol.Ok{ClientRequestID: 7}},
		}
		for _, s := range steps {
			req, err := p.ReadRequest()
			if err != nil {
				return err
			}
			assert.Equal(t, s.req, req)
			if err := p.Send(s.resp); err != nil {
				return err
			}
		}
		return nil
	})

	port, err := c.OpenForward(local)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), port)

	port, err = c.OpenForward(remote)
	require.NoError(t, err)
	assert.Equal(t, uint32(40000), port)

	require.NoError(t, c.CloseForward(local))

	err = c.CloseForward(local)
	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "no such forward", failure.Reason)

	require.NoError(t, c.StopListening())

	err = c.Terminate()
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)

	require.NoError(t, c.Terminate())
	wait()
}

func TestNewStdioForward(t *testing.T) {
	in, err := pipe.New()
	require.NoError(t, err)
	out, err := pipe.New()
	require.NoError(t, err)
	defer in.Close()
	defer out.Close()

	c, wait := connect(t, func(p *muxtest.Peer) error {
		req, err := p.ReadRequest()
		if err != nil {
			return err
		}
		assert.Equal(t, &protocol.NewStdioForward{RequestID: 1, ConnectHost: "example.com", ConnectPort: 22}, req)

		fds, err := p.ReceiveFDs(2)
		if err != nil {
			return err
		}
		defer func() {
			for _, f := range fds {
				f.Close()
			}
		}()

		buf := make([]byte, 4)
		n, err := fds[0].Read(buf)
		if err != nil {
			return err
		}
		assert.Equal(t, "ping", string(buf[:n]))
		if _, err := fds[1].Write([]byte("pong")); err != nil {
			return err
		}
		return p.Send(&protocol.SessionOpened{ClientRequestID: 1, SessionID: 3})
	})

	_, err = in.Write.Write([]byte("ping"))
	require.NoError(t, err)

	id, err := c.NewStdioForward("example.com", 22, pipe.WithEnds(in.Read, out.Write))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)
	wait()

	buf := make([]byte, 4)
	n, err := out.Read.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestNewStdioForwardRejectsUnusablePipes(t *testing.T) {
	c, wait := connect(t, func(p *muxtest.Peer) error {
		return answerAlive(t, p, 1)
	})

	closed, err := pipe.New()
	require.NoError(t, err)
	closed.Close()
	_, err = c.NewStdioForward("example.com", 22, closed)
	assert.ErrorIs(t, err, os.ErrClosed)

	half, err := pipe.New()
	require.NoError(t, err)
	defer half.Close()
	_, err = c.NewStdioForward("example.com", 22, pipe.WithEnds(half.Read, nil))
	assert.ErrorContains(t, err, "forward pipe has no write end")

	// nothing was sent, so the first request on the wire is the alive check
	_, err = c.CheckAlive()
	require.NoError(t, err)
	wait()
}

func TestParseForward(t *testing.T) {
	cases := []struct {
		name string
		typ  protocol.ForwardType
		spec string
		want protocol.Forward
	}{
		{"local", protocol.ForwardLocal, "8080:db:5432", protocol.Forward{Type: protocol.ForwardLocal, ListenPort: 8080, ConnectHost: "db", ConnectPort: 5432}},
		{"local with bind", protocol.ForwardLocal, "127.0.0.1:8080:db:5432", protocol.Forward{Type: protocol.ForwardLocal, ListenHost: "127.0.0.1", ListenPort: 8080, ConnectHost: "db", ConnectPort: 5432}},
		{"ipv6", protocol.ForwardRemote, "[::1]:0:[fe80::1]:22", protocol.Forward{Type: protocol.ForwardRemote, ListenHost: "::1", ListenPort: 0, ConnectHost: "fe80::1", ConnectPort: 22}},
		{"socket target", protocol.ForwardLocal, "8080:/run/app.sock", protocol.Forward{Type: protocol.ForwardLocal, ListenPort: 8080, ConnectHost: "/run/app.sock", ConnectPort: protocol.PortStreamLocal}},
		{"socket listener", protocol.ForwardRemote, "/tmp/l.sock:localhost:80", protocol.Forward{Type: protocol.ForwardRemote, ListenHost: "/tmp/l.sock", ListenPort: protocol.PortStreamLocal, ConnectHost: "localhost", ConnectPort: 80}},
		{"dynamic", protocol.ForwardDynamic, "1080", protocol.Forward{Type: protocol.ForwardDynamic, ListenPort: 1080}},
		{"dynamic with bind", protocol.ForwardDynamic, "localhost:1080", protocol.Forward{Type: protocol.ForwardDynamic, ListenHost: "localhost", ListenPort: 1080}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseForward(c.typ, c.spec)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}

	for _, bad := range []string{"8080:db", "x:db:22", "8080:db:99999", "[::1:80:h:1", "1:2:3:4:5"} {
		_, err := ParseForward(protocol.ForwardLocal, bad)
		assert.Error(t, err, bad)
	}
	_, err := ParseForward(protocol.ForwardType(9), "1080")
	assert.Error(t, err)
}
