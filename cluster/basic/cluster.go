package basic

import (
	"context"
	"fmt"

	clusteriface "github.com/guseggert/sshmux/cluster"
	"github.com/guseggert/sshmux/cluster/sshnode"
	"go.uber.org/zap"
)

// Cluster wraps a clusteriface.Cluster. Every call uses Ctx.
type Cluster struct {
	Cluster clusteriface.Cluster
	Log     *zap.SugaredLogger
	Ctx     context.Context
}

func New(c clusteriface.Cluster) *Cluster {
	return &Cluster{
		Cluster: c,
		Log:     defaultLogger,
		Ctx:     context.Background(),
	}
}

// NewSSH returns a Cluster over the control masters listening on controlPaths.
func NewSSH(controlPaths []string, opts ...sshnode.Option) *Cluster {
	return New(sshnode.NewCluster(controlPaths, opts...))
}

func (c *Cluster) WithLogger(l *zap.SugaredLogger) *Cluster {
	c.Log = l.Named(loggerName)
	return c
}

// Context returns a copy of c that uses ctx.
func (c *Cluster) Context(ctx context.Context) *Cluster {
	newC := *c
	newC.Ctx = ctx
	return &newC
}

func (c *Cluster) NewNode() (*Node, error) {
	nodes, err := c.NewNodes(1)
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, fmt.Errorf("expected 1 node, got %d", len(nodes))
	}
	return nodes[0], nil
}

func (c *Cluster) MustNewNode() *Node { return Must2(c.NewNode()) }

func (c *Cluster) NewNodes(n int) ([]*Node, error) {
	nodes, err := c.Cluster.NewNodes(c.Ctx, n)
	if err != nil {
		return nil, err
	}
	wrapped := make([]*Node, len(nodes))
	for i, node := range nodes {
		wrapped[i] = &Node{
			Node: node,
			Log:  c.Log.Named("node"),
			Ctx:  c.Ctx,
		}
	}
	return wrapped, nil
}

func (c *Cluster) MustNewNodes(n int) []*Node { return Must2(c.NewNodes(n)) }

func (c *Cluster) Cleanup() error {
	return c.Cluster.Cleanup(c.Ctx)
}

func (c *Cluster) MustCleanup() { Must(c.Cleanup()) }
