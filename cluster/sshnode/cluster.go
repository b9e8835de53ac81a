// Package sshnode implements a cluster whose nodes are hosts behind already running ssh control masters.
//
// The package never starts ssh itself. Each node is identified by the path of its master's control socket, as
// configured with ControlPath in ssh_config or -S on the command line.
package sshnode

import (
	"context"
	"errors"
	"fmt"

	clusteriface "github.com/guseggert/sshmux/cluster"
	"github.com/guseggert/sshmux/control"
	"go.uber.org/zap"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("sshnode")
}

// ErrNoControlPaths is returned by NewNodes when every control path is already in use.
var ErrNoControlPaths = errors.New("no unused control paths")

// Cluster hands out one node per control path, in the order the paths were given.
type Cluster struct {
	controlPaths []string
	nodes        []*Node
	env          []string
	terminate    bool
	log          *zap.SugaredLogger
	controlOpts  []control.Option
}

type Option func(c *Cluster)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Cluster) { c.log = l.Named("sshnode") }
}

// WithEnv adds KEY=VALUE entries to the environment of every process started on the cluster's nodes.
func WithEnv(env ...string) Option {
	return func(c *Cluster) { c.env = append(c.env, env...) }
}

// WithTerminateOnCleanup makes Cleanup ask every master to exit.
func WithTerminateOnCleanup() Option {
	return func(c *Cluster) { c.terminate = true }
}

// WithControlOptions sets the options used for every control connection.
func WithControlOptions(opts ...control.Option) Option {
	return func(c *Cluster) { c.controlOpts = append(c.controlOpts, opts...) }
}

func NewCluster(controlPaths []string, opts ...Option) *Cluster {
	c := &Cluster{
		controlPaths: controlPaths,
		log:          defaultLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewNodes returns nodes for the next n control paths, after checking that each master answers.
func (c *Cluster) NewNodes(ctx context.Context, n int) (clusteriface.Nodes, error) {
	startID := len(c.nodes)
	if startID+n > len(c.controlPaths) {
		return nil, fmt.Errorf("requested %d nodes with %d of %d in use: %w", n, startID, len(c.controlPaths), ErrNoControlPaths)
	}

	var newNodes clusteriface.Nodes
	for i := 0; i < n; i++ {
		id := startID + i
		node := &Node{
			ID:              id,
			ControlPath:     c.controlPaths[id],
			Env:             c.env,
			TerminateOnStop: c.terminate,
			Log:             c.log.With("node", id),
			controlOpts:     c.controlOpts,
		}
		pid, err := node.CheckAlive(ctx)
		if err != nil {
			return nil, fmt.Errorf("checking node %d: %w", id, err)
		}
		node.Log.Debugf("master at %s is alive with pid %d", node.ControlPath, pid)

		newNodes = append(newNodes, node)
		c.nodes = append(c.nodes, node)
	}
	return newNodes, nil
}

func (c *Cluster) Cleanup(ctx context.Context) error {
	for _, node := range c.nodes {
		err := node.Stop(ctx)
		if err != nil {
			return fmt.Errorf("stopping node %d: %w", node.ID, err)
		}
	}
	return nil
}
