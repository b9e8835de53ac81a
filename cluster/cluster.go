package cluster

import "context"

// Cluster is a set of nodes reachable through ssh control masters.
// Cluster implementations are generally not goroutine-safe.
type Cluster interface {
	// NewNodes adds n nodes to the cluster and returns once they answer.
	NewNodes(ctx context.Context, n int) (Nodes, error)

	// Cleanup stops every node the cluster handed out.
	Cleanup(ctx context.Context) error
}
