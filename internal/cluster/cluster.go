// Package cluster provides distributed coordination for multiple runtime
// instances sharing the same replicated memory spaces, using the alan UDP
// peer discovery library. It wraps alan to provide:
//   - A per-space exclusive write lock for the transaction processor
//   - Broadcasting branch-head advances to all peers so their local caches
//     know to re-fetch before serving a read
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

const (
	// lockPrefix namespaces per-space write locks from any other use of
	// the alan lock keyspace.
	lockPrefix = "space-write:"

	// msgTypeHeadsAdvanced identifies a branch-head-advanced broadcast.
	msgTypeHeadsAdvanced = "heads-advanced"
)

// clusterMessage is the JSON envelope for messages sent between peers.
type clusterMessage struct {
	Type   string   `json:"type"`
	Space  string   `json:"space,omitempty"`
	Branch string   `json:"branch,omitempty"`
	Heads  []string `json:"heads,omitempty"`
}

// Cluster wraps an alan instance with runtime-specific distributed
// coordination.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration.
// Returns nil, nil if cfg is nil (clustering disabled; single-instance mode).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins the alan peer discovery system in the background.
// onHeadsAdvanced is invoked when a peer broadcasts that a branch's heads
// moved, so a local subscription engine can re-validate cached reads.
//
// Start blocks until the context is cancelled. It should be run in a goroutine.
func (c *Cluster) Start(ctx context.Context, onHeadsAdvanced func(space, branch string, heads []string)) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})

	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	handler := func(_ context.Context, msg alan.Message) {
		var cm clusterMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			slog.Warn("cluster: invalid message", "from", msg.Addr, "error", err)
			return
		}

		switch cm.Type {
		case msgTypeHeadsAdvanced:
			if onHeadsAdvanced != nil {
				onHeadsAdvanced(cm.Space, cm.Branch, cm.Heads)
			}

			if msg.IsRequest() {
				c.alan.Reply(msg, []byte("ok")) //nolint:errcheck
			}

		default:
			slog.Debug("cluster: unknown message type", "type", cm.Type, "from", msg.Addr)
		}
	}

	return c.alan.Start(ctx, handler)
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// LockSpace acquires the distributed exclusive write lock for a memory
// space, used by the transaction processor to serialize commits across
// replicas. Blocks until acquired or the context is cancelled.
func (c *Cluster) LockSpace(ctx context.Context, space string) error {
	return c.alan.Lock(ctx, lockPrefix+space)
}

// UnlockSpace releases the distributed write lock for a memory space.
func (c *Cluster) UnlockSpace(space string) error {
	return c.alan.Unlock(lockPrefix + space)
}

// BroadcastHeadsAdvanced tells peers that a branch's heads moved after a
// commit, so they know to discard any point-in-time reads cached against
// the old heads. Best-effort: logs but does not fail the caller's commit
// if some peers don't acknowledge in time.
func (c *Cluster) BroadcastHeadsAdvanced(ctx context.Context, space, branch string, heads []string) error {
	peers := c.alan.Peers()
	if len(peers) == 0 {
		return nil
	}

	cm := clusterMessage{
		Type:   msgTypeHeadsAdvanced,
		Space:  space,
		Branch: branch,
		Heads:  heads,
	}

	data, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	replies, err := c.alan.SendAndWaitReply(broadcastCtx, data)
	if err != nil && ctx.Err() == nil {
		slog.Warn("cluster: heads-advanced broadcast incomplete", "space", space, "branch", branch, "error", err)
	}

	if len(replies) < len(peers) {
		slog.Debug("cluster: not all peers acknowledged heads advance",
			"space", space, "branch", branch, "expected", len(peers), "received", len(replies))
	}

	return nil
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}
