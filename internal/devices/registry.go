package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/cloud"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"go.uber.org/zap"
)

// NodeFetcher reads nodes from the cloud.
type NodeFetcher interface {
	GetNodes(ctx context.Context) ([]types.Node, error)
	GetNode(ctx context.Context, nodeID string) (types.Node, error)
}

// NodeCache persists the last node list that was fetched.
type NodeCache interface {
	SaveNodes(ctx context.Context, nodes []types.Node) error
	SaveNode(ctx context.Context, node types.Node) error
	LoadNodes(ctx context.Context) ([]types.Node, time.Time, error)
}

// Registry holds the account's nodes as last fetched.
type Registry struct {
	fetcher NodeFetcher
	cache   NodeCache
	nodes   map[string]*types.Node
	local   map[string]bool
	stale   bool
	fetched time.Time
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewRegistry(fetcher NodeFetcher, cache NodeCache, logger *zap.Logger) *Registry {
	return &Registry{
		fetcher: fetcher,
		cache:   cache,
		nodes:   make(map[string]*types.Node),
		local:   make(map[string]bool),
		logger:  logger,
	}
}

// RefreshNodes fetches every node. When the cloud cannot be reached the
// cached snapshot is served and the error still wraps cloud.ErrNoNetwork.
func (r *Registry) RefreshNodes(ctx context.Context) ([]types.Node, error) {
	nodes, err := r.fetcher.GetNodes(ctx)
	if err != nil {
		if errors.Is(err, cloud.ErrNoNetwork) && r.cache != nil {
			cached, fetchedAt, cacheErr := r.cache.LoadNodes(ctx)
			if cacheErr != nil {
				r.logger.Warn("Failed to load cached nodes", zap.Error(cacheErr))
				return nil, err
			}
			r.replace(cached, fetchedAt, true)
			r.logger.Warn("Cloud unreachable, serving cached nodes",
				zap.Int("count", len(cached)),
				zap.Time("fetched_at", fetchedAt))
			return r.ListNodes(), fmt.Errorf("serving cached nodes: %w", err)
		}
		return nil, err
	}

	r.replace(nodes, time.Now(), false)

	if r.cache != nil {
		if err := r.cache.SaveNodes(ctx, nodes); err != nil {
			r.logger.Warn("Failed to cache nodes", zap.Error(err))
		}
	}

	r.logger.Info("Nodes refreshed", zap.Int("count", len(nodes)))
	return r.ListNodes(), nil
}

// RefreshNode fetches a single node and replaces it in the registry.
func (r *Registry) RefreshNode(ctx context.Context, nodeID string) (*types.Node, error) {
	node, err := r.fetcher.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	node.LocalNetwork = r.local[node.ID]
	r.nodes[node.ID] = &node
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.SaveNode(ctx, node); err != nil {
			r.logger.Warn("Failed to cache node", zap.String("node_id", node.ID), zap.Error(err))
		}
	}

	c := node
	return &c, nil
}

func (r *Registry) replace(nodes []types.Node, fetchedAt time.Time, stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]*types.Node, len(nodes))
	for i := range nodes {
		node := nodes[i]
		node.LocalNetwork = r.local[node.ID]
		r.nodes[node.ID] = &node
	}
	r.stale = stale
	r.fetched = fetchedAt
}

// Node returns a copy of the node.
func (r *Registry) Node(id string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[id]
	if !exists {
		return nil, false
	}
	c := *node
	return &c, true
}

// ListNodes returns all nodes ordered by id.
func (r *Registry) ListNodes() []types.Node {
	r.mu.RLock()
	nodes := make([]types.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, *node)
	}
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// AdjustScheduleCount keeps the capacity check current between refreshes.
func (r *Registry) AdjustScheduleCount(nodeID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return
	}
	node.CurrentSchedulesCount = max(0, node.CurrentSchedulesCount+delta)
}

// MarkLocal records the nodes currently seen on the local network.
func (r *Registry) MarkLocal(nodeIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.local = make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		r.local[id] = true
	}
	for id, node := range r.nodes {
		node.LocalNetwork = r.local[id]
	}
}

// Stale reports whether the nodes come from the cache, and when they were
// fetched.
func (r *Registry) Stale() (bool, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale, r.fetched
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
