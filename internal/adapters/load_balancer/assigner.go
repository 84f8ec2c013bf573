package load_balancer

import (
	"sort"
	"sync"
)

// Assigner decides locally which node owns a key, using a weighted hash ring of node ids.
type Assigner struct {
	nodeID string
	mu     sync.RWMutex
	ring   *WeightedHashRing[string]
}

func NewAssigner(nodeID string, opts ...RingOption) *Assigner {
	return &Assigner{
		nodeID: nodeID,
		ring:   NewWeightedHashRing[string](opts...),
	}
}

func (a *Assigner) NodeID() string {
	return a.nodeID
}

func (a *Assigner) AddNode(nodeID string, weight int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ring.AddRoute(nodeID, weight)
}

func (a *Assigner) RemoveNode(nodeID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ring.RemoveRoute(nodeID)
}

// Nodes returns the ids of all known nodes, sorted.
func (a *Assigner) Nodes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	routes := a.ring.Routes()
	out := make([]string, 0, len(routes))
	for id := range routes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NodeFor returns the owner of key. domain.ErrNoRoutes is returned while no node is known.
func (a *Assigner) NodeFor(key string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ring.Select(key)
}

func (a *Assigner) IsOwner(key string) (bool, error) {
	node, err := a.NodeFor(key)
	if err != nil {
		return false, err
	}
	return node == a.nodeID, nil
}

// Reset replaces the whole node set atomically.
func (a *Assigner) Reset(weights map[string]int) error {
	next := NewWeightedHashRing[string](WithDigest(a.ring.digest))

	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := next.AddRoute(id, weights[id]); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.ring = next
	a.mu.Unlock()
	return nil
}
