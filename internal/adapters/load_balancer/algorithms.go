package load_balancer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

// LoadBalancingStrategy picks the worker that should own a routing key.
type LoadBalancingStrategy interface {
	SelectNode(ctx context.Context, nodes []NodeMetrics, key string) (string, error)
	GetAlgorithmMetrics() map[string]interface{}
}

type NodeMetrics struct {
	NodeID      string    `json:"node_id"`
	Capacity    float64   `json:"capacity"`
	ActiveTasks int       `json:"active_tasks"`
	LastUpdated time.Time `json:"last_updated"`
	Available   bool      `json:"available"`
}

// WeightedHashStrategy routes keys over a weighted hash ring built from the available
// nodes, each weighted by its rounded capacity (at least 1). The ring is rebuilt only
// when the node set or a weight changes.
type WeightedHashStrategy struct {
	mu        sync.Mutex
	ring      *WeightedHashRing[string]
	signature string
	rebuilds  int
	logger    *slog.Logger
}

func NewWeightedHashStrategy(logger *slog.Logger) *WeightedHashStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeightedHashStrategy{
		logger: logger.With("component", "load-balancer", "algorithm", "weighted_hash"),
	}
}

func (s *WeightedHashStrategy) SelectNode(ctx context.Context, nodes []NodeMetrics, key string) (string, error) {
	availableNodes := filterAvailableNodes(nodes)
	if len(availableNodes) == 0 {
		return "", domain.NewResourceError("no available nodes", domain.ErrNoRoutes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if signature := ringSignature(availableNodes); signature != s.signature || s.ring == nil {
		if err := s.rebuildRing(availableNodes); err != nil {
			return "", err
		}
		s.signature = signature
	}

	selected, err := s.ring.Select(key)
	if err != nil {
		return "", err
	}

	s.logger.Debug("weighted hash selection",
		"selected_node", selected,
		"key", key,
		"ring_points", s.ring.PointCount())

	return selected, nil
}

func (s *WeightedHashStrategy) rebuildRing(nodes []NodeMetrics) error {
	ring := NewWeightedHashRing[string]()
	for _, node := range nodes {
		if err := ring.AddRoute(node.NodeID, nodeWeight(node)); err != nil {
			return err
		}
	}
	s.ring = ring
	s.rebuilds++
	return nil
}

func (s *WeightedHashStrategy) GetAlgorithmMetrics() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ringSize := 0
	if s.ring != nil {
		ringSize = s.ring.PointCount()
	}
	return map[string]interface{}{
		"algorithm":        "weighted_hash",
		"ring_size":        ringSize,
		"points_per_unit":  PointsPerWeight,
		"ring_rebuilds":    s.rebuilds,
		"ring_fingerprint": s.signature,
	}
}

func nodeWeight(node NodeMetrics) int {
	weight := int(math.Round(node.Capacity))
	if weight < 1 {
		weight = 1
	}
	return weight
}

// ringSignature is order independent so callers may pass nodes in any order.
func ringSignature(nodes []NodeMetrics) string {
	parts := make([]string, 0, len(nodes))
	for _, node := range nodes {
		parts = append(parts, fmt.Sprintf("%s=%d", node.NodeID, nodeWeight(node)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func filterAvailableNodes(nodes []NodeMetrics) []NodeMetrics {
	available := make([]NodeMetrics, 0, len(nodes))
	for _, node := range nodes {
		if node.Available {
			available = append(available, node)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].NodeID < available[j].NodeID
	})
	return available
}
