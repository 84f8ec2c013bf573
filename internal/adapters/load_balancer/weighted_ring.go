package load_balancer

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
)

// PointsPerWeight is the number of virtual points one unit of weight puts on the ring.
const PointsPerWeight = 20

type Digest func(data []byte) [16]byte

type ringPoint[T any] struct {
	hash      int64
	canonical string
	target    T
}

// WeightedHashRing maps string keys onto weighted route targets. Each unit of weight
// contributes PointsPerWeight points, two per 128-bit digest, ordered as signed 64-bit
// integers. A point that collides with an existing one replaces it.
type WeightedHashRing[T any] struct {
	mu      sync.RWMutex
	points  []ringPoint[T]
	weights map[string]int
	digest  Digest
}

type RingOption func(*ringOptions)

type ringOptions struct {
	digest Digest
}

// WithDigest replaces MD5 as the 128-bit digest.
func WithDigest(digest Digest) RingOption {
	return func(o *ringOptions) {
		if digest != nil {
			o.digest = digest
		}
	}
}

func NewWeightedHashRing[T any](opts ...RingOption) *WeightedHashRing[T] {
	options := ringOptions{digest: md5.Sum}
	for _, opt := range opts {
		opt(&options)
	}

	return &WeightedHashRing[T]{
		weights: make(map[string]int),
		digest:  options.digest,
	}
}

// AddRoute registers target with weight. Adding the same target again with a larger
// weight adds the missing points; the points of a smaller weight are kept.
func (r *WeightedHashRing[T]) AddRoute(target T, weight int) error {
	if weight <= 0 {
		return domain.NewValidationError("route weight must be positive", domain.ErrInvalidInput,
			domain.WithComponent("load_balancer.WeightedHashRing"),
			domain.WithContextDetail("target", fmt.Sprint(target)),
			domain.WithContextDetail("weight", weight))
	}

	canonical := fmt.Sprint(target)
	keys := r.virtualKeys(canonical, weight)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.weights[canonical] = weight
	for _, key := range keys {
		r.insertLocked(ringPoint[T]{hash: key, canonical: canonical, target: target})
	}
	return nil
}

// RemoveRoute drops every point currently owned by target.
func (r *WeightedHashRing[T]) RemoveRoute(target T) bool {
	canonical := fmt.Sprint(target)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.weights[canonical]; !ok {
		return false
	}
	delete(r.weights, canonical)

	kept := make([]ringPoint[T], 0, len(r.points))
	for _, p := range r.points {
		if p.canonical != canonical {
			kept = append(kept, p)
		}
	}
	r.points = kept
	return true
}

// Select returns the target owning the first point at or after the key's probe,
// wrapping around to the lowest point.
func (r *WeightedHashRing[T]) Select(key string) (T, error) {
	sum := r.digest([]byte(key))
	probe := halves(sum)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if len(r.points) == 0 {
		return zero, domain.ErrNoRoutes
	}

	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= probe
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].target, nil
}

// Routes returns the configured weight of every target, keyed by its string form.
func (r *WeightedHashRing[T]) Routes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.weights))
	for k, v := range r.weights {
		out[k] = v
	}
	return out
}

func (r *WeightedHashRing[T]) PointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// PointsFor counts the points currently owned by target.
func (r *WeightedHashRing[T]) PointsFor(target T) int {
	canonical := fmt.Sprint(target)

	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, p := range r.points {
		if p.canonical == canonical {
			count++
		}
	}
	return count
}

func (r *WeightedHashRing[T]) virtualKeys(canonical string, weight int) []int64 {
	n := PointsPerWeight * weight / 2
	keys := make([]int64, 0, 2*n)
	for i := 0; i < n; i++ {
		sum := r.digest([]byte(canonical + strconv.Itoa(i)))
		keys = append(keys,
			int64(binary.BigEndian.Uint64(sum[0:8])),
			int64(binary.BigEndian.Uint64(sum[8:16])))
	}
	return keys
}

func (r *WeightedHashRing[T]) insertLocked(p ringPoint[T]) {
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= p.hash
	})
	if idx < len(r.points) && r.points[idx].hash == p.hash {
		r.points[idx] = p
		return
	}

	r.points = append(r.points, ringPoint[T]{})
	copy(r.points[idx+1:], r.points[idx:])
	r.points[idx] = p
}

func halves(sum [16]byte) int64 {
	hi := int64(binary.BigEndian.Uint64(sum[0:8]))
	lo := int64(binary.BigEndian.Uint64(sum[8:16]))
	return hi ^ lo
}
