// Package nodecache implements the shared, concurrently read/written
// ranking store of candidate upstream RPC nodes (spec.md §4.3). It is the
// single piece of shared mutable state besides the admission queue: one
// sync.RWMutex-guarded map, many readers, exclusive writers.
package nodecache

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// topK is the pool size select_fast samples uniformly from. Hardcoded per
// spec.md §4.3 and §9 ("K value (20) is a policy constant worth exposing
// as config in a real deployment but is hardcoded here").
const topK = 20

// Node is the central entity of the cache: one upstream RPC endpoint and
// its most recently observed health.
type Node struct {
	Endpoint     string
	LastSeen     time.Time
	ResponseTime time.Duration // meaningful only when HasResponseTime is true
	HasResponseTime bool
	IsActive     bool
}

// Cache is a keyed store from endpoint to Node. All mutating operations
// take the write lock; reads take the read lock and release it before any
// further work (selection sorts a copy, so it never blocks writers longer
// than the snapshot itself).
type Cache struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	rng   *rand.Rand
	rngMu sync.Mutex
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		nodes: make(map[string]*Node),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Upsert inserts or overwrites the entry for endpoint, per spec.md §4.3:
// last_seen is always bumped to now; is_active is stored as given;
// response_time is stored only when isActive is true, otherwise the entry
// carries no response time (treated by SelectFast as "no data", the worst
// case, never crashing the sort).
func (c *Cache) Upsert(endpoint string, isActive bool, responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[endpoint]
	if !ok {
		n = &Node{Endpoint: endpoint}
		c.nodes[endpoint] = n
	}
	n.IsActive = isActive
	n.LastSeen = time.Now()
	if isActive {
		n.ResponseTime = responseTime
		n.HasResponseTime = true
	} else {
		n.ResponseTime = 0
		n.HasResponseTime = false
	}
}

// Remove deletes the entry for endpoint if present. This is the only
// operation that shrinks the cache; called by the forward handler on a
// failed forward (spec.md §4.6).
func (c *Cache) Remove(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, endpoint)
}

// SnapshotActive returns a point-in-time copy of all active entries.
func (c *Cache) SnapshotActive() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.IsActive {
			out = append(out, *n)
		}
	}
	return out
}

// SelectFast implements the top-K + uniform-random selection policy of
// spec.md §4.3: filter to active entries with a response time, sort
// ascending by response time, take the fastest topK, and return a
// uniformly random choice among them. Falling back to a uniform choice
// among all active entries when none has a response time, and to "no
// node" when the active set is empty entirely. Uniform sampling over the
// fast pool is essential — ranking alone would herd all traffic onto a
// single node.
func (c *Cache) SelectFast() (Node, bool) {
	active := c.SnapshotActive()
	if len(active) == 0 {
		return Node{}, false
	}

	timed := make([]Node, 0, len(active))
	for _, n := range active {
		if n.HasResponseTime {
			timed = append(timed, n)
		}
	}

	if len(timed) == 0 {
		return c.pickRandom(active), true
	}

	sort.Slice(timed, func(i, j int) bool {
		return timed[i].ResponseTime < timed[j].ResponseTime
	})
	if len(timed) > topK {
		timed = timed[:topK]
	}
	return c.pickRandom(timed), true
}

func (c *Cache) pickRandom(nodes []Node) Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	c.rngMu.Lock()
	i := c.rng.Intn(len(nodes))
	c.rngMu.Unlock()
	return nodes[i]
}

// Stats returns (total, active) entry counts.
func (c *Cache) Stats() (total, active int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total = len(c.nodes)
	for _, n := range c.nodes {
		if n.IsActive {
			active++
		}
	}
	return total, active
}

// Performance returns (total, active, minResponseTime, maxResponseTime)
// across active entries that carry a response time. minRT/maxRT are zero
// with ok=false when no active entry has one.
func (c *Cache) Performance() (total, active int, minRT, maxRT time.Duration, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total = len(c.nodes)
	first := true
	for _, n := range c.nodes {
		if !n.IsActive {
			continue
		}
		active++
		if !n.HasResponseTime {
			continue
		}
		if first {
			minRT, maxRT = n.ResponseTime, n.ResponseTime
			first = false
			continue
		}
		if n.ResponseTime < minRT {
			minRT = n.ResponseTime
		}
		if n.ResponseTime > maxRT {
			maxRT = n.ResponseTime
		}
	}
	return total, active, minRT, maxRT, !first
}
