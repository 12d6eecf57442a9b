// Package actioncache memoizes three pure-ish per-node queries — region of
// definition, identity, and time domain — so that a plugin recursively
// asking for them during a single render sees stable answers. It is not a
// performance cache: it exists for correctness under recursive queries.
package actioncache

import (
	"log"
	"sync"

	"github.com/nodeforge/compositor/internal/geom"
)

// queryKey identifies a (time, view, mipmap-level) triple.
type queryKey struct {
	time float64
	view int
	mip  int
}

// Identity is the result of an is_identity query: the input index to defer
// to (or None) and the time to defer at. InputIdx == SelfAtOtherTime (-2)
// denotes identity on the node itself at a different time.
type Identity struct {
	InputIdx int
	Time     float64
}

// None indicates no identity (the node must render itself).
const None = -1

// SelfAtOtherTime tags an identity result as "this node, at a different
// time" rather than an upstream input.
const SelfAtOtherTime = -2

// TimeDomain is a node's declared [first, last] frame range.
type TimeDomain struct {
	First, Last float64
}

// Cache is a per-node memoization table, owned by the node it memoizes.
// All operations serialize on a single mutex;
// any lookup whose tag differs from the cache's current tag misses.
type Cache struct {
	mu  sync.Mutex
	tag uint64 // current node-hash

	rod      map[queryKey]geom.Rect
	identity map[queryKey]Identity
	haveTD   bool
	td       TimeDomain
}

// New creates an empty cache tagged with the given node-hash.
func New(tag uint64) *Cache {
	return &Cache{
		tag:      tag,
		rod:      make(map[queryKey]geom.Rect),
		identity: make(map[queryKey]Identity),
	}
}

// GetRoD returns the cached region of definition, or ok=false on a miss
// (including a miss caused by a stale tag).
func (c *Cache) GetRoD(tag uint64, time float64, view, mip int) (geom.Rect, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != c.tag {
		return geom.Rect{}, false
	}
	r, ok := c.rod[queryKey{time, view, mip}]
	return r, ok
}

// SetRoD records a region of definition. First-write-wins: overwriting an
// existing entry for the same (time, view, mip) is a bug — diagnosed via a
// log line and otherwise ignored.
func (c *Cache) SetRoD(tag uint64, time float64, view, mip int, r geom.Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != c.tag {
		return
	}
	k := queryKey{time, view, mip}
	if _, exists := c.rod[k]; exists {
		log.Printf("actioncache: duplicate set_rod for (t=%g,v=%d,mip=%d); ignoring overwrite", time, view, mip)
		return
	}
	c.rod[k] = r
}

// GetIdentity returns the cached identity verdict, or ok=false on a miss.
func (c *Cache) GetIdentity(tag uint64, time float64, view, mip int) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != c.tag {
		return Identity{}, false
	}
	id, ok := c.identity[queryKey{time, view, mip}]
	return id, ok
}

// SetIdentity records an identity verdict. Unlike SetRoD, overwrites are
// permitted.
func (c *Cache) SetIdentity(tag uint64, time float64, view, mip int, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != c.tag {
		return
	}
	c.identity[queryKey{time, view, mip}] = id
}

// GetTimeDomain returns the cached time domain, or ok=false on a miss.
func (c *Cache) GetTimeDomain(tag uint64) (TimeDomain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != c.tag || !c.haveTD {
		return TimeDomain{}, false
	}
	return c.td, true
}

// SetTimeDomain records the node's [first, last] frame range.
func (c *Cache) SetTimeDomain(tag uint64, first, last float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != c.tag {
		return
	}
	c.td = TimeDomain{First: first, Last: last}
	c.haveTD = true
}

// Tag returns the cache's current node-hash tag.
func (c *Cache) Tag() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}

// InvalidateAll clears every table and adopts newHash as the current tag.
// Called when a node's hash changes mid-render.
func (c *Cache) InvalidateAll(newHash uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tag = newHash
	c.rod = make(map[queryKey]geom.Rect)
	c.identity = make(map[queryKey]Identity)
	c.haveTD = false
	c.td = TimeDomain{}
}
