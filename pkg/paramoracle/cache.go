package paramoracle

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// DefaultCacheCapacity is the memory-tier entry bound.
const DefaultCacheCapacity = 1024

type cacheKey struct {
	Balls    int
	Bins     int
	Capacity int
	Rounds   int
}

func (k cacheKey) filename() string {
	return fmt.Sprintf("mr_m2d_%d_%d_%d_%d.bin", k.Balls, k.Bins, k.Capacity, k.Rounds)
}

type cacheEntry struct {
	key cacheKey
	mat *Matrix
}

// Cache memoizes multi-round matrices: an in-process LRU bounded by
// entry count, backed by an optional one-file-per-key disk tier.
// Entries are immutable once stored; callers must not mutate returned
// matrices. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	data   map[cacheKey]*list.Element
	ll     *list.List
	cap    int
	dir    string // "" disables the disk tier
	hits   uint64
	misses uint64
}

// NewCache builds a cache with the given entry capacity (<= 0 means
// DefaultCacheCapacity) and disk directory ("" keeps it memory-only).
// The directory is created if missing; if that fails the disk tier is
// silently disabled, since the cache is only an accelerator.
func NewCache(capacity int, dir string) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			dir = ""
		}
	}
	return &Cache{
		data: make(map[cacheKey]*list.Element),
		ll:   list.New(),
		cap:  capacity,
		dir:  dir,
	}
}

func (c *Cache) Get(key cacheKey) (*Matrix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.data[key]; ok {
		c.ll.MoveToFront(el)
		c.hits++
		return el.Value.(*cacheEntry).mat, true
	}
	if m, ok := c.loadDisk(key); ok {
		c.insert(key, m)
		c.hits++
		return m, true
	}
	c.misses++
	return nil, false
}

func (c *Cache) Put(key cacheKey, m *Matrix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(key, m)
	c.saveDisk(key, m)
}

// Len reports the memory-tier entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Stats returns cumulative hit and miss counts across both tiers.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) insert(key cacheKey, m *Matrix) {
	if el, ok := c.data[key]; ok {
		el.Value.(*cacheEntry).mat = m
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, mat: m})
	c.data[key] = el
	for len(c.data) > c.cap && c.ll.Back() != nil {
		victim := c.ll.Back()
		delete(c.data, victim.Value.(*cacheEntry).key)
		c.ll.Remove(victim)
	}
}

// Disk format: uint32 rows, uint32 cols, then rows*cols little-endian
// IEEE-754 doubles, row-major. Shape is re-derivable from the key, so a
// load refuses files whose recorded shape disagrees; any short, long or
// otherwise corrupt file is treated as absent and recomputed.

func (c *Cache) saveDisk(key cacheKey, m *Matrix) {
	if c.dir == "" {
		return
	}
	buf := make([]byte, 8+len(m.data)*8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(m.rows))
	binary.LittleEndian.PutUint32(buf[4:], uint32(m.cols))
	for i, v := range m.data {
		binary.LittleEndian.PutUint64(buf[8+i*8:], math.Float64bits(v))
	}
	// last writer wins; readers only ever see whole files or fail the
	// shape check and recompute
	_ = os.WriteFile(filepath.Join(c.dir, key.filename()), buf, 0o644)
}

func (c *Cache) loadDisk(key cacheKey) (*Matrix, bool) {
	if c.dir == "" {
		return nil, false
	}
	buf, err := os.ReadFile(filepath.Join(c.dir, key.filename()))
	if err != nil || len(buf) < 8 {
		return nil, false
	}
	rows := int(binary.LittleEndian.Uint32(buf[0:]))
	cols := int(binary.LittleEndian.Uint32(buf[4:]))
	if rows != key.Balls+1 || cols != key.Rounds+1 {
		return nil, false
	}
	if len(buf) != 8+rows*cols*8 {
		return nil, false
	}
	m := NewMatrix(rows, cols)
	for i := range m.data {
		m.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8+i*8:]))
	}
	return m, true
}
