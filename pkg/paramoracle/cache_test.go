package paramoracle

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCacheMemoryTier(t *testing.T) {
	c := NewCache(2, "")
	k1 := cacheKey{5, 128, 5, 2}
	k2 := cacheKey{6, 128, 5, 2}
	k3 := cacheKey{7, 128, 5, 2}

	if _, ok := c.Get(k1); ok {
		t.Fatal("empty cache returned a hit")
	}
	m1 := ComputeMultiRoundMatrix(5, 128, 5, 2)
	c.Put(k1, m1)
	if got, ok := c.Get(k1); !ok || !got.Equal(m1) {
		t.Fatal("stored matrix not returned")
	}

	// fill past capacity; k2 and k3 both arrive after k1's last touch, so
	// k1 is the LRU victim
	c.Put(k2, ComputeMultiRoundMatrix(6, 128, 5, 2))
	c.Put(k3, ComputeMultiRoundMatrix(7, 128, 5, 2))
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(k1); ok {
		t.Fatal("expected k1 evicted")
	}

	hits, misses := c.Stats()
	if hits == 0 || misses == 0 {
		t.Fatalf("stats = (%d,%d), want both nonzero", hits, misses)
	}
}

func TestCacheDiskRoundtrip(t *testing.T) {
	dir := t.TempDir()
	key := cacheKey{5, 128, 5, 2}
	want := ComputeMultiRoundMatrix(5, 128, 5, 2)

	c1 := NewCache(8, dir)
	c1.Put(key, want)

	// fresh cache, same dir: must load from disk bit-for-bit
	c2 := NewCache(8, dir)
	got, ok := c2.Get(key)
	if !ok {
		t.Fatal("disk tier miss")
	}
	if !got.Equal(want) {
		t.Fatal("disk roundtrip not bitwise equal")
	}
}

func TestCacheCorruptFileTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	key := cacheKey{5, 128, 5, 2}

	// truncated file
	fn := filepath.Join(dir, key.filename())
	if err := os.WriteFile(fn, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCache(8, dir)
	if _, ok := c.Get(key); ok {
		t.Fatal("corrupt file must read as absent")
	}

	// right length, wrong recorded shape
	good := ComputeMultiRoundMatrix(5, 128, 5, 2)
	c.Put(key, good)
	buf, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] ^= 0xff
	if err := os.WriteFile(fn, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	c2 := NewCache(8, dir)
	if _, ok := c2.Get(key); ok {
		t.Fatal("shape-mismatched file must read as absent")
	}
}

func TestOracleUsesCache(t *testing.T) {
	c := NewCache(8, "")
	o := NewOracle(c, nil)
	a := o.MultiRoundMatrix(5, 128, 5, 2)
	b := o.MultiRoundMatrix(5, 128, 5, 2)
	if !a.Equal(b) {
		t.Fatal("cached matrix differs from computed")
	}
	hits, _ := c.Stats()
	if hits == 0 {
		t.Fatal("second lookup should hit the cache")
	}
}
