package rotation

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeCache is an in-memory stand-in for memcache, letting tests verify
// cache-mediated determinism without a real memcached server.
type fakeCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string][]byte)}
}

func (c *fakeCache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok, nil
}

func (c *fakeCache) Set(key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func testConfig(cache Cache) Config {
	return Config{
		MasterKey:       make([]byte, 32),
		Duration:        time.Hour,
		ForwardPeriods:  2,
		BackwardPeriods: 24,
		Prefix:          "/nts/nts-keys",
		Cache:           cache,
	}
}

func TestRotationWindow(t *testing.T) {
	e := New(testConfig(newFakeCache()), nil)
	if err := e.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	id, key := e.Latest()
	if key == nil {
		t.Fatal("expected a key for the latest epoch")
	}
	got, ok := e.Lookup(id)
	if !ok {
		t.Fatal("expected Lookup(latest id) to succeed")
	}
	if string(got) != string(key) {
		t.Fatal("Lookup(latest) did not match Latest()'s key")
	}

	now := epoch(time.Now(), time.Hour)
	outside := epochKeyID(now + 3) // one past the forward window
	if _, ok := e.Lookup(outside); ok {
		t.Fatal("expected epoch outside the window to be absent")
	}
}

func TestRotationDerivationDeterminism(t *testing.T) {
	cache := newFakeCache()
	e1 := New(testConfig(cache), nil)
	e2 := New(testConfig(cache), nil)

	if err := e1.Rotate(context.Background()); err != nil {
		t.Fatalf("e1.Rotate: %v", err)
	}
	if err := e2.Rotate(context.Background()); err != nil {
		t.Fatalf("e2.Rotate: %v", err)
	}

	id, key1 := e1.Latest()
	key2, ok := e2.Lookup(id)
	if !ok {
		t.Fatal("e2 did not have a key for e1's latest epoch")
	}
	if string(key1) != string(key2) {
		t.Fatal("two independently-initialized engines produced different keys for the same epoch")
	}
}

func TestRotationDerivationDeterminismWithoutSharedCache(t *testing.T) {
	// Even with no cache at all, both engines must derive identically
	// from the same master key and epoch.
	e1 := New(testConfig(nil), nil)
	e2 := New(testConfig(nil), nil)

	if err := e1.Rotate(context.Background()); err != nil {
		t.Fatalf("e1.Rotate: %v", err)
	}
	if err := e2.Rotate(context.Background()); err != nil {
		t.Fatalf("e2.Rotate: %v", err)
	}

	id, key1 := e1.Latest()
	key2, ok := e2.Lookup(id)
	if !ok {
		t.Fatal("e2 did not have a key for e1's latest epoch")
	}
	if string(key1) != string(key2) {
		t.Fatal("derivation is not deterministic across engines")
	}
}
