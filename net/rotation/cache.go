package rotation

import (
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Cache is the shared write-through store the rotation engine uses so
// that independent NTS-KE and NTP front-ends agree on the same master
// keys without coordinating directly. The production implementation is
// backed by memcache; tests substitute an in-memory fake.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
}

// memcacheCache adapts github.com/bradfitz/gomemcache/memcache.Client
// to the Cache interface.
type memcacheCache struct {
	client *memcache.Client
}

// NewMemcache builds a Cache backed by one or more memcache servers,
// each given as host:port. The commands split the comma-separated
// "memcache_url" setting into this list.
func NewMemcache(servers ...string) Cache {
	return &memcacheCache{client: memcache.New(servers...)}
}

func (c *memcacheCache) Get(key string) ([]byte, bool, error) {
	item, err := c.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rotation: memcache get %q: %w", key, err)
	}
	return item.Value, true, nil
}

func (c *memcacheCache) Set(key string, value []byte, ttl time.Duration) error {
	err := c.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(ttl.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("rotation: memcache set %q: %w", key, err)
	}
	return nil
}
