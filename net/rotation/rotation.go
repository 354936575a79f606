// Package rotation implements the sliding-window master-key schedule
// that backs both cookie sealing and packet encryption: a deterministic
// derivation from a root secret and time epoch, published to and read
// from a shared cache so independent NTS-KE and NTP front-ends agree on
// identical keys.
package rotation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/thekuwayama/cfnts/internal/metrics"
	"github.com/thekuwayama/cfnts/internal/ntserr"
	"github.com/thekuwayama/cfnts/net/cookie"
)

// hkdfInfo is the fixed label mixed into every derivation so that two
// independently-initialized engines, given the same master key and
// epoch, always agree on the derived key.
const hkdfInfo = "nts-go rotation key v1"

// Config parameterizes the rotation engine. Duration, ForwardPeriods,
// and BackwardPeriods default to the historical cfnts values (3600s,
// 2, 24) if left zero.
type Config struct {
	MasterKey       []byte
	Duration        time.Duration
	ForwardPeriods  int
	BackwardPeriods int
	Prefix          string
	Cache           Cache
	Metrics         *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Duration == 0 {
		c.Duration = time.Hour
	}
	if c.ForwardPeriods == 0 {
		c.ForwardPeriods = 2
	}
	if c.BackwardPeriods == 0 {
		c.BackwardPeriods = 24
	}
	if c.Prefix == "" {
		c.Prefix = "/nts/nts-keys"
	}
	return c
}

// Engine holds the sliding window of master keys. The current window
// is read on every NTS request and mutated only by Rotate, so reads and
// writes are arbitrated by a plain RWMutex: readers never block each
// other, and Rotate holds the write lock only long enough to swap in
// the refreshed window.
type Engine struct {
	cfg    Config
	log    *zap.Logger
	mu     sync.RWMutex
	latest int64
	keys   map[int64][]byte
}

// New constructs a rotation engine. Callers must call Rotate at least
// once (directly, or via StartAt) before Latest/Lookup
// return anything useful.
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:  cfg.withDefaults(),
		log:  log,
		keys: make(map[int64][]byte),
	}
}

// epoch returns floor(t / duration) as the epoch number containing t.
func epoch(t time.Time, duration time.Duration) int64 {
	return t.Unix() / int64(duration.Seconds())
}

// epochKeyID encodes an epoch number as the 8-byte big-endian key id
// used on the wire and as the cache key suffix.
func epochKeyID(e int64) cookie.KeyID {
	var id cookie.KeyID
	binary.BigEndian.PutUint64(id[:], uint64(e))
	return id
}

// derive computes the deterministic function of (masterKey, epoch)
// that both independently-running processes converge on without
// coordination: HKDF-SHA256 over the master key, salted by nothing and
// bound to the epoch and a fixed label via the info parameter.
func derive(masterKey []byte, e int64) ([]byte, error) {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], uint64(e))
	info := append([]byte(hkdfInfo), epochBytes[:]...)
	r := hkdf.New(sha256.New, masterKey, nil, info)
	key := make([]byte, cookieKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("rotation: deriving key for epoch %d: %w", e, err)
	}
	return key, nil
}

// cookieKeySize mirrors aead.KeySize without importing net/aead, to
// keep the dependency graph one-directional (aead has no reason to
// know about rotation).
const cookieKeySize = 32

func cacheKey(prefix string, e int64) string {
	return fmt.Sprintf("%s/%x", prefix, epochKeyID(e))
}

// Rotate recomputes the window around now, reading populated entries
// from the shared cache and deriving+writing-through any that are
// missing. It is called once at process start and then periodically
// (see StartPeriodicRotation). A cache that is unreachable mid-run
// degrades to local derivation for this tick rather than failing the
// request path; Rotate itself still returns an error so the caller can
// decide whether that is fatal (only true at startup, per policy).
func (e *Engine) Rotate(ctx context.Context) error {
	now := epoch(time.Now(), e.cfg.Duration)
	lo := now - int64(e.cfg.BackwardPeriods)
	hi := now + int64(e.cfg.ForwardPeriods)
	ttl := time.Duration(e.cfg.ForwardPeriods+e.cfg.BackwardPeriods+2) * e.cfg.Duration

	newKeys := make(map[int64][]byte, int(hi-lo)+1)
	var cacheErr error
	for ep := lo; ep <= hi; ep++ {
		key, err := e.populate(ep, ttl)
		if err != nil {
			cacheErr = err
			key, err = derive(e.cfg.MasterKey, ep)
			if err != nil {
				return err
			}
		}
		newKeys[ep] = key
	}

	e.mu.Lock()
	e.keys = newKeys
	e.latest = now
	e.mu.Unlock()

	if cacheErr != nil {
		e.log.Warn("rotation: cache degraded, served derived keys this tick", zap.Error(cacheErr))
		return cacheErr
	}
	return nil
}

// populate returns the key for epoch ep: from cache if present,
// otherwise derived locally and written through. A non-nil error means
// the cache was unreachable (Transient); it does not mean the epoch
// has no key.
func (e *Engine) populate(ep int64, ttl time.Duration) ([]byte, error) {
	if e.cfg.Cache == nil {
		e.cfg.Metrics.RecordRotationDerived()
		return derive(e.cfg.MasterKey, ep)
	}
	key := cacheKey(e.cfg.Prefix, ep)
	if value, ok, err := e.cfg.Cache.Get(key); err != nil {
		return nil, fmt.Errorf("rotation: %w: %v", ntserr.Transient, err)
	} else if ok {
		e.cfg.Metrics.RecordRotationCacheHit()
		return value, nil
	}

	derived, err := derive(e.cfg.MasterKey, ep)
	if err != nil {
		return nil, err
	}
	e.cfg.Metrics.RecordRotationCacheMiss()
	if err := e.cfg.Cache.Set(key, derived, ttl); err != nil {
		return derived, fmt.Errorf("rotation: %w: %v", ntserr.Transient, err)
	}
	return derived, nil
}

// StartAt blocks, retrying Rotate with a fixed backoff, until the first
// rotation succeeds. The daemon cannot serve any NTS traffic without a
// populated window, so this is meant to be called once at process
// start; call it with a context that the caller cancels to give up.
func (e *Engine) StartAt(ctx context.Context, backoff time.Duration) error {
	for {
		if err := e.Rotate(ctx); err == nil {
			return nil
		} else {
			e.log.Error("rotation: initial rotation failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// StartPeriodicRotation runs Rotate every half period until ctx is
// canceled. Failures are logged, not fatal: the engine keeps serving
// its last-known window.
func (e *Engine) StartPeriodicRotation(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Duration / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Rotate(ctx); err != nil {
					e.log.Error("rotation: periodic rotation failed", zap.Error(err))
				}
			}
		}
	}()
}

// Latest returns the current epoch's key id and key.
func (e *Engine) Latest() (cookie.KeyID, []byte) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return epochKeyID(e.latest), e.keys[e.latest]
}

// Lookup returns the key for the given key id, if it is within the
// current window.
func (e *Engine) Lookup(id cookie.KeyID) ([]byte, bool) {
	ep := int64(binary.BigEndian.Uint64(id[:]))
	e.mu.RLock()
	defer e.mu.RUnlock()
	key, ok := e.keys[ep]
	return key, ok
}
