// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"context"
	"crypto/md5" //nolint:gosec // sharding, not a security boundary
	"math/big"
	"time"

	"git.lukeshu.com/go/typedsync"

	"github.com/tim-chow/lru-cache/lib/containers"
)

// shardString shards a byte-string key by interpreting its MD5 digest
// as a big-endian integer, mod n. Ground: ProxyCache.deco's
// int(md5(key).hexdigest(), 16) % len(self._caches).
func shardString(key string, n int) int {
	sum := md5.Sum([]byte(key)) //nolint:gosec
	digest := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(digest, big.NewInt(int64(n))).Int64())
}

// shardInt shards an integer key by direct modulus. Ground:
// ProxyCache.deco's key % len(self._caches).
func shardInt(key int64, n int) int {
	m := int(key % int64(n))
	if m < 0 {
		m += n
	}
	return m
}

// Proxy shards calls across a fixed, ordered list of engines (§4.6).
// Sharding is stable for the proxy's lifetime: engines are never
// added or removed after construction.
type Proxy[K containers.Ordered[K], V any] struct {
	engines []*Engine[K, V]
	shard   func(K) int

	// byName indexes engines by their Name, for CLI introspection
	// (cachectl stats looks up one shard without scanning Engines()).
	byName typedsync.Map[string, *Engine[K, V]]
}

func newProxy[K containers.Ordered[K], V any](engines []*Engine[K, V], shard func(K) int) *Proxy[K, V] {
	p := &Proxy[K, V]{engines: engines, shard: shard}
	for _, e := range engines {
		p.byName.Store(e.Name(), e)
	}
	return p
}

// NewStringProxy builds a Proxy over engines keyed by
// containers.NativeOrdered[string], sharding by MD5-mod-N.
func NewStringProxy[V any](engines []*Engine[containers.NativeOrdered[string], V]) *Proxy[containers.NativeOrdered[string], V] {
	n := len(engines)
	return newProxy(engines, func(k containers.NativeOrdered[string]) int { return shardString(k.Val, n) })
}

// NewIntProxy builds a Proxy over engines keyed by
// containers.NativeOrdered[int64], sharding by direct modulus.
func NewIntProxy[V any](engines []*Engine[containers.NativeOrdered[int64], V]) *Proxy[containers.NativeOrdered[int64], V] {
	n := len(engines)
	return newProxy(engines, func(k containers.NativeOrdered[int64]) int { return shardInt(k.Val, n) })
}

// Engines returns the proxy's shard list, in stable index order.
func (p *Proxy[K, V]) Engines() []*Engine[K, V] { return p.engines }

// EngineByName looks up a shard engine by the name it was
// constructed with, or (nil, false) if no shard has that name.
func (p *Proxy[K, V]) EngineByName(name string) (*Engine[K, V], bool) {
	return p.byName.Load(name)
}

func (p *Proxy[K, V]) pick(key K) *Engine[K, V] {
	return p.engines[p.shard(key)]
}

// Open dispatches to the engine that owns key (§4.6).
func (p *Proxy[K, V]) Open(ctx context.Context, key K, producer Producer[V]) (V, error) {
	return p.pick(key).Open(ctx, key, producer)
}

// Purge dispatches to the engine that owns key.
func (p *Proxy[K, V]) Purge(ctx context.Context, key K) PurgeResult {
	return p.pick(key).Purge(ctx, key)
}

// Start starts every shard engine. If one fails, the ones already
// started are stopped before returning the error.
func (p *Proxy[K, V]) Start(ctx context.Context) error {
	for i, e := range p.engines {
		if err := e.Start(ctx); err != nil {
			for _, started := range p.engines[:i] {
				_ = started.Stop(ctx, 0)
			}
			return err
		}
	}
	return nil
}

// Stop stops every shard engine, collecting (but not short-circuiting
// on) the first error.
func (p *Proxy[K, V]) Stop(ctx context.Context, timeout time.Duration) error {
	var firstErr error
	for _, e := range p.engines {
		if err := e.Stop(ctx, timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
