// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cache implements a concurrent, bounded LRU engine: entry
// state machine, intrusive LRU ordering, single-flight producer
// coordination, and background expiry, fronting a pluggable
// lib/backend.Backend.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"

	"github.com/tim-chow/lru-cache/lib/backend"
	"github.com/tim-chow/lru-cache/lib/containers"
	"github.com/tim-chow/lru-cache/lib/serialize"
)

// Config holds the per-engine tunables of §6. All fields except
// CallFuncWhenFailure are required; NewEngine does not supply defaults.
type Config struct {
	MaxEntryCount int           // capacity bound: entry count
	MaxSize       int64         // capacity bound: total size
	MinUses       int           // accesses required before a key is cached at all
	MaxInactive   time.Duration // idle time before an entry is expiry-eligible
	LockAge       time.Duration // max wait per attempt for a concurrent producer
	WaitCount     int           // max number of such attempts
	ExpireInterval       time.Duration // manage-phase sleep between soft passes
	ForcedExpireInterval time.Duration // manage-phase sleep between hard passes when everything's pinned

	// CallFuncWhenFailure, when true, makes a policy refusal
	// (overflow, wait-count-exceeded) fall through to the producer
	// instead of returning a *CacheError.
	CallFuncWhenFailure bool
}

// Producer computes the value for a key on a cache miss.
type Producer[V any] func(ctx context.Context) (V, error)

type node[K any] = containers.DequeEntry[*entry[K]]

// Engine is one LRU shard: a self-contained cache with its own lock,
// ordered map, deque, and background worker (§4.4).
type Engine[K containers.Ordered[K], V any] struct {
	name       string
	cfg        Config
	backend    backend.Backend[K]
	serializer serialize.Serializer[V]
	life       *lifecycle

	mu         sync.Mutex
	index      containers.OrderedMap[K, *node[K]]
	queue      containers.Deque[*entry[K]]
	entryCount int
	size       int64

	// entryPool recycles *entry[K] structs across eviction/admission,
	// since a shard under steady load churns through many short-lived
	// entries.
	entryPool typedsync.Pool[*entry[K]]
}

// newOrRecycledEntry gets an entry for key, reusing a struct freed by
// a prior unlinkLocked when one is available.
func (e *Engine[K, V]) newOrRecycledEntry(key K) *entry[K] {
	if ent, ok := e.entryPool.Get(); ok {
		ent.reset(key)
		return ent
	}
	return newEntry[K](key)
}

// NewEngine constructs an engine fronting be, ready to Start.
func NewEngine[K containers.Ordered[K], V any](name string, cfg Config, be backend.Backend[K], ser serialize.Serializer[V]) *Engine[K, V] {
	return &Engine[K, V]{
		name:       name,
		cfg:        cfg,
		backend:    be,
		serializer: ser,
		life:       newLifecycle(name),
	}
}

// Start prepares the backend and launches the background worker
// (load then manage). It is invalid to Start an engine that is
// already running.
func (e *Engine[K, V]) Start(ctx context.Context) error {
	if err := e.backend.Prepare(ctx); err != nil {
		return fmt.Errorf("cache: %s: prepare: %w", e.name, err)
	}
	return e.life.start(ctx, e.loadPhase, e.managePhase)
}

// Stop cancels the background worker, joins it (bounded by timeout
// if positive), and finalizes the backend.
func (e *Engine[K, V]) Stop(ctx context.Context, timeout time.Duration) error {
	if err := e.life.stop(timeout); err != nil {
		return err
	}
	return e.backend.Finalize(ctx)
}

// WaitUsable blocks until the engine finishes loading (or gives up
// waiting after timeout, if positive; a non-positive timeout waits
// without bound), returning whether it's now serving cache hits
// rather than the pre-load bypass path.
func (e *Engine[K, V]) WaitUsable(timeout time.Duration) bool {
	return e.life.waitUsable(timeout)
}

func (e *Engine[K, V]) isFull() bool {
	return e.size >= e.cfg.MaxSize || e.entryCount >= e.cfg.MaxEntryCount
}

// Name returns the name this engine was constructed with.
func (e *Engine[K, V]) Name() string { return e.name }

// Stats is a point-in-time accounting snapshot, for the CLI stats
// subcommand and tests.
type Stats struct {
	Name          string
	Usable        bool
	EntryCount    int
	Size          int64
	MaxEntryCount int
	MaxSize       int64
}

// Stats takes a snapshot of this engine's accounting state.
func (e *Engine[K, V]) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Name:          e.name,
		Usable:        e.life.isUsable(),
		EntryCount:    e.entryCount,
		Size:          e.size,
		MaxEntryCount: e.cfg.MaxEntryCount,
		MaxSize:       e.cfg.MaxSize,
	}
}

// String renders a Stats snapshot for logging, ground: lib/btrfsutil's
// scanStats.String() composing a one-line status out of a stats struct.
func (s Stats) String() string {
	return fmt.Sprintf("%s: usable=%v entries=%d/%d size=%d/%d",
		s.Name, s.Usable, s.EntryCount, s.MaxEntryCount, s.Size, s.MaxSize)
}

// Open is the hit path (§4.4 open). Before the engine has finished
// loading, it takes the fast path: try the backend, and on a miss
// invoke producer directly without caching.
func (e *Engine[K, V]) Open(ctx context.Context, key K, producer Producer[V]) (V, error) {
	if !e.life.isUsable() {
		dlog.Debugf(ctx, "%s: not usable yet, bypassing cache for %v", e.name, key)
		data, err := e.backend.Read(ctx, key)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			return producer(ctx)
		case err != nil:
			var zero V
			return zero, err
		default:
			return e.serializer.Loads(data)
		}
	}
	return e.open(ctx, key, producer)
}

func (e *Engine[K, V]) open(ctx context.Context, key K, producer Producer[V]) (V, error) {
	rc, n := e.exists(ctx, key)
	switch rc {
	case codeOK:
		return e.readResultFromCache(ctx, key, n, producer)
	case codeResponsibleForUpdating:
		return e.callFuncAndWriteCache(ctx, key, n, producer)
	case codeUnreachMinUses, codeEntryUnusable:
		return producer(ctx)
	default:
		if e.cfg.CallFuncWhenFailure {
			return producer(ctx)
		}
		var zero V
		return zero, &CacheError{Code: rc}
	}
}

// exists implements §4.4 step 1 (admission) plus keyExists (steps
// 2-8), returning the internal disposition and, if one now exists,
// the entry's deque node.
func (e *Engine[K, V]) exists(ctx context.Context, key K) (ReturnCode, *node[K]) {
	e.mu.Lock()
	n, ok := e.index.Load(key)
	if !ok {
		if e.isFull() {
			e.mu.Unlock()
			e.forceExpire(ctx, 20)
			e.mu.Lock()
		}
		if e.isFull() {
			e.mu.Unlock()
			return codeCacheOverflow, nil
		}
		ent := e.newOrRecycledEntry(key)
		n = e.queue.PushNewest(ent)
		e.index.Store(key, n)
		e.entryCount++
	}
	rc := e.keyExists(ctx, n)
	e.mu.Unlock()
	return rc, n
}

// keyExists is called with e.mu held, and may release and reacquire
// it (via entry.waitForUsable) while waiting on an UPDATING entry.
func (e *Engine[K, V]) keyExists(ctx context.Context, n *node[K]) ReturnCode {
	ent := n.Value
	if ent.isUnusable() {
		return codeEntryUnusable
	}

	now := time.Now()
	ent.incrUsedCount()
	ent.expire = now.Add(e.cfg.MaxInactive)
	e.queue.MoveToNewest(n)

	if ent.usedCount < e.cfg.MinUses {
		return codeUnreachMinUses
	}

	ent.incrRefCount()

	if ent.isUsable() {
		return codeOK
	}

	if ent.markAsUpdating() {
		return codeResponsibleForUpdating
	}

	for i := 0; i < e.cfg.WaitCount; i++ {
		if !ent.isUpdating() {
			continue
		}
		dlog.Debugf(ctx, "%s: %v is updating, waiting for it to become usable", e.name, ent.key)
		if ent.waitForUsable(&e.mu, e.cfg.LockAge) {
			return codeOK
		}
		if ent.markAsUpdating() {
			return codeResponsibleForUpdating
		}
	}

	dlog.Debugf(ctx, "%s: wait count reached for %v", e.name, ent.key)
	ent.decrRefCount()
	if ent.isDeleting() {
		if ent.refCount == 0 {
			e.unlinkLocked(ctx, n)
		}
		return codeEntryUnusable
	}
	return codeWaitCountReached
}

func (e *Engine[K, V]) readResultFromCache(ctx context.Context, key K, n *node[K], producer Producer[V]) (V, error) {
	data, readErr := e.backend.Read(ctx, key)
	shouldPurge := errors.Is(readErr, backend.ErrNotFound)
	if shouldPurge {
		dlog.Errorf(ctx, "%s: meta for %v is cached but the data is missing, purging", e.name, key)
		readErr = nil
	}

	e.mu.Lock()
	ent := n.Value
	ent.decrRefCount()
	if shouldPurge {
		ent.markAsDeletingIfNecessary()
	}
	if ent.isDeleting() && ent.refCount == 0 {
		e.unlinkLocked(ctx, n)
	}
	e.mu.Unlock()

	switch {
	case readErr != nil:
		var zero V
		return zero, readErr
	case shouldPurge:
		return producer(ctx)
	default:
		return e.serializer.Loads(data)
	}
}

func (e *Engine[K, V]) callFuncAndWriteCache(ctx context.Context, key K, n *node[K], producer Producer[V]) (V, error) {
	val, err := producer(ctx)
	success := err == nil

	var size int64
	if success {
		var data []byte
		size, data, err = e.serializer.Dumps(val)
		success = err == nil
		if success {
			if err = e.backend.Write(ctx, key, data); err != nil {
				success = false
			}
		}
	}

	e.mu.Lock()
	ent := n.Value
	ent.decrRefCount()
	ent.setUpdatingResult(success)
	if success {
		ent.size = size
		e.size += size
	}
	e.mu.Unlock()

	if !success {
		var zero V
		return zero, err
	}
	return val, nil
}

// unlinkLocked is the "unlink protocol" of §4.4: called with e.mu
// held and ent.refCount == 0. It releases e.mu for the backend
// delete call and reacquires it before returning, so the caller's
// own Unlock (or continued critical section) is always correct.
func (e *Engine[K, V]) unlinkLocked(ctx context.Context, n *node[K]) {
	ent := n.Value
	if ent.refCount != 0 {
		dlog.Errorf(ctx, "%s: %v: unlink called with ref_count %d", e.name, ent.key, ent.refCount)
		return
	}
	if !ent.markAsDeletingIfNecessary() {
		dlog.Errorf(ctx, "%s: %v: cannot transition to DELETING", e.name, ent.key)
		return
	}
	ent.incrRefCount()
	key := ent.key
	e.mu.Unlock()

	if err := e.backend.Delete(ctx, key); err != nil {
		dlog.Errorf(ctx, "%s: %v: delete: %v", e.name, key, err)
	}

	e.mu.Lock()
	ent.decrRefCount()
	ent.markAsDeleted()
	e.size -= ent.size
	e.entryCount--
	e.index.Delete(key)
	e.queue.Unlink(n)
	e.entryPool.Put(ent)
}

// Purge explicitly invalidates key (§4.4 purge).
func (e *Engine[K, V]) Purge(ctx context.Context, key K) PurgeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.index.Load(key)
	if !ok {
		return PurgeKeyNotExists
	}
	ent := n.Value
	if ent.isUnusable() {
		return PurgeOK
	}
	if ent.isUpdating() {
		return PurgeKeyUpdating
	}
	ent.markAsDeleting()
	if ent.refCount == 0 {
		e.unlinkLocked(ctx, n)
	}
	return PurgeOK
}

// addMeta registers a pre-existing artifact discovered by the
// backend's load routine directly as UPDATED (§9: a shorthand for
// "pre-existing", skipping the UPDATING waypoint) with ref_count 0.
// It returns false if admission would exceed capacity.
func (e *Engine[K, V]) addMeta(key K, size int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.entryCount >= e.cfg.MaxEntryCount {
		return false
	}
	if e.size+size > e.cfg.MaxSize {
		return false
	}

	ent := e.newOrRecycledEntry(key)
	ent.size = size
	ent.expire = time.Now().Add(e.cfg.MaxInactive)
	ent.status = statusUpdated
	n := e.queue.PushNewest(ent)
	e.index.Store(key, n)
	e.size += size
	e.entryCount++
	return true
}

// expire is the soft pass (§4.4 expire): walk from the tail, unlink
// whatever is both unreferenced and past its deadline, and stop at
// the first node seen twice (the cache is fully pinned).
func (e *Engine[K, V]) expire(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sentinel *node[K]
	for {
		n := e.queue.Oldest()
		if n == nil || n == sentinel {
			break
		}
		ent := n.Value
		now := time.Now()
		if ent.expire.After(now) {
			break
		}
		if ent.refCount == 0 {
			dlog.Debugf(ctx, "%s: %v expired", e.name, ent.key)
			e.unlinkLocked(ctx, n)
			sentinel = nil
			continue
		}
		dlog.Debugf(ctx, "%s: %v is referenced, moving to newest", e.name, ent.key)
		ent.expire = now.Add(e.cfg.MaxInactive)
		e.queue.MoveToNewest(n)
		if sentinel == nil {
			sentinel = n
		}
	}
}

// forceExpire is the hard pass (§4.4 force_expire): evict the first
// tail-ward node with ref_count == 0, ignoring its deadline. tries <=
// 0 means unbounded (beyond the sentinel stop); tries > 0 additionally
// bounds the number of pinned nodes visited. Returns whether anything
// was unlinked.
func (e *Engine[K, V]) forceExpire(ctx context.Context, tries int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	bounded := tries > 0
	remaining := tries
	var sentinel *node[K]
	for {
		n := e.queue.Oldest()
		if n == nil || n == sentinel {
			break
		}
		ent := n.Value
		if ent.refCount == 0 {
			e.unlinkLocked(ctx, n)
			return true
		}
		ent.expire = time.Now().Add(e.cfg.MaxInactive)
		e.queue.MoveToNewest(n)
		if sentinel == nil {
			sentinel = n
		}
		if bounded {
			remaining--
			if remaining <= 0 {
				break
			}
		}
	}
	return false
}

// loadPhase drains the backend's discovery sequence, sleeping between
// batches as instructed, until it's exhausted or ctx is cancelled.
func (e *Engine[K, V]) loadPhase(ctx context.Context) error {
	ch := e.backend.Load(ctx, e.addMeta)
	for {
		select {
		case <-ctx.Done():
			return nil
		case wait, ok := <-ch:
			if !ok {
				return nil
			}
			if !sleepCtx(ctx, wait) {
				return nil
			}
		}
	}
}

// managePhase is the manage loop of §4.5: repeatedly soft-expire,
// then hard-expire while over max_size, then sleep until the next
// pass. It runs until ctx is cancelled.
func (e *Engine[K, V]) managePhase(ctx context.Context) error {
	for {
		e.expire(ctx)

		for {
			e.mu.Lock()
			over := e.size > e.cfg.MaxSize
			e.mu.Unlock()
			if !over {
				break
			}
			if e.forceExpire(ctx, 0) {
				continue
			}
			if !sleepCtx(ctx, e.cfg.ForcedExpireInterval) {
				return nil
			}
		}

		if !sleepCtx(ctx, e.cfg.ExpireInterval) {
			return nil
		}
	}
}

// sleepCtx sleeps for d, or until ctx is cancelled, whichever comes
// first. Returns false if it was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
