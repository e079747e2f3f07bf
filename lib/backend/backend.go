// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package backend defines the storage contract that a cache engine
// sits in front of, and ships two implementations: an in-process map
// and a sharded-directory filesystem tree.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Read for a clean cache miss: metadata and
// data agree that the key is absent. Any other error from Read is
// surfaced to the caller unchanged.
var ErrNotFound = errors.New("backend: key not found")

// AddMetaFunc is how Load reports a pre-existing artifact to the
// engine driving it. It returns false if admission failed (capacity
// exhausted); the backend should then delete the underlying artifact,
// since the engine will never reference it.
type AddMetaFunc[K any] func(key K, size int64) bool

// Backend is the storage contract a cache engine sits in front of
// (§6). Prepare and Finalize each run exactly once per engine
// lifecycle; Load runs once at startup; Read/Write/Delete run for the
// lifetime of the engine.
//
// The engine guarantees at most one concurrent Write and at most one
// concurrent Delete per key, but may call Read concurrently for
// distinct keys (and concurrently with a Write/Delete of a different
// key). A Backend implementation must be safe for that; no further
// synchronization is provided.
type Backend[K any] interface {
	// Prepare is called once, before Load, to do any setup (open a
	// directory, connect to a store).
	Prepare(ctx context.Context) error

	// Finalize is called once, after the engine stops accepting new
	// work, to release resources Prepare acquired.
	Finalize(ctx context.Context) error

	// Load discovers artifacts that already exist in the backend
	// (e.g. from a prior process) and reports each to addMeta. It
	// runs in its own goroutine and communicates pauses between
	// batches of discovery work by sending a wait duration on the
	// returned channel; the caller sleeps that long (or until
	// cancelled) before the next receive. The channel is closed when
	// discovery is complete.
	Load(ctx context.Context, addMeta AddMetaFunc[K]) <-chan time.Duration

	// Read returns the stored bytes for key, or ErrNotFound on a
	// clean miss.
	Read(ctx context.Context, key K) ([]byte, error)

	// Write durably stores data for key. It is atomic at the key
	// level: a concurrent Read never observes a partial write.
	Write(ctx context.Context, key K, data []byte) error

	// Delete removes key's stored artifact, if any. It is
	// idempotent and best-effort.
	Delete(ctx context.Context, key K) error
}
