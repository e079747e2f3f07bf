// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"fmt"
)

// DequeEntry[T] is an entry in a Deque[T].
type DequeEntry[T any] struct {
	deque        *Deque[T]
	older, newer *DequeEntry[T]
	Value        T
}

// Older returns the entry one step toward the "oldest" end of the
// deque from this entry, or nil if this entry is already oldest.
func (entry *DequeEntry[T]) Older() *DequeEntry[T] { return entry.older }

// Newer returns the entry one step toward the "newest" end of the
// deque from this entry, or nil if this entry is already newest.
func (entry *DequeEntry[T]) Newer() *DequeEntry[T] { return entry.newer }

// Deque is an intrusive doubly-linked list used to track LRU order.
//
// Rather than "head/tail" or "front/back", it has "newest" and
// "oldest" ends, since that's the terminology meaningful to an LRU
// cache: a lookup moves an entry to the newest end; eviction walks
// from the oldest end.  All operations are O(1).  PushNewest
// allocates the DequeEntry for each value and returns it; the caller
// keeps that handle for later MoveToNewest and Unlink calls.
type Deque[T any] struct {
	oldest, newest *DequeEntry[T]
	len            int
}

// Len returns the number of entries currently linked into the deque.
func (l *Deque[T]) Len() int { return l.len }

// IsEmpty returns whether the deque is empty.
func (l *Deque[T]) IsEmpty() bool { return l.oldest == nil }

// Oldest returns the entry at the "oldest" end of the deque (the
// eviction candidate), or nil if the deque is empty.
func (l *Deque[T]) Oldest() *DequeEntry[T] { return l.oldest }

// Newest returns the entry at the "newest" end of the deque, or nil
// if the deque is empty.
func (l *Deque[T]) Newest() *DequeEntry[T] { return l.newest }

// PushNewest inserts value at the "newest" end of the deque,
// returning the new entry.
func (l *Deque[T]) PushNewest(value T) *DequeEntry[T] {
	entry := &DequeEntry[T]{Value: value}
	l.storeNewest(entry)
	return entry
}

func (l *Deque[T]) storeNewest(entry *DequeEntry[T]) {
	if entry.deque != nil {
		panic(fmt.Errorf("containers.Deque.storeNewest: entry %p is already in a deque", entry))
	}
	entry.deque = l
	entry.older = l.newest
	l.newest = entry
	if entry.older == nil {
		l.oldest = entry
	} else {
		entry.older.newer = entry
	}
	l.len++
}

// Unlink removes entry from the deque.  The entry is invalid once
// Unlink returns and must not be reused.
//
// It is invalid (runtime-panic) to call Unlink on an entry that isn't
// in this deque.
func (l *Deque[T]) Unlink(entry *DequeEntry[T]) {
	if entry.deque != l {
		panic(fmt.Errorf("containers.Deque.Unlink: entry %p not in deque", entry))
	}
	if entry.newer == nil {
		l.newest = entry.older
	} else {
		entry.newer.older = entry.older
	}
	if entry.older == nil {
		l.oldest = entry.newer
	} else {
		entry.older.newer = entry.newer
	}
	entry.deque = nil
	entry.older = nil
	entry.newer = nil
	l.len--
}

// MoveToNewest moves entry from anywhere in the deque to the "newest"
// end.  It is a no-op if entry is already newest.
//
// It is invalid (runtime-panic) to call MoveToNewest on an entry that
// isn't in this deque.
func (l *Deque[T]) MoveToNewest(entry *DequeEntry[T]) {
	if entry.deque != l {
		panic(fmt.Errorf("containers.Deque.MoveToNewest: entry %p not in deque", entry))
	}
	if entry.newer == nil {
		return
	}
	entry.newer.older = entry.older
	if entry.older == nil {
		l.oldest = entry.newer
	} else {
		entry.older.newer = entry.newer
	}

	entry.older = l.newest
	l.newest.newer = entry
	entry.newer = nil
	l.newest = entry
}
