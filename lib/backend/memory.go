// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"sync"
	"time"
)

// Memory is a trivial in-process Backend backed by a map. It never
// reports pre-existing artifacts from Load (there's nothing to
// discover across a restart of an in-memory store), which makes it
// useful for tests and for the bench/serve tooling in cmd/cachectl.
type Memory[K comparable] struct {
	mu   sync.Mutex
	data map[K][]byte
}

var _ Backend[string] = (*Memory[string])(nil)

func NewMemory[K comparable]() *Memory[K] {
	return &Memory[K]{data: make(map[K][]byte)}
}

func (m *Memory[K]) Prepare(ctx context.Context) error  { return nil }
func (m *Memory[K]) Finalize(ctx context.Context) error { return nil }

func (m *Memory[K]) Load(ctx context.Context, addMeta AddMetaFunc[K]) <-chan time.Duration {
	ch := make(chan time.Duration)
	close(ch)
	return ch
}

func (m *Memory[K]) Read(ctx context.Context, key K) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory[K]) Write(ctx context.Context, key K, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key] = cp
	return nil
}

func (m *Memory[K]) Delete(ctx context.Context, key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
