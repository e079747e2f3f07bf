// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
)

// lifecycleState is the engine's start/stop state machine (§4.5).
type lifecycleState uint8

const (
	lsWaiting lifecycleState = iota
	lsStarting
	lsLoading
	lsLoaded
	lsStopping
	lsStopped
)

func (s lifecycleState) String() string {
	switch s {
	case lsWaiting:
		return "WAITING"
	case lsStarting:
		return "STARTING"
	case lsLoading:
		return "LOADING"
	case lsLoaded:
		return "LOADED"
	case lsStopping:
		return "STOPPING"
	case lsStopped:
		return "STOPPED"
	default:
		return "INVALID"
	}
}

// loadPhase discovers pre-existing artifacts; it is run once, before
// manage starts repeating. manage runs until its ctx is cancelled.
type loadPhase func(ctx context.Context) error

type managePhase func(ctx context.Context) error

// lifecycle drives one engine's background worker through
// WAITING -> STARTING -> LOADING -> LOADED -> STOPPING -> STOPPED.
// Only WAITING and STOPPED accept start; only LOADING and LOADED
// accept stop. There is exactly one worker goroutine per lifecycle,
// run inside a dgroup.Group so a panic or error in either phase is
// reported rather than silently dropped.
type lifecycle struct {
	name string

	mu    sync.Mutex
	cond  *sync.Cond
	state lifecycleState

	cancel context.CancelFunc
	grp    *dgroup.Group
}

func newLifecycle(name string) *lifecycle {
	l := &lifecycle{name: name, state: lsWaiting}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lifecycle) currentState() lifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// isUsable reports whether the engine is past LOADING and may serve
// cache hits/single-flight instead of the pre-load bypass path.
func (l *lifecycle) isUsable() bool {
	return l.currentState() == lsLoaded
}

func (l *lifecycle) setState(s lifecycleState) {
	l.mu.Lock()
	l.state = s
	l.cond.Broadcast()
	l.mu.Unlock()
}

// waitUsable blocks until the state becomes LOADED, STOPPING, or
// STOPPED, or timeout elapses; a non-positive timeout waits without
// bound. Returns whether it's LOADED.
func (l *lifecycle) waitUsable(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.state != lsLoaded && l.state != lsStopping && l.state != lsStopped {
		if timeout <= 0 {
			l.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.AfterFunc(remaining, l.cond.Broadcast)
		l.cond.Wait()
		timer.Stop()
	}
	return l.state == lsLoaded
}

// start transitions WAITING|STOPPED -> STARTING and launches the
// background worker, which runs load then manage in sequence. manage
// only returns when ctx is cancelled (by stop) or it hits a fatal
// error, in which case the lifecycle falls to STOPPED on its own
// (§9: a clean return from manage without an explicit stop is
// treated as fatal).
func (l *lifecycle) start(parent context.Context, load loadPhase, manage managePhase) error {
	l.mu.Lock()
	if l.state != lsWaiting && l.state != lsStopped {
		l.mu.Unlock()
		return fmt.Errorf("cache: %s: start called in state %s", l.name, l.state)
	}
	l.state = lsStarting
	l.cond.Broadcast()
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.grp = dgroup.NewGroup(ctx, dgroup.GroupConfig{})

	l.grp.Go(l.name, func(ctx context.Context) error {
		l.setState(lsLoading)
		if err := load(ctx); err != nil {
			dlog.Errorf(ctx, "%s: load: %v", l.name, err)
			l.setState(lsStopping)
			l.setState(lsStopped)
			return err
		}

		l.setState(lsLoaded)
		err := manage(ctx)
		l.setState(lsStopping)
		l.setState(lsStopped)
		if err != nil && ctx.Err() == nil {
			dlog.Errorf(ctx, "%s: manage: %v", l.name, err)
			return err
		}
		return nil
	})
	return nil
}

// stop transitions LOADING|LOADED -> STOPPING, cancels the worker's
// context, and joins it (bounded by timeout if positive).
func (l *lifecycle) stop(timeout time.Duration) error {
	l.mu.Lock()
	if l.state != lsLoading && l.state != lsLoaded {
		l.mu.Unlock()
		return fmt.Errorf("cache: %s: stop called in state %s", l.name, l.state)
	}
	l.state = lsStopping
	l.cond.Broadcast()
	l.mu.Unlock()

	l.cancel()

	done := make(chan error, 1)
	go func() { done <- l.grp.Wait() }()

	if timeout <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(timeout):
		}
	}

	l.setState(lsStopped)
	return nil
}
