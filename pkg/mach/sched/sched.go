// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sched provides the block/wake primitive consumed by the IPC layer.
// The IPC code never sleeps directly; it blocks on an Event through a
// Scheduler while holding no locks.
package sched

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimedOut is returned by Block when the timeout expires first.
	ErrTimedOut = errors.New("sched: timed out")

	// ErrInterrupted is returned by Block when the context is done first.
	ErrInterrupted = errors.New("sched: interrupted")
)

// Forever is a timeout that never expires.
const Forever time.Duration = -1

// Event is something a thread can wait for. A Wake that precedes the matching
// Block is not lost.
type Event struct {
	ch chan struct{}
}

// NewEvent returns a ready Event.
func NewEvent() *Event {
	e := &Event{}
	e.Init()
	return e
}

// Init readies e for use.
func (e *Event) Init() {
	e.ch = make(chan struct{}, 1)
}

// Reset discards a pending wakeup.
func (e *Event) Reset() {
	select {
	case <-e.ch:
	default:
	}
}

// Scheduler blocks and wakes threads.
type Scheduler interface {
	// Block waits until e is woken. A timeout of zero polls, a negative
	// timeout waits forever.
	Block(ctx context.Context, e *Event, timeout time.Duration) error

	// Wake wakes the thread blocked on e, or the next one to block.
	Wake(e *Event)
}

// Goroutines is a Scheduler where every thread is a goroutine.
type Goroutines struct{}

// Block implements Scheduler.Block.
func (Goroutines) Block(ctx context.Context, e *Event, timeout time.Duration) error {
	if timeout == 0 {
		select {
		case <-e.ch:
			return nil
		default:
			return ErrTimedOut
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-e.ch:
		return nil
	case <-expired:
		return ErrTimedOut
	case <-ctx.Done():
		return ErrInterrupted
	}
}

// Wake implements Scheduler.Wake.
func (Goroutines) Wake(e *Event) {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}
