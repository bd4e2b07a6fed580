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

package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/ilist"
	"gvisor.dev/machipc/pkg/mach/sched"
	"gvisor.dev/machipc/pkg/metric"
)

type kmsgList = ilist.List[Kmsg, *Kmsg]

// waiter is a receiver blocked on a queue.
type waiter struct {
	ilist.Entry[waiter]
	ev sched.Event

	// The fields below are set, under the queue lock, by whoever removes
	// the waiter from the wait list.
	done bool
	kmsg *Kmsg
	err  error
}

type waiterList = ilist.List[waiter, *waiter]

// MessageQueue is a FIFO of kmsgs and a list of blocked receivers. Ports and
// port sets each own one.
//
// Every state change (enqueue, dequeue, waiter add and remove, changed and
// move) happens under mu, so they are totally ordered: a changed wake
// happens after every enqueue that took the lock before it and before every
// enqueue that takes it after.
type MessageQueue struct {
	// id orders queue locks.
	id    uint64
	kind  string
	sched sched.Scheduler

	// mu protects the fields below.
	mu       sync.Mutex
	messages kmsgList
	waiters  waiterList
}

func (q *MessageQueue) init(id uint64, kind string, s sched.Scheduler) {
	q.id = id
	q.kind = kind
	q.sched = s
}

// enqueue appends k, handing it directly to the oldest waiter if there is
// one.
func (q *MessageQueue) enqueue(k *Kmsg) {
	q.mu.Lock()
	if k.queue != nil {
		q.mu.Unlock()
		panic(fmt.Sprintf("kmsg %p enqueued on queue %d while on queue %d", k, q.id, k.queue.id))
	}
	if w := q.waiters.PopFront(); w != nil {
		w.done = true
		w.kmsg = k
		q.mu.Unlock()
		q.sched.Wake(&w.ev)
		return
	}
	k.queue = q
	q.messages.PushBack(k)
	q.mu.Unlock()
}

// dequeue removes the oldest kmsg, or returns nil.
func (q *MessageQueue) dequeue() *Kmsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *MessageQueue) dequeueLocked() *Kmsg {
	k := q.messages.PopFront()
	if k != nil {
		k.queue = nil
	}
	return k
}

// receive returns the oldest kmsg, blocking for up to timeout if there is
// none. A timeout of zero polls and a negative one waits forever.
func (q *MessageQueue) receive(ctx context.Context, timeout time.Duration) (*Kmsg, error) {
	k, w, err := q.startReceive(timeout)
	if w == nil {
		return k, err
	}
	return q.finishReceive(ctx, w, timeout)
}

// startReceive dequeues a kmsg or registers a waiter. Callers that must
// check the queue's owner atomically with registration hold the owner's lock
// across startReceive.
func (q *MessageQueue) startReceive(timeout time.Duration) (*Kmsg, *waiter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if k := q.dequeueLocked(); k != nil {
		metric.MessagesReceived.WithLabelValues(q.kind).Inc()
		return k, nil, nil
	}
	if timeout == 0 {
		return nil, nil, kernerr.RcvTimedOut
	}
	w := &waiter{}
	w.ev.Init()
	q.waiters.PushBack(w)
	return nil, w, nil
}

// finishReceive blocks until w is handed a message or a status, or until
// the timeout expires.
//
// Cancellation is race free: a waiter that times out removes itself under
// the queue lock, and if an enqueue handed it a message first it keeps that
// message instead.
func (q *MessageQueue) finishReceive(ctx context.Context, w *waiter, timeout time.Duration) (*Kmsg, error) {
	blockErr := q.sched.Block(ctx, &w.ev, timeout)

	q.mu.Lock()
	if w.done {
		q.mu.Unlock()
		if w.kmsg != nil {
			metric.MessagesReceived.WithLabelValues(q.kind).Inc()
		}
		return w.kmsg, w.err
	}
	q.waiters.Remove(w)
	q.mu.Unlock()

	switch blockErr {
	case sched.ErrTimedOut:
		metric.ReceiveTimeouts.Inc()
		return nil, kernerr.RcvTimedOut
	default:
		return nil, kernerr.RcvInterrupted
	}
}

// changed wakes every waiter with reason instead of a message.
func (q *MessageQueue) changed(reason error) {
	q.mu.Lock()
	var woken []*waiter
	for w := q.waiters.PopFront(); w != nil; w = q.waiters.PopFront() {
		w.done = true
		w.err = reason
		woken = append(woken, w)
	}
	q.mu.Unlock()
	for _, w := range woken {
		q.sched.Wake(&w.ev)
	}
}

// drain removes and returns every queued kmsg.
func (q *MessageQueue) drain() []*Kmsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ks []*Kmsg
	for k := q.dequeueLocked(); k != nil; k = q.dequeueLocked() {
		ks = append(ks, k)
	}
	return ks
}

// lockPair locks a and b, lower id first.
func lockPair(a, b *MessageQueue) {
	if a.id < b.id {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

// move transfers the kmsgs in src addressed to port (all of them if port is
// nil) to the back of dst, keeping their order. Messages go to dst's waiters
// first. Waiters on src are left alone; callers decide whether src changed.
func move(dst, src *MessageQueue, port *Port) {
	lockPair(dst, src)
	var moved kmsgList
	for k := src.messages.Front(); k != nil; {
		next := src.messages.Next(k)
		if port == nil || k.remote.Port == port {
			src.messages.Remove(k)
			moved.PushBack(k)
		}
		k = next
	}
	var woken []*waiter
	for !moved.Empty() && !dst.waiters.Empty() {
		k := moved.PopFront()
		w := dst.waiters.PopFront()
		k.queue = nil
		w.done = true
		w.kmsg = k
		woken = append(woken, w)
	}
	for k := moved.Front(); k != nil; k = moved.Next(k) {
		k.queue = dst
	}
	dst.messages.PushBackList(&moved)
	src.mu.Unlock()
	dst.mu.Unlock()
	for _, w := range woken {
		dst.sched.Wake(&w.ev)
	}
}

// Len returns the number of queued kmsgs.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messages.Len()
}

// Waiters returns the number of blocked receivers.
func (q *MessageQueue) Waiters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}
