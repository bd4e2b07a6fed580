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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/metric"
	"gvisor.dev/machipc/pkg/refs"
)

// PortSet is a group of ports received from through one queue. Messages sent
// to a member are queued on the set's queue, never on the member's.
type PortSet struct {
	refs.Refs[PortSet]

	reg *Registry
	id  uint64

	// active is cleared when the set is destroyed. It is written under mu.
	active atomic.Bool

	queue MessageQueue

	// mu protects members. Each member holds a reference on the set.
	mu      sync.Mutex
	members map[*Port]struct{}
}

func (r *Registry) newPortSet() *PortSet {
	ps := &PortSet{
		reg:     r,
		id:      r.newID(),
		members: make(map[*Port]struct{}),
	}
	ps.InitRefs()
	ps.active.Store(true)
	ps.queue.init(ps.id, "pset", r.sched)
	metric.PortsLive.Inc()
	return ps
}

func (ps *PortSet) decRef() {
	ps.DecRef(func() {
		if ps.active.Load() {
			panic(fmt.Sprintf("%v released while active", ps))
		}
		metric.PortsLive.Dec()
	})
}

// String implements fmt.Stringer.String.
func (ps *PortSet) String() string {
	return fmt.Sprintf("pset %d", ps.id)
}

// ID returns the set's unique id.
func (ps *PortSet) ID() uint64 {
	return ps.id
}

// Active returns true until the set is destroyed.
func (ps *PortSet) Active() bool {
	return ps.active.Load()
}

// Queue returns the set's message queue.
func (ps *PortSet) Queue() *MessageQueue {
	return &ps.queue
}

// Members returns the member ports ordered by id.
func (ps *PortSet) Members() []*Port {
	ps.mu.Lock()
	ports := make([]*Port, 0, len(ps.members))
	for p := range ps.members {
		ports = append(ports, p)
	}
	ps.mu.Unlock()
	sort.Slice(ports, func(i, j int) bool { return ports[i].id < ports[j].id })
	return ports
}

// lockSets locks a and b, either of which may be nil, lower id first.
func lockSets(a, b *PortSet) {
	switch {
	case a == nil:
		b.mu.Lock()
	case b == nil:
		a.mu.Lock()
	case a.id < b.id:
		a.mu.Lock()
		b.mu.Lock()
	default:
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockSets(a, b *PortSet) {
	if a != nil {
		a.mu.Unlock()
	}
	if b != nil {
		b.mu.Unlock()
	}
}

// add makes p a member of ps, taking it out of its current set if any. The
// messages queued for p move to the set's queue in order, and threads still
// receiving directly from p are woken with MACH_RCV_PORT_CHANGED.
//
// Preconditions: p.mu is locked and p is active.
func (ps *PortSet) add(p *Port) error {
	old := p.pset
	if old == ps {
		return nil
	}
	lockSets(old, ps)
	if !ps.active.Load() {
		unlockSets(old, ps)
		return kernerr.InvalidName
	}
	if old != nil {
		delete(old.members, p)
	}
	ps.members[p] = struct{}{}
	ps.IncRef()
	p.pset = ps
	unlockSets(old, ps)

	if old != nil {
		move(&ps.queue, &old.queue, p)
		old.decRef()
		return nil
	}
	move(&ps.queue, &p.queue, p)
	p.queue.changed(kernerr.RcvPortChanged)
	return nil
}

// remove takes p out of ps. Messages for p still queued on the set move back
// to p's own queue, after any already there.
//
// Preconditions: p.mu is locked and p.pset == ps.
func (ps *PortSet) remove(p *Port) {
	if p.pset != ps {
		panic(fmt.Sprintf("removing %v from %v, but it is in %v", p, ps, p.pset))
	}
	ps.mu.Lock()
	delete(ps.members, p)
	ps.mu.Unlock()
	p.pset = nil
	move(&p.queue, &ps.queue, p)
	ps.decRef()
}

// destroy marks ps inactive, removes every member and wakes receivers with
// MACH_RCV_PORT_DIED. The caller's reference is not consumed.
func (ps *PortSet) destroy() {
	ps.mu.Lock()
	if !ps.active.Load() {
		ps.mu.Unlock()
		panic(fmt.Sprintf("destroying %v twice", ps))
	}
	ps.active.Store(false)
	members := make([]*Port, 0, len(ps.members))
	for p := range ps.members {
		p.IncRef()
		members = append(members, p)
	}
	ps.mu.Unlock()

	for _, p := range members {
		p.mu.Lock()
		if p.pset == ps {
			ps.remove(p)
		}
		p.mu.Unlock()
		p.decRef()
	}
	ps.queue.changed(kernerr.RcvPortDied)
}

// startReceive dequeues a message from the set or registers a waiter, failing
// if the set is dead.
func (ps *PortSet) startReceive(timeout time.Duration) (*Kmsg, *waiter, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.active.Load() {
		return nil, nil, kernerr.RcvPortDied
	}
	return ps.queue.startReceive(timeout)
}
