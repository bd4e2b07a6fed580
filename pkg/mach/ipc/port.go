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
	"sync"
	"sync/atomic"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/metric"
	"gvisor.dev/machipc/pkg/refs"
)

// dnKey identifies a dead-name request.
type dnKey struct {
	space *Space
	name  mach.PortName
}

// Port is a communication endpoint.
//
// Two counts are kept apart. The embedded Refs keeps the Port allocated and
// is held by every space entry naming it and every right in transit. The
// right counts (srights, sorights) are user-visible and drive notifications.
type Port struct {
	refs.Refs[Port]

	reg *Registry
	id  uint64

	// active is set at creation and cleared, once, when the receive right is
	// destroyed. It is written under mu and may be read without it.
	active atomic.Bool

	// queue is the port's own message queue. While the port is in a set,
	// messages go to the set's queue instead.
	queue MessageQueue

	// mu protects the fields below.
	mu sync.Mutex

	// receiver is the space holding the receive right, or nil while the
	// right is in transit.
	receiver     *Space
	receiverName mach.PortName

	// srights counts send rights: every user reference held in a space plus
	// every right in transit. sorights counts send-once rights likewise.
	srights  uint32
	sorights uint32

	// mscount is the make-send count.
	mscount uint32

	// seqno numbers the messages sent to the port.
	seqno uint32

	pset *PortSet

	kotype  mach.KObjectType
	kobject any

	// Notification requests. Each holds a send-once right to the port to
	// notify.
	nsrequest  *Port
	pdrequest  *Port
	dnrequests map[dnKey]*Port
}

func (r *Registry) newPort() *Port {
	p := &Port{
		reg: r,
		id:  r.newID(),
	}
	p.InitRefs()
	p.active.Store(true)
	p.queue.init(p.id, "port", r.sched)
	metric.PortsLive.Inc()
	return p
}

func (p *Port) decRef() {
	p.DecRef(func() {
		if p.active.Load() {
			panic(fmt.Sprintf("port %d released while active", p.id))
		}
		metric.PortsLive.Dec()
	})
}

// String implements fmt.Stringer.String.
func (p *Port) String() string {
	return fmt.Sprintf("port %d", p.id)
}

// ID returns the port's unique id.
func (p *Port) ID() uint64 {
	return p.id
}

// Active returns true until the receive right is destroyed.
func (p *Port) Active() bool {
	return p.active.Load()
}

// queueLocked returns the queue messages to p are delivered to.
//
// Preconditions: p.mu is locked.
func (p *Port) queueLocked() *MessageQueue {
	if p.pset != nil {
		return &p.pset.queue
	}
	return &p.queue
}

// Queue returns the port's own message queue.
func (p *Port) Queue() *MessageQueue {
	return &p.queue
}

// PortSet returns the set p belongs to, or nil.
func (p *Port) PortSet() *PortSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pset
}

// SendRights returns the number of send rights outstanding.
func (p *Port) SendRights() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.srights
}

// SendOnceRights returns the number of send-once rights outstanding.
func (p *Port) SendOnceRights() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sorights
}

// MakeSendCount returns the number of send rights made from the receive
// right.
func (p *Port) MakeSendCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mscount
}

// MakeSend makes a send right from the receive right. The result is dead if
// p is no longer active.
func (p *Port) MakeSend() Right {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.makeSendLocked()
}

func (p *Port) makeSendLocked() Right {
	if !p.active.Load() {
		return Right{Type: mach.MACH_MSG_TYPE_PORT_SEND}
	}
	p.srights++
	p.mscount++
	p.IncRef()
	return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND}
}

// MakeSendOnce makes a send-once right from the receive right.
func (p *Port) MakeSendOnce() Right {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active.Load() {
		return Right{Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}
	}
	p.sorights++
	p.IncRef()
	return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}
}

// CopySend makes another send right. The caller must hold one.
func (p *Port) CopySend() Right {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active.Load() {
		return Right{Type: mach.MACH_MSG_TYPE_PORT_SEND}
	}
	if p.srights == 0 {
		panic(fmt.Sprintf("copying a send right of %v without one", p))
	}
	p.srights++
	p.IncRef()
	return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND}
}

// ReleaseSend releases a send right held by the kernel.
func (p *Port) ReleaseSend() {
	Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND}.Release()
}

// ReleaseSendOnce releases an unused send-once right held by the kernel.
func (p *Port) ReleaseSendOnce() {
	Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}.Release()
}

// ReleaseReceive destroys a receive right held by the kernel.
func (p *Port) ReleaseReceive() {
	Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_RECEIVE}.Release()
}

// addSends adds n send rights for user references created in a space.
func (p *Port) addSends(n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.srights += n
}

// dropSends removes n send rights. When the last one goes and a no-senders
// notification is requested, it is queued on nl.
func (p *Port) dropSends(n uint32, nl *notifyList) {
	if n == 0 {
		return
	}
	p.mu.Lock()
	if p.srights < n {
		p.mu.Unlock()
		panic(fmt.Sprintf("%v: releasing %d send rights of %d", p, n, p.srights))
	}
	p.srights -= n
	var notify *Port
	mscount := p.mscount
	if p.srights == 0 && p.nsrequest != nil && p.active.Load() {
		notify = p.nsrequest
		p.nsrequest = nil
	}
	p.mu.Unlock()
	if notify != nil {
		nl.noSenders(notify, mscount)
	}
}

// consumeSendOnce removes a send-once right that was used.
func (p *Port) consumeSendOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sorights == 0 {
		panic(fmt.Sprintf("%v: releasing a send-once right with none outstanding", p))
	}
	p.sorights--
}

// releaseSendOnce destroys an unused send-once right, consuming its
// reference. If the port is alive the right is used to send it a send-once
// notification.
func (p *Port) releaseSendOnce(nl *notifyList) {
	if p.Active() {
		nl.sendOnce(p)
		return
	}
	p.consumeSendOnce()
	p.decRef()
}

// destroyReceive destroys the receive right. If a port-destroyed request is
// registered the right is sent to the requester instead and the port stays
// alive. The caller's reference is not consumed.
func (p *Port) destroyReceive(nl *notifyList) {
	p.mu.Lock()
	if !p.active.Load() {
		p.mu.Unlock()
		panic(fmt.Sprintf("%v: destroying the receive right of a dead port", p))
	}
	p.receiver = nil
	p.receiverName = mach.MACH_PORT_NULL
	if ps := p.pset; ps != nil {
		ps.remove(p)
	}
	if pd := p.pdrequest; pd != nil {
		p.pdrequest = nil
		p.IncRef()
		p.mu.Unlock()
		p.queue.changed(kernerr.RcvPortChanged)
		if nl.portDestroyed(pd, Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_RECEIVE}) {
			return
		}
		p.decRef()
		Right{Port: pd, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}.release(nl)
		p.mu.Lock()
	}

	p.active.Store(false)
	msgs := p.queue.drain()
	dn := p.dnrequests
	p.dnrequests = nil
	ns := p.nsrequest
	p.nsrequest = nil
	p.kotype = mach.IKOT_NONE
	p.kobject = nil
	p.mu.Unlock()

	p.queue.changed(kernerr.RcvPortDied)
	for _, k := range msgs {
		nl.destroy(k)
	}
	for key, notify := range dn {
		nl.deadName(notify, key.name)
	}
	if ns != nil {
		Right{Port: ns, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}.release(nl)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("%v died with %d queued messages and %d dead-name requests", p, len(msgs), len(dn))
	}
}

// SetKObject binds p to a kernel object. p must be active and unbound.
func (p *Port) SetKObject(t mach.KObjectType, obj any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active.Load() {
		return kernerr.InvalidCapability
	}
	if p.kotype != mach.IKOT_NONE {
		return kernerr.RightExists
	}
	p.kotype = t
	p.kobject = obj
	return nil
}

// KObject returns the kernel object bound to p.
func (p *Port) KObject() (mach.KObjectType, any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kotype, p.kobject
}

// ClearKObject unbinds p. Messages sent to it afterwards are queued and
// destroyed with the port.
func (p *Port) ClearKObject() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kotype = mach.IKOT_NONE
	p.kobject = nil
}

// cancelDeadName removes the dead-name request for (s, name) and returns the
// port to notify, or nil.
func (p *Port) cancelDeadName(s *Space, name mach.PortName) *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := dnKey{s, name}
	notify := p.dnrequests[k]
	delete(p.dnrequests, k)
	return notify
}
