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

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/ilist"
	"gvisor.dev/machipc/pkg/mach/kalloc"
)

// Right is a port right held by the kernel rather than by a space: one
// carried in a kmsg, or one being moved between spaces.
//
// Type is one of MACH_MSG_TYPE_PORT_SEND, MACH_MSG_TYPE_PORT_SEND_ONCE or
// MACH_MSG_TYPE_PORT_RECEIVE. A Right with a Type and a nil Port is a dead
// right; the zero Right is null.
type Right struct {
	Port *Port
	Type mach.MsgTypeName
}

// Valid returns true if r refers to a live port.
func (r Right) Valid() bool {
	return r.Port != nil
}

// Dead returns true if r is a send right whose port died in transit.
func (r Right) Dead() bool {
	return r.Port == nil && r.Type != mach.MACH_MSG_TYPE_NONE
}

// Release destroys r as if it had never been used.
func (r Right) Release() {
	var nl notifyList
	r.release(&nl)
	nl.deliver(context.Background())
}

func (r Right) release(nl *notifyList) {
	if r.Port == nil {
		return
	}
	switch r.Type {
	case mach.MACH_MSG_TYPE_PORT_SEND:
		r.Port.dropSends(1, nl)
		r.Port.decRef()
	case mach.MACH_MSG_TYPE_PORT_SEND_ONCE:
		r.Port.releaseSendOnce(nl)
	case mach.MACH_MSG_TYPE_PORT_RECEIVE:
		r.Port.destroyReceive(nl)
		r.Port.decRef()
	default:
		panic("releasing right of unknown type " + r.Type.String())
	}
}

// consume releases r after the message it addressed was delivered. Unlike
// release, using a send-once right does not generate a notification.
func (r Right) consume(nl *notifyList) {
	if r.Port == nil {
		return
	}
	switch r.Type {
	case mach.MACH_MSG_TYPE_PORT_SEND_ONCE:
		r.Port.consumeSendOnce()
		r.Port.decRef()
	default:
		r.release(nl)
	}
}

// Kmsg is a message in transit. A kmsg owns every right it carries and its
// body buffer, and sits on at most one queue at a time.
type Kmsg struct {
	ilist.Entry[Kmsg]

	// queue is the queue k is linked into, or nil. It is protected by that
	// queue's lock.
	queue *MessageQueue

	id     int32
	remote Right
	local  Right
	ports  []Right

	alloc   kalloc.Allocator
	body    []byte
	trailer mach.MsgTrailer
}

// NewKmsg allocates a kernel message with a copy of body addressed to dest.
// It fails with MACH_SEND_TOO_LARGE or MACH_SEND_NO_BUFFER; dest is not
// consumed on failure.
func (r *Registry) NewKmsg(id int32, dest Right, body []byte) (*Kmsg, error) {
	if len(body) > r.limits.MaxMessageSize {
		return nil, kernerr.SendTooLarge
	}
	buf, err := r.alloc.Alloc(len(body))
	if err != nil {
		r.warn.Warningf("No buffer for a %d byte message: %v", len(body), err)
		return nil, kernerr.SendNoBuffer
	}
	copy(buf, body)
	return &Kmsg{
		id:     id,
		remote: dest,
		alloc:  r.alloc,
		body:   buf,
	}, nil
}

// ID returns the message id.
func (k *Kmsg) ID() int32 {
	return k.id
}

// Body returns the message body. It is valid until k is destroyed.
func (k *Kmsg) Body() []byte {
	return k.body
}

// Dest returns the destination right.
func (k *Kmsg) Dest() Right {
	return k.remote
}

// Reply returns the reply right without taking it.
func (k *Kmsg) Reply() Right {
	return k.local
}

// SetReply sets the reply right. k takes ownership of r.
func (k *Kmsg) SetReply(r Right) {
	if k.local.Port != nil {
		panic("kmsg already carries a reply right")
	}
	k.local = r
}

// TakeReply removes and returns the reply right.
func (k *Kmsg) TakeReply() Right {
	r := k.local
	k.local = Right{}
	return r
}

// AddPort appends a right to the body. k takes ownership of r.
func (k *Kmsg) AddPort(r Right) {
	k.ports = append(k.ports, r)
}

// Ports returns the number of rights in the body.
func (k *Kmsg) Ports() int {
	return len(k.ports)
}

// Port returns the i'th right in the body without taking it.
func (k *Kmsg) Port(i int) Right {
	return k.ports[i]
}

// TakePort removes and returns the i'th right in the body.
func (k *Kmsg) TakePort(i int) Right {
	r := k.ports[i]
	k.ports[i] = Right{}
	return r
}

// Trailer returns the trailer the receiver will see.
func (k *Kmsg) Trailer() mach.MsgTrailer {
	return k.trailer
}

// Size returns the size reported in the received header.
func (k *Kmsg) Size() uint32 {
	return uint32(mach.MsgHeaderSize + len(k.ports)*mach.PortDescriptorSize + len(k.body))
}

// ConsumeDest releases the destination right as delivered.
func (k *Kmsg) ConsumeDest() {
	var nl notifyList
	k.remote.consume(&nl)
	k.remote = Right{}
	nl.deliver(context.Background())
}

// Destroy releases every right k carries and frees its buffer.
func (k *Kmsg) Destroy() {
	var nl notifyList
	k.destroy(&nl)
	nl.deliver(context.Background())
}

func (k *Kmsg) destroy(nl *notifyList) {
	reply := k.cleanKeepReply(nl)
	reply.release(nl)
}

// CleanKeepReply destroys k except for its reply right, which is returned.
// Kernel servers use it to answer a request whose processing failed.
func (k *Kmsg) CleanKeepReply() Right {
	var nl notifyList
	r := k.cleanKeepReply(&nl)
	nl.deliver(context.Background())
	return r
}

func (k *Kmsg) cleanKeepReply(nl *notifyList) Right {
	if k.queue != nil {
		panic("destroying a queued kmsg")
	}
	k.remote.release(nl)
	k.remote = Right{}
	for i := range k.ports {
		k.ports[i].release(nl)
		k.ports[i] = Right{}
	}
	k.ports = nil
	k.freeBody()
	return k.TakeReply()
}

func (k *Kmsg) freeBody() {
	if k.body != nil {
		k.alloc.Free(k.body)
		k.body = nil
	}
}
