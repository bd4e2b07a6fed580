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

// Package kobject dispatches messages sent to kernel-bound ports.
//
// Each kernel object type has exactly one Subsystem. A message sent to a
// port bound to an object of that type is decoded by the routine registered
// for the message id, and the routine's result is sent back on the
// request's reply right with id+MIG_REPLY_OFFSET.
package kobject

import (
	"context"
	"fmt"
	"sort"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/ipc"
	"gvisor.dev/machipc/pkg/mach/mig"
	"gvisor.dev/machipc/pkg/metric"
)

// Routine handles one request. obj is the object bound to the destination
// port. On success the reply body is req.Reply. Returning
// kernerr.MigNoReply defers the reply; the routine must then have taken the
// reply right with req.TakeReply.
type Routine func(ctx context.Context, obj any, req *Request) error

// Subsystem is the set of routines served for one kernel object type.
type Subsystem struct {
	name     string
	typ      mach.KObjectType
	routines map[mach.MsgID]routine
}

type routine struct {
	name string
	fn   Routine
}

// NewSubsystem returns an empty subsystem for typ.
func NewSubsystem(name string, typ mach.KObjectType) *Subsystem {
	return &Subsystem{
		name:     name,
		typ:      typ,
		routines: make(map[mach.MsgID]routine),
	}
}

// Add registers fn as routine id. It panics if id is already registered or
// lies in the reply range of another routine.
func (s *Subsystem) Add(id mach.MsgID, name string, fn Routine) *Subsystem {
	if r, ok := s.routines[id]; ok {
		panic(fmt.Sprintf("%s: routine %d registered twice (%s, %s)", s.name, id, r.name, name))
	}
	for _, other := range []mach.MsgID{id - mach.MIG_REPLY_OFFSET, id + mach.MIG_REPLY_OFFSET} {
		if r, ok := s.routines[other]; ok {
			panic(fmt.Sprintf("%s: routine %d (%s) collides with the reply to %d (%s)", s.name, id, name, other, r.name))
		}
	}
	s.routines[id] = routine{name: name, fn: fn}
	return s
}

// Name returns the subsystem name.
func (s *Subsystem) Name() string {
	return s.name
}

// Type returns the kernel object type served.
func (s *Subsystem) Type() mach.KObjectType {
	return s.typ
}

// IDs returns the registered routine ids in ascending order.
func (s *Subsystem) IDs() []mach.MsgID {
	ids := make([]mach.MsgID, 0, len(s.routines))
	for id := range s.routines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Server dispatches kernel messages by the destination's object type. It
// implements ipc.Server.
type Server struct {
	reg        *ipc.Registry
	subsystems map[mach.KObjectType]*Subsystem
	ids        map[mach.MsgID]string
}

// NewServer returns a server answering through reg. Subsystems must be
// registered before the server is installed with reg.SetServer.
func NewServer(reg *ipc.Registry) *Server {
	return &Server{
		reg:        reg,
		subsystems: make(map[mach.KObjectType]*Subsystem),
		ids:        make(map[mach.MsgID]string),
	}
}

// Register adds sub. It panics if a subsystem for the same type exists or
// if a routine id is already served by another subsystem.
func (s *Server) Register(sub *Subsystem) {
	if sub.typ == mach.IKOT_NONE {
		panic(fmt.Sprintf("subsystem %s has no object type", sub.name))
	}
	if old, ok := s.subsystems[sub.typ]; ok {
		panic(fmt.Sprintf("object type %v served by both %s and %s", sub.typ, old.name, sub.name))
	}
	for id := range sub.routines {
		if old, ok := s.ids[id]; ok {
			panic(fmt.Sprintf("routine %d served by both %s and %s", id, old, sub.name))
		}
	}
	for id := range sub.routines {
		s.ids[id] = sub.name
	}
	s.subsystems[sub.typ] = sub
}

// Validate returns an error naming every kernel object type with no
// subsystem.
func (s *Server) Validate() error {
	var missing []string
	for _, t := range mach.KObjectTypes {
		if _, ok := s.subsystems[t]; !ok {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no subsystem for object types %v", missing)
	}
	return nil
}

// Subsystem returns the subsystem serving t, or nil.
func (s *Server) Subsystem(t mach.KObjectType) *Subsystem {
	return s.subsystems[t]
}

// Dispatch implements ipc.Server.Dispatch.
func (s *Server) Dispatch(ctx context.Context, k *ipc.Kmsg) *ipc.Kmsg {
	typ, obj := k.Dest().Port.KObject()
	k.ConsumeDest()
	id := k.ID()

	subName := typ.String()
	var fn Routine
	var err error
	switch sub := s.subsystems[typ]; {
	case typ == mach.IKOT_NONE:
		err = kernerr.MigServerDied
	case sub == nil:
		err = kernerr.MigBadID
	default:
		subName = sub.name
		if r, ok := sub.routines[id]; ok {
			fn = r.fn
		} else {
			err = kernerr.MigBadID
		}
	}

	req := &Request{
		ID:    id,
		Args:  mig.NewDecoder(k.Body()),
		Reply: mig.NewReply(mach.KERN_SUCCESS),
		kmsg:  k,
	}
	if fn != nil {
		err = fn(ctx, obj, req)
	}
	if err == kernerr.MigNoReply {
		req.releaseReplyPorts()
		k.Destroy()
		metric.KObjectDispatches.WithLabelValues(subName, "deferred").Inc()
		return nil
	}
	metric.KObjectDispatches.WithLabelValues(subName, result(err)).Inc()
	if log.IsLogging(log.Debug) {
		log.Debugf("Dispatched %s routine %d: %v", subName, id, kernerr.ToReturn(err))
	}

	replyRight := k.CleanKeepReply()
	if !replyRight.Valid() {
		replyRight.Release()
		req.releaseReplyPorts()
		return nil
	}
	body := req.Reply.Bytes()
	if err != nil {
		req.releaseReplyPorts()
		body = mig.NewReply(kernerr.ToReturn(err)).Bytes()
	}
	return s.reply(id, replyRight, body, req.ports)
}

func (s *Server) reply(id mach.MsgID, dest ipc.Right, body []byte, ports []ipc.Right) *ipc.Kmsg {
	reply, err := s.reg.NewKmsg(id+mach.MIG_REPLY_OFFSET, dest, body)
	if err != nil {
		log.Warningf("Dropping reply to routine %d: %v", id, err)
		dest.Release()
		for _, r := range ports {
			r.Release()
		}
		return nil
	}
	for _, r := range ports {
		reply.AddPort(r)
	}
	return reply
}

// SendReply answers a deferred request: it sends body with reply id
// id+MIG_REPLY_OFFSET to dest, consuming dest.
func (s *Server) SendReply(ctx context.Context, id mach.MsgID, dest ipc.Right, body *mig.Encoder) error {
	if !dest.Valid() {
		dest.Release()
		return kernerr.SendInvalidDest
	}
	reply := s.reply(id, dest, body.Bytes(), nil)
	if reply == nil {
		return kernerr.SendNoBuffer
	}
	return s.reg.Send(ctx, reply)
}

func result(err error) string {
	switch err {
	case nil:
		return "ok"
	case kernerr.MigBadID:
		return "bad-id"
	case kernerr.MigServerDied:
		return "dead"
	}
	return "error"
}
