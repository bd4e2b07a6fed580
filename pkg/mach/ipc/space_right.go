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
)

// CopyIn takes a right out of the space according to a message disposition.
// MACH_PORT_NULL yields the null right.
func (s *Space) CopyIn(name mach.PortName, disp mach.MsgTypeName) (Right, error) {
	if name == mach.MACH_PORT_NULL {
		return Right{}, nil
	}
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyinLocked(name, disp, &nl)
}

// ExtractRight removes a right from the space for the caller to hold.
func (s *Space) ExtractRight(name mach.PortName, disp mach.MsgTypeName) (Right, error) {
	if !disp.IsPortRight() {
		return Right{}, kernerr.InvalidValue
	}
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyinLocked(name, disp, &nl)
}

func (s *Space) copyinLocked(name mach.PortName, disp mach.MsgTypeName, nl *notifyList) (Right, error) {
	e, err := s.lookupLocked(name, nl)
	if err != nil {
		return Right{}, err
	}
	dead := e.typ&mach.MACH_PORT_TYPE_DEAD_NAME != 0
	switch disp {
	case mach.MACH_MSG_TYPE_MAKE_SEND:
		if e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
			return Right{}, kernerr.InvalidRight
		}
		return e.port.MakeSend(), nil

	case mach.MACH_MSG_TYPE_MAKE_SEND_ONCE:
		if e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
			return Right{}, kernerr.InvalidRight
		}
		return e.port.MakeSendOnce(), nil

	case mach.MACH_MSG_TYPE_COPY_SEND:
		if dead {
			return Right{Type: mach.MACH_MSG_TYPE_PORT_SEND}, nil
		}
		if e.typ&mach.MACH_PORT_TYPE_SEND == 0 {
			return Right{}, kernerr.InvalidRight
		}
		return e.port.CopySend(), nil

	case mach.MACH_MSG_TYPE_MOVE_SEND:
		if dead {
			s.dropDeadRefsLocked(name, e, 1)
			return Right{Type: mach.MACH_MSG_TYPE_PORT_SEND}, nil
		}
		if e.typ&mach.MACH_PORT_TYPE_SEND == 0 {
			return Right{}, kernerr.InvalidRight
		}
		p := e.port
		if e.urefs == 1 && e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
			old := s.removeLocked(name, e)
			s.cancelDeadName(name, old, nl)
			return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND}, nil
		}
		e.urefs--
		if e.urefs == 0 {
			e.typ &^= mach.MACH_PORT_TYPE_SEND
		}
		p.IncRef()
		return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND}, nil

	case mach.MACH_MSG_TYPE_MOVE_SEND_ONCE:
		if dead {
			s.dropDeadRefsLocked(name, e, 1)
			return Right{Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}, nil
		}
		if e.typ&mach.MACH_PORT_TYPE_SEND_ONCE == 0 {
			return Right{}, kernerr.InvalidRight
		}
		p := e.port
		old := s.removeLocked(name, e)
		s.cancelDeadName(name, old, nl)
		return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}, nil

	case mach.MACH_MSG_TYPE_MOVE_RECEIVE:
		if e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
			return Right{}, kernerr.InvalidRight
		}
		p := e.port
		if e.typ&mach.MACH_PORT_TYPE_SEND == 0 {
			s.removeLocked(name, e)
		} else {
			e.typ &^= mach.MACH_PORT_TYPE_RECEIVE
			p.IncRef()
		}
		p.mu.Lock()
		if ps := p.pset; ps != nil {
			ps.remove(p)
		}
		p.receiver = nil
		p.receiverName = mach.MACH_PORT_NULL
		p.mu.Unlock()
		p.queue.changed(kernerr.RcvPortChanged)
		return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_RECEIVE}, nil
	}
	return Right{}, kernerr.InvalidValue
}

// CopyOut names r in the space, taking ownership of it. A send right for a
// port the space already names reuses that name. Dead and null rights yield
// MACH_PORT_DEAD and MACH_PORT_NULL. On failure r is not consumed.
func (s *Space) CopyOut(r Right) (mach.PortName, error) {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyoutLocked(r, &nl)
}

func (s *Space) copyoutLocked(r Right, nl *notifyList) (mach.PortName, error) {
	if r.Port == nil {
		if r.Type == mach.MACH_MSG_TYPE_NONE {
			return mach.MACH_PORT_NULL, nil
		}
		return mach.MACH_PORT_DEAD, nil
	}
	if !s.active {
		return mach.MACH_PORT_NULL, kernerr.InvalidTask
	}
	p := r.Port
	if r.Type != mach.MACH_MSG_TYPE_PORT_RECEIVE && !p.Active() {
		r.release(nl)
		return mach.MACH_PORT_DEAD, nil
	}

	switch r.Type {
	case mach.MACH_MSG_TYPE_PORT_SEND, mach.MACH_MSG_TYPE_PORT_RECEIVE:
		if name, ok := s.reg.revLookup(s, p); ok {
			s.mergeLocked(name, r, nl)
			return name, nil
		}
		name, e, err := s.allocLocked()
		if err != nil {
			return mach.MACH_PORT_NULL, err
		}
		// Growth may have let another thread name p.
		if existing, ok := s.reg.revLookup(s, p); ok {
			s.mergeLocked(existing, r, nl)
			return existing, nil
		}
		s.fillLocked(name, e, r)
		return name, nil

	case mach.MACH_MSG_TYPE_PORT_SEND_ONCE:
		name, e, err := s.allocLocked()
		if err != nil {
			return mach.MACH_PORT_NULL, err
		}
		s.fillLocked(name, e, r)
		return name, nil
	}
	panic("copying out right of unknown type " + r.Type.String())
}

// fillLocked names r in the free entry e, taking ownership of it.
func (s *Space) fillLocked(name mach.PortName, e *entry, r Right) {
	switch r.Type {
	case mach.MACH_MSG_TYPE_PORT_RECEIVE:
		s.fillReceiveLocked(name, e, r.Port)
	case mach.MACH_MSG_TYPE_PORT_SEND:
		*e = entry{typ: mach.MACH_PORT_TYPE_SEND, urefs: 1, gen: e.gen, port: r.Port}
		s.reg.revInsert(s, r.Port, name)
	case mach.MACH_MSG_TYPE_PORT_SEND_ONCE:
		*e = entry{typ: mach.MACH_PORT_TYPE_SEND_ONCE, urefs: 1, gen: e.gen, port: r.Port}
	}
}

// mergeLocked adds a send or receive right to the entry that already names
// its port. A send right beyond the user reference limit is dropped.
func (s *Space) mergeLocked(name mach.PortName, r Right, nl *notifyList) {
	e, err := s.entryLocked(name)
	if err != nil || e.port != r.Port {
		panic("reverse index out of sync with " + s.String())
	}
	p := r.Port
	switch r.Type {
	case mach.MACH_MSG_TYPE_PORT_SEND:
		switch {
		case e.typ&mach.MACH_PORT_TYPE_SEND == 0:
			e.typ |= mach.MACH_PORT_TYPE_SEND
			e.urefs = 1
		case e.urefs < s.reg.limits.MaxURefs:
			e.urefs++
		default:
			p.dropSends(1, nl)
		}
		p.decRef()
	case mach.MACH_MSG_TYPE_PORT_RECEIVE:
		if e.typ&mach.MACH_PORT_TYPE_RECEIVE != 0 {
			panic("two receive rights for " + p.String())
		}
		e.typ |= mach.MACH_PORT_TYPE_RECEIVE
		p.mu.Lock()
		p.receiver = s
		p.receiverName = name
		p.mu.Unlock()
		p.decRef()
	}
}

// InsertRight names r under a caller-chosen name. r is consumed even on
// failure.
func (s *Space) InsertRight(name mach.PortName, r Right) error {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) error {
		r.release(&nl)
		return err
	}
	if !s.active {
		return fail(kernerr.InvalidTask)
	}
	switch {
	case !name.Valid() || name.Index() == 0:
		return fail(kernerr.InvalidValue)
	case r.Type != mach.MACH_MSG_TYPE_PORT_SEND && r.Type != mach.MACH_MSG_TYPE_PORT_SEND_ONCE && r.Type != mach.MACH_MSG_TYPE_PORT_RECEIVE:
		return fail(kernerr.InvalidValue)
	}

	p := r.Port
	if p == nil || (r.Type != mach.MACH_MSG_TYPE_PORT_RECEIVE && !p.Active()) {
		r.release(&nl)
		return s.insertDeadLocked(name, &nl)
	}

	if existing, ok := s.reg.revLookup(s, p); ok {
		if existing != name {
			return fail(kernerr.RightExists)
		}
		e, _ := s.entryLocked(name)
		switch {
		case r.Type == mach.MACH_MSG_TYPE_PORT_SEND_ONCE:
			return fail(kernerr.NameExists)
		case r.Type == mach.MACH_MSG_TYPE_PORT_SEND && e.typ&mach.MACH_PORT_TYPE_SEND != 0 && e.urefs >= s.reg.limits.MaxURefs:
			return fail(kernerr.UrefsOverflow)
		}
		s.mergeLocked(name, r, &nl)
		return nil
	}

	e, err := s.claimLocked(name)
	if err != nil {
		return fail(err)
	}
	s.fillLocked(name, e, r)
	return nil
}

// insertDeadLocked adds a dead name reference under name.
func (s *Space) insertDeadLocked(name mach.PortName, nl *notifyList) error {
	if e, err := s.entryLocked(name); err == nil {
		s.checkLocked(name, e, nl)
		if e.typ&mach.MACH_PORT_TYPE_DEAD_NAME == 0 {
			return kernerr.NameExists
		}
		if e.urefs >= s.reg.limits.MaxURefs {
			return kernerr.UrefsOverflow
		}
		e.urefs++
		return nil
	}
	e, err := s.claimLocked(name)
	if err != nil {
		return err
	}
	*e = entry{typ: mach.MACH_PORT_TYPE_DEAD_NAME, urefs: 1, gen: e.gen}
	return nil
}

// ModRefs adds delta to the user references of one right named by name.
// Dropping the last reference removes the right.
func (s *Space) ModRefs(name mach.PortName, right mach.PortRight, delta int32) error {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(name, &nl)
	if err != nil {
		return err
	}
	if right >= mach.MACH_PORT_RIGHT_NUMBER {
		return kernerr.InvalidValue
	}
	if e.typ&right.Type() == 0 {
		return kernerr.InvalidRight
	}

	switch right {
	case mach.MACH_PORT_RIGHT_SEND, mach.MACH_PORT_RIGHT_DEAD_NAME:
		n := int64(e.urefs) + int64(delta)
		switch {
		case n < 0:
			return kernerr.InvalidValue
		case n > int64(s.reg.limits.MaxURefs):
			return kernerr.UrefsOverflow
		case delta == 0:
			return nil
		}
		if right == mach.MACH_PORT_RIGHT_DEAD_NAME {
			if n == 0 {
				s.removeLocked(name, e)
			} else {
				e.urefs = uint32(n)
			}
			return nil
		}
		p := e.port
		if delta > 0 {
			p.addSends(uint32(delta))
			e.urefs = uint32(n)
			return nil
		}
		if n == 0 && e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
			old := s.removeLocked(name, e)
			s.destroyRights(name, old, &nl)
			return nil
		}
		e.urefs = uint32(n)
		if n == 0 {
			e.typ &^= mach.MACH_PORT_TYPE_SEND
		}
		p.dropSends(uint32(-delta), &nl)
		return nil

	default:
		switch delta {
		case 0:
			return nil
		case -1:
		default:
			return kernerr.InvalidValue
		}
		if right == mach.MACH_PORT_RIGHT_RECEIVE && e.typ&mach.MACH_PORT_TYPE_SEND != 0 {
			// The send rights keep the name.
			e.typ &^= mach.MACH_PORT_TYPE_RECEIVE
			e.port.destroyReceive(&nl)
			return nil
		}
		old := s.removeLocked(name, e)
		s.destroyRights(name, old, &nl)
		return nil
	}
}

// GetRefs returns the user references name holds for one kind of right.
func (s *Space) GetRefs(name mach.PortName, right mach.PortRight) (uint32, error) {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(name, &nl)
	if err != nil {
		return 0, err
	}
	if right >= mach.MACH_PORT_RIGHT_NUMBER {
		return 0, kernerr.InvalidValue
	}
	if e.typ&right.Type() == 0 {
		return 0, nil
	}
	switch right {
	case mach.MACH_PORT_RIGHT_SEND, mach.MACH_PORT_RIGHT_DEAD_NAME:
		return e.urefs, nil
	default:
		return 1, nil
	}
}

// MoveMember moves the receive right member into the port set after, or out
// of its set if after is MACH_PORT_NULL.
func (s *Space) MoveMember(member, after mach.PortName) error {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(member, &nl)
	if err != nil {
		return err
	}
	if e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
		return kernerr.InvalidRight
	}
	p := e.port
	var ps *PortSet
	if after != mach.MACH_PORT_NULL {
		se, err := s.lookupLocked(after, &nl)
		if err != nil {
			return err
		}
		if se.typ&mach.MACH_PORT_TYPE_PORT_SET == 0 {
			return kernerr.InvalidRight
		}
		ps = se.pset
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ps == nil {
		if p.pset == nil {
			return kernerr.NotInSet
		}
		p.pset.remove(p)
		return nil
	}
	return ps.add(p)
}

// RequestNotification registers notify, a send-once right, to be sent the
// given notification about name, and returns the previously registered
// right. A null notify cancels the request. notify is consumed even on
// failure.
//
// For no-senders requests, the notification fires at once if the port has
// no send rights and sync is not above its make-send count. For dead-name
// requests on a name that is already dead it fires at once, adding a user
// reference to the name.
func (s *Space) RequestNotification(name mach.PortName, kind mach.NotifyKind, sync uint32, notify Right) (Right, error) {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) (Right, error) {
		notify.release(&nl)
		return Right{}, err
	}
	switch {
	case notify.Dead():
		if notify.Type != mach.MACH_MSG_TYPE_PORT_SEND_ONCE {
			return fail(kernerr.InvalidValue)
		}
		return fail(kernerr.InvalidCapability)
	case notify.Valid() && notify.Type != mach.MACH_MSG_TYPE_PORT_SEND_ONCE:
		return fail(kernerr.InvalidValue)
	}
	e, err := s.lookupLocked(name, &nl)
	if err != nil {
		return fail(err)
	}

	switch kind {
	case mach.NotifyNoSenders:
		if e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
			return fail(kernerr.InvalidRight)
		}
		p := e.port
		p.mu.Lock()
		prev := p.nsrequest
		p.nsrequest = notify.Port
		fire := notify.Valid() && p.srights == 0 && sync <= p.mscount
		if fire {
			p.nsrequest = nil
		}
		mscount := p.mscount
		p.mu.Unlock()
		if fire {
			nl.noSenders(notify.Port, mscount)
		}
		return sendOnceTo(prev), nil

	case mach.NotifyPortDestroyed:
		if e.typ&mach.MACH_PORT_TYPE_RECEIVE == 0 {
			return fail(kernerr.InvalidRight)
		}
		if sync != 0 {
			return fail(kernerr.InvalidValue)
		}
		p := e.port
		p.mu.Lock()
		prev := p.pdrequest
		p.pdrequest = notify.Port
		p.mu.Unlock()
		return sendOnceTo(prev), nil

	case mach.NotifyDeadName:
		if e.typ&(mach.MACH_PORT_TYPE_SEND_RIGHTS|mach.MACH_PORT_TYPE_DEAD_NAME) == 0 {
			return fail(kernerr.InvalidRight)
		}
		if e.typ&mach.MACH_PORT_TYPE_DEAD_NAME == 0 {
			p := e.port
			k := dnKey{s, name}
			p.mu.Lock()
			if p.active.Load() {
				prev := p.dnrequests[k]
				if notify.Valid() {
					if p.dnrequests == nil {
						p.dnrequests = make(map[dnKey]*Port)
					}
					p.dnrequests[k] = notify.Port
					e.typ |= mach.MACH_PORT_TYPE_DNREQUEST
				} else {
					delete(p.dnrequests, k)
					e.typ &^= mach.MACH_PORT_TYPE_DNREQUEST
				}
				p.mu.Unlock()
				return sendOnceTo(prev), nil
			}
			p.mu.Unlock()
			s.checkLocked(name, e, &nl)
		}
		if !notify.Valid() {
			return Right{}, nil
		}
		if e.urefs >= s.reg.limits.MaxURefs {
			return fail(kernerr.UrefsOverflow)
		}
		e.urefs++
		nl.deadName(notify.Port, name)
		return Right{}, nil
	}
	return fail(kernerr.InvalidValue)
}

func sendOnceTo(p *Port) Right {
	if p == nil {
		return Right{}
	}
	return Right{Port: p, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}
}
