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

	"github.com/google/btree"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/sched"
	"gvisor.dev/machipc/pkg/metric"
	"gvisor.dev/machipc/pkg/refs"
)

// Space is a task's capability space: the map from port names to the rights
// the task holds.
//
// Names index a table that grows by doubling. Names chosen explicitly beyond
// the end of the table live in an ordered overflow tree until growth brings
// them into range.
type Space struct {
	refs.Refs[Space]

	reg *Registry
	id  uint64

	// mu protects the fields below. Every name lookup, Lookup and Type
	// included, holds it for writing: a lookup converts an entry whose port
	// has died into a dead name. The read side is only for getters that do
	// not look at entries.
	mu sync.RWMutex

	// active is cleared by Terminate.
	active bool

	// growing is set while a thread grows the table with mu released.
	// Threads needing the table wait on growWaiters.
	growing     bool
	growWaiters []*sched.Event

	// table is indexed by name index. Slot 0 is never used.
	table []entry

	// tableMem is the allocator charge for table.
	tableMem []byte

	// next is a lower bound on the index of the first free table slot.
	next uint32

	tree *btree.BTreeG[*treeEntry]
}

// NewSpace returns an empty space with the configured initial table.
func (r *Registry) NewSpace() (*Space, error) {
	size := r.limits.TableInitialSize
	mem, err := r.alloc.Alloc(size * entrySize)
	if err != nil {
		r.warn.Warningf("No memory for a %d entry name table: %v", size, err)
		return nil, kernerr.ResourceShortage
	}
	s := &Space{
		reg:      r,
		id:       r.newID(),
		active:   true,
		table:    make([]entry, size),
		tableMem: mem,
		next:     1,
		tree:     newTree(),
	}
	s.InitRefs()
	metric.SpacesLive.Inc()
	return s, nil
}

// String implements fmt.Stringer.String.
func (s *Space) String() string {
	return fmt.Sprintf("space %d", s.id)
}

// ID returns the space's unique id. Received messages carry the sending
// space's id in their trailer.
func (s *Space) ID() uint64 {
	return s.id
}

// Registry returns the registry s belongs to.
func (s *Space) Registry() *Registry {
	return s.reg
}

// Active returns true until the space is terminated.
func (s *Space) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// TableSize returns the number of table slots.
func (s *Space) TableSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// TreeSize returns the number of names held in the overflow tree.
func (s *Space) TreeSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Lookup returns the rights named by name.
func (s *Space) Lookup(name mach.PortName) (RightInfo, error) {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(name, &nl)
	if err != nil {
		return RightInfo{}, err
	}
	return RightInfo{
		Name:    name,
		Type:    e.typ,
		URefs:   e.urefs,
		Port:    e.port,
		PortSet: e.pset,
	}, nil
}

// Type returns the type of name.
func (s *Space) Type(name mach.PortName) (mach.PortType, error) {
	info, err := s.Lookup(name)
	return info.Type, err
}

// Names returns every name in the space with its type, ordered by name.
func (s *Space) Names() ([]mach.PortName, []mach.PortType, error) {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil, nil, kernerr.InvalidTask
	}
	var (
		names []mach.PortName
		types []mach.PortType
	)
	for i := range s.table {
		e := &s.table[i]
		if e.free() {
			continue
		}
		name := mach.MakeName(uint32(i), e.gen)
		s.checkLocked(name, e, &nl)
		names = append(names, name)
		types = append(types, e.typ)
	}
	s.tree.Ascend(func(te *treeEntry) bool {
		name := mach.MakeName(te.index, te.gen)
		s.checkLocked(name, &te.entry, &nl)
		names = append(names, name)
		types = append(types, te.typ)
		return true
	})
	return names, types, nil
}

// AllocateReceive creates a port and names its receive right.
func (s *Space) AllocateReceive() (mach.PortName, *Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return mach.MACH_PORT_NULL, nil, kernerr.InvalidTask
	}
	name, e, err := s.allocLocked()
	if err != nil {
		return mach.MACH_PORT_NULL, nil, err
	}
	p := s.reg.newPort()
	s.fillReceiveLocked(name, e, p)
	return name, p, nil
}

// AllocatePortSet creates a port set.
func (s *Space) AllocatePortSet() (mach.PortName, *PortSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return mach.MACH_PORT_NULL, nil, kernerr.InvalidTask
	}
	name, e, err := s.allocLocked()
	if err != nil {
		return mach.MACH_PORT_NULL, nil, err
	}
	ps := s.reg.newPortSet()
	*e = entry{typ: mach.MACH_PORT_TYPE_PORT_SET, gen: e.gen, pset: ps}
	return name, ps, nil
}

// AllocateDeadName creates a dead name with one user reference.
func (s *Space) AllocateDeadName() (mach.PortName, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return mach.MACH_PORT_NULL, kernerr.InvalidTask
	}
	name, e, err := s.allocLocked()
	if err != nil {
		return mach.MACH_PORT_NULL, err
	}
	*e = entry{typ: mach.MACH_PORT_TYPE_DEAD_NAME, urefs: 1, gen: e.gen}
	return name, nil
}

// AllocateName creates a right of the given kind under a caller-chosen name.
func (s *Space) AllocateName(right mach.PortRight, name mach.PortName) error {
	switch right {
	case mach.MACH_PORT_RIGHT_RECEIVE, mach.MACH_PORT_RIGHT_PORT_SET, mach.MACH_PORT_RIGHT_DEAD_NAME:
	default:
		return kernerr.InvalidValue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return kernerr.InvalidTask
	}
	e, err := s.claimLocked(name)
	if err != nil {
		return err
	}
	switch right {
	case mach.MACH_PORT_RIGHT_RECEIVE:
		s.fillReceiveLocked(name, e, s.reg.newPort())
	case mach.MACH_PORT_RIGHT_PORT_SET:
		*e = entry{typ: mach.MACH_PORT_TYPE_PORT_SET, gen: e.gen, pset: s.reg.newPortSet()}
	default:
		*e = entry{typ: mach.MACH_PORT_TYPE_DEAD_NAME, urefs: 1, gen: e.gen}
	}
	return nil
}

// fillReceiveLocked names p's receive right in the free entry e, taking the
// caller's reference on p.
func (s *Space) fillReceiveLocked(name mach.PortName, e *entry, p *Port) {
	*e = entry{typ: mach.MACH_PORT_TYPE_RECEIVE, gen: e.gen, port: p}
	s.reg.revInsert(s, p, name)
	p.mu.Lock()
	p.receiver = s
	p.receiverName = name
	p.mu.Unlock()
}

// Deallocate releases one user reference of a send, send-once or dead name.
func (s *Space) Deallocate(name mach.PortName) error {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(name, &nl)
	if err != nil {
		return err
	}
	switch {
	case e.typ&mach.MACH_PORT_TYPE_SEND != 0:
		p := e.port
		if e.urefs > 1 || e.typ&mach.MACH_PORT_TYPE_RECEIVE != 0 {
			e.urefs--
			if e.urefs == 0 {
				e.typ &^= mach.MACH_PORT_TYPE_SEND
			}
			p.dropSends(1, &nl)
			return nil
		}
		old := s.removeLocked(name, e)
		s.destroyRights(name, old, &nl)
	case e.typ&mach.MACH_PORT_TYPE_SEND_ONCE != 0:
		old := s.removeLocked(name, e)
		s.destroyRights(name, old, &nl)
	case e.typ&mach.MACH_PORT_TYPE_DEAD_NAME != 0:
		s.dropDeadRefsLocked(name, e, 1)
	default:
		return kernerr.InvalidRight
	}
	return nil
}

// Destroy destroys every right named by name.
func (s *Space) Destroy(name mach.PortName) error {
	var nl notifyList
	defer nl.deliver(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(name, &nl)
	if err != nil {
		return err
	}
	old := s.removeLocked(name, e)
	s.destroyRights(name, old, &nl)
	return nil
}

// Terminate destroys the space and every right in it. It is idempotent.
func (s *Space) Terminate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	for s.growing {
		s.waitGrowthLocked()
	}

	type named struct {
		name mach.PortName
		e    entry
	}
	var ents []named
	for i := range s.table {
		if e := &s.table[i]; !e.free() {
			ents = append(ents, named{mach.MakeName(uint32(i), e.gen), *e})
		}
	}
	s.tree.Ascend(func(te *treeEntry) bool {
		ents = append(ents, named{mach.MakeName(te.index, te.gen), te.entry})
		return true
	})
	for _, n := range ents {
		if n.e.typ&mach.MACH_PORT_TYPE_SEND_RECEIVE != 0 {
			s.reg.revRemove(s, n.e.port)
		}
	}
	mem := s.tableMem
	s.table = nil
	s.tableMem = nil
	s.tree.Clear(false)
	s.mu.Unlock()

	var nl notifyList
	for _, n := range ents {
		s.destroyRights(n.name, n.e, &nl)
	}
	nl.deliver(context.Background())
	s.reg.alloc.Free(mem)
	metric.SpacesLive.Dec()
	log.Debugf("%v terminated, destroyed %d names", s, len(ents))
	s.DecRef(nil)
}

// destroyRights destroys the rights of an entry already removed from s.
func (s *Space) destroyRights(name mach.PortName, e entry, nl *notifyList) {
	switch {
	case e.typ&mach.MACH_PORT_TYPE_PORT_SET != 0:
		e.pset.destroy()
		e.pset.decRef()
	case e.typ&mach.MACH_PORT_TYPE_RECEIVE != 0:
		// The name goes away with the port: its own request is answered
		// with port-deleted, not dead-name.
		s.cancelDeadName(name, e, nl)
		e.port.destroyReceive(nl)
		e.port.dropSends(e.urefs, nl)
		e.port.decRef()
	case e.typ&mach.MACH_PORT_TYPE_SEND != 0:
		s.cancelDeadName(name, e, nl)
		e.port.dropSends(e.urefs, nl)
		e.port.decRef()
	case e.typ&mach.MACH_PORT_TYPE_SEND_ONCE != 0:
		s.cancelDeadName(name, e, nl)
		e.port.releaseSendOnce(nl)
	case e.typ&mach.MACH_PORT_TYPE_DEAD_NAME != 0:
	default:
		panic(fmt.Sprintf("%v: destroying free entry %v", s, name))
	}
}

// cancelDeadName withdraws the dead-name request on name, if any, and sends
// a port-deleted notification in its place.
func (s *Space) cancelDeadName(name mach.PortName, e entry, nl *notifyList) {
	if e.typ&mach.MACH_PORT_TYPE_DNREQUEST == 0 {
		return
	}
	if notify := e.port.cancelDeadName(s, name); notify != nil {
		nl.portDeleted(notify, name)
	}
}

// dropDeadRefsLocked removes n user references from a dead name.
func (s *Space) dropDeadRefsLocked(name mach.PortName, e *entry, n uint32) {
	e.urefs -= n
	if e.urefs == 0 {
		s.removeLocked(name, e)
	}
}

// lookupLocked returns the live entry for name, converting it to a dead name
// first if its port has died.
//
// Preconditions: s.mu is locked for writing.
func (s *Space) lookupLocked(name mach.PortName, nl *notifyList) (*entry, error) {
	if !s.active {
		return nil, kernerr.InvalidTask
	}
	e, err := s.entryLocked(name)
	if err != nil {
		return nil, err
	}
	s.checkLocked(name, e, nl)
	return e, nil
}

// checkLocked converts a send or send-once entry whose port has died into a
// dead name. A send-once right counts as one user reference, and a pending
// dead-name request, whose notification was already sent, adds one more.
// It returns true if the entry was converted.
func (s *Space) checkLocked(name mach.PortName, e *entry, nl *notifyList) bool {
	if e.typ&mach.MACH_PORT_TYPE_SEND_RIGHTS == 0 || e.typ&mach.MACH_PORT_TYPE_RECEIVE != 0 {
		return false
	}
	p := e.port
	if p.Active() {
		return false
	}
	urefs := e.urefs
	if e.typ&mach.MACH_PORT_TYPE_SEND != 0 {
		s.reg.revRemove(s, p)
		p.dropSends(e.urefs, nl)
	} else {
		p.consumeSendOnce()
	}
	if e.typ&mach.MACH_PORT_TYPE_DNREQUEST != 0 && urefs < s.reg.limits.MaxURefs {
		urefs++
	}
	e.typ = mach.MACH_PORT_TYPE_DEAD_NAME
	e.urefs = urefs
	e.port = nil
	p.decRef()
	if log.IsLogging(log.Debug) {
		log.Debugf("%v: name %v is now dead", s, name)
	}
	return true
}
