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
	"errors"

	"github.com/cenkalti/backoff"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/sched"
	"gvisor.dev/machipc/pkg/metric"
)

// maxGrowRetries bounds how often an allocation retries after the table
// grew underneath it and other threads took the new slots.
const maxGrowRetries = 8

// errTableChanged asks the allocation loop to look for a free slot again.
var errTableChanged = errors.New("table changed")

// entryLocked returns the in-use entry for name.
//
// Preconditions: s.mu is locked.
func (s *Space) entryLocked(name mach.PortName) (*entry, error) {
	if !name.Valid() || name.Index() == 0 {
		return nil, kernerr.InvalidName
	}
	idx := name.Index()
	var e *entry
	if idx < uint32(len(s.table)) {
		e = &s.table[idx]
	} else if te, ok := s.tree.Get(&treeEntry{index: idx}); ok {
		e = &te.entry
	}
	if e == nil || e.free() || e.gen != name.Gen() {
		return nil, kernerr.InvalidName
	}
	return e, nil
}

// findFreeLocked returns the lowest free table slot.
func (s *Space) findFreeLocked() (uint32, bool) {
	for i := s.next; i < uint32(len(s.table)); i++ {
		if s.table[i].free() {
			s.next = i + 1
			return i, true
		}
	}
	s.next = uint32(len(s.table))
	return 0, false
}

// allocLocked picks the lowest free slot, growing the table if there is
// none. The returned entry is free; the caller fills it before releasing
// s.mu. Growth releases s.mu, so callers must not hold entry pointers
// across allocLocked.
//
// Preconditions: s.mu is locked for writing and s is active.
func (s *Space) allocLocked() (mach.PortName, *entry, error) {
	var idx uint32
	op := func() error {
		if !s.active {
			return backoff.Permanent(kernerr.InvalidTask)
		}
		if i, ok := s.findFreeLocked(); ok {
			idx = i
			return nil
		}
		if err := s.growLocked(); err != nil {
			return backoff.Permanent(err)
		}
		return errTableChanged
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxGrowRetries)); err != nil {
		if err == errTableChanged {
			err = kernerr.NoSpace
		}
		return mach.MACH_PORT_NULL, nil, err
	}
	e := &s.table[idx]
	return mach.MakeName(idx, e.gen), e, nil
}

// claimLocked returns the free entry for an explicitly chosen name, creating
// it in the overflow tree if the name lies beyond the table.
//
// Preconditions: s.mu is locked for writing and s is active.
func (s *Space) claimLocked(name mach.PortName) (*entry, error) {
	if !name.Valid() || name.Index() == 0 || name.Index() > mach.MaxNameIndex {
		return nil, kernerr.InvalidValue
	}
	idx := name.Index()
	if idx < uint32(len(s.table)) {
		e := &s.table[idx]
		if !e.free() {
			return nil, kernerr.NameExists
		}
		e.gen = name.Gen()
		return e, nil
	}
	if s.tree.Has(&treeEntry{index: idx}) {
		return nil, kernerr.NameExists
	}
	if s.tree.Len() >= s.reg.limits.TreeMaxEntries {
		s.reg.warn.Warningf("%v: overflow tree full at %d names", s, s.tree.Len())
		return nil, kernerr.NoSpace
	}
	te := &treeEntry{index: idx}
	te.gen = name.Gen()
	s.tree.ReplaceOrInsert(te)
	return &te.entry, nil
}

// removeLocked frees the entry for name and returns its former contents.
// The rights are not destroyed.
func (s *Space) removeLocked(name mach.PortName, e *entry) entry {
	old := *e
	if old.typ&mach.MACH_PORT_TYPE_SEND_RECEIVE != 0 {
		s.reg.revRemove(s, old.port)
	}
	idx := name.Index()
	if idx < uint32(len(s.table)) {
		*e = entry{gen: old.gen + 1}
		if idx < s.next {
			s.next = idx
		}
		return old
	}
	s.tree.Delete(&treeEntry{index: idx})
	return old
}

// growLocked doubles the table. It returns nil if the caller should look for
// a free slot again: either the table grew, or another thread was growing
// it and has finished. On failure the space is unchanged.
//
// Preconditions: s.mu is locked for writing. It is released and reacquired.
func (s *Space) growLocked() error {
	if s.growing {
		s.waitGrowthLocked()
		return nil
	}
	limits := s.reg.limits
	oldSize := len(s.table)
	if oldSize >= limits.TableMaxSize {
		metric.SpaceGrows.WithLabelValues("limit").Inc()
		s.reg.warn.Warningf("%v: name table full at %d entries", s, oldSize)
		return kernerr.NoSpace
	}
	newSize := min(2*oldSize, limits.TableMaxSize)

	s.growing = true
	s.mu.Unlock()
	mem, err := s.reg.alloc.Alloc(newSize * entrySize)
	s.mu.Lock()
	s.growing = false
	waiters := s.growWaiters
	s.growWaiters = nil
	defer func() {
		for _, ev := range waiters {
			s.reg.sched.Wake(ev)
		}
	}()

	if err != nil {
		metric.SpaceGrows.WithLabelValues("shortage").Inc()
		s.reg.warn.Warningf("%v: cannot grow name table to %d entries: %v", s, newSize, err)
		return kernerr.ResourceShortage
	}
	if !s.active {
		s.reg.alloc.Free(mem)
		return kernerr.InvalidTask
	}

	table := make([]entry, newSize)
	copy(table, s.table)
	var moved []*treeEntry
	s.tree.AscendLessThan(&treeEntry{index: uint32(newSize)}, func(te *treeEntry) bool {
		moved = append(moved, te)
		return true
	})
	for _, te := range moved {
		s.tree.Delete(te)
		table[te.index] = te.entry
	}
	s.reg.alloc.Free(s.tableMem)
	s.table = table
	s.tableMem = mem
	metric.SpaceGrows.WithLabelValues("ok").Inc()
	return nil
}

// waitGrowthLocked blocks until the thread growing the table finishes.
//
// Preconditions: s.mu is locked for writing and s.growing is set. It is
// released and reacquired.
func (s *Space) waitGrowthLocked() {
	ev := sched.NewEvent()
	s.growWaiters = append(s.growWaiters, ev)
	s.mu.Unlock()
	_ = s.reg.sched.Block(context.Background(), ev, sched.Forever)
	s.mu.Lock()
}
