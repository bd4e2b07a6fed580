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
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/kalloc"
)

func TestInsertLookupRoundTrip(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)

	for _, want := range []mach.PortName{
		mach.MakeName(5, 3),
		mach.MakeName(100000, 7),
	} {
		right, err := s.CopyIn(name, mach.MACH_MSG_TYPE_MAKE_SEND)
		if err != nil {
			t.Fatalf("CopyIn failed: %v", err)
		}
		if err := s2.InsertRight(want, right); err != nil {
			t.Fatalf("InsertRight(%v) failed: %v", want, err)
		}
		info, err := s2.Lookup(want)
		if err != nil {
			t.Fatalf("Lookup(%v) failed: %v", want, err)
		}
		if info.Port != p || info.Type != mach.MACH_PORT_TYPE_SEND || info.URefs != 1 {
			t.Errorf("Lookup(%v) got %+v, want one send right to %v", want, info, p)
		}
		if err := s2.Deallocate(want); err != nil {
			t.Fatalf("Deallocate(%v) failed: %v", want, err)
		}
		if _, err := s2.Lookup(want); err != kernerr.InvalidName {
			t.Errorf("Lookup(%v) after Deallocate got %v, want %v", want, err, kernerr.InvalidName)
		}
	}
	if got := p.SendRights(); got != 0 {
		t.Errorf("SendRights got %d, want 0", got)
	}
}

func TestInsertRightErrors(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	other, _ := allocateReceive(t, s2)

	insert := func(target mach.PortName) error {
		t.Helper()
		right, err := s.CopyIn(name, mach.MACH_MSG_TYPE_MAKE_SEND)
		if err != nil {
			t.Fatalf("CopyIn failed: %v", err)
		}
		return s2.InsertRight(target, right)
	}
	if err := insert(mach.MACH_PORT_NULL); err != kernerr.InvalidValue {
		t.Errorf("InsertRight(null) got %v, want %v", err, kernerr.InvalidValue)
	}
	if err := insert(other); err != kernerr.NameExists {
		t.Errorf("InsertRight(taken name) got %v, want %v", err, kernerr.NameExists)
	}
	existing := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	if err := insert(mach.MakeName(40, 0)); err != kernerr.RightExists {
		t.Errorf("InsertRight(second name) got %v, want %v", err, kernerr.RightExists)
	}
	if err := insert(existing); err != nil {
		t.Errorf("InsertRight(same name) failed: %v", err)
	}

	// Failed inserts consume the right.
	if got := p.SendRights(); got != 2 {
		t.Errorf("SendRights got %d, want 2", got)
	}
	if got, err := s2.GetRefs(existing, mach.MACH_PORT_RIGHT_SEND); err != nil || got != 2 {
		t.Errorf("GetRefs got (%d, %v), want (2, nil)", got, err)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)

	s2.Terminate()
	refs := p.ReadRefs()
	s2.Terminate()
	if got := p.ReadRefs(); got != refs {
		t.Errorf("second Terminate changed refs from %d to %d", refs, got)
	}
	if got := p.SendRights(); got != 0 {
		t.Errorf("SendRights got %d, want 0", got)
	}
	if _, err := s2.Lookup(name); err != kernerr.InvalidTask {
		t.Errorf("Lookup on terminated space got %v, want %v", err, kernerr.InvalidTask)
	}
	if _, _, err := s2.AllocateReceive(); err != kernerr.InvalidTask {
		t.Errorf("AllocateReceive on terminated space got %v, want %v", err, kernerr.InvalidTask)
	}
}

func TestGrowth(t *testing.T) {
	limits := DefaultLimits()
	limits.TableInitialSize = 2
	limits.TableMaxSize = 8
	r := newTestRegistry(t, limits, nil)
	s := newSpace(t, r)

	// Index 3 is beyond the table and goes to the tree until growth.
	treeName := mach.MakeName(3, 9)
	if err := s.AllocateName(mach.MACH_PORT_RIGHT_DEAD_NAME, treeName); err != nil {
		t.Fatalf("AllocateName failed: %v", err)
	}
	if got := s.TreeSize(); got != 1 {
		t.Fatalf("TreeSize got %d, want 1", got)
	}

	var names []mach.PortName
	for i := 0; i < 6; i++ {
		name, err := s.AllocateDeadName()
		if err != nil {
			t.Fatalf("AllocateDeadName %d failed: %v", i, err)
		}
		names = append(names, name)
	}
	if got := s.TableSize(); got != 8 {
		t.Errorf("TableSize got %d, want 8", got)
	}
	if got := s.TreeSize(); got != 0 {
		t.Errorf("TreeSize got %d, want 0", got)
	}
	if typ, err := s.Type(treeName); err != nil || typ != mach.MACH_PORT_TYPE_DEAD_NAME {
		t.Errorf("Type(%v) after migration got (%v, %v)", treeName, typ, err)
	}
	wantIdx := []uint32{1, 2, 4, 5, 6, 7}
	var gotIdx []uint32
	for _, n := range names {
		gotIdx = append(gotIdx, n.Index())
	}
	if diff := cmp.Diff(wantIdx, gotIdx); diff != "" {
		t.Errorf("allocated indices mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.AllocateDeadName(); err != kernerr.NoSpace {
		t.Errorf("AllocateDeadName in a full space got %v, want %v", err, kernerr.NoSpace)
	}

	// A freed slot is reused with a new generation.
	if err := s.Deallocate(names[0]); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	name, err := s.AllocateDeadName()
	if err != nil {
		t.Fatalf("AllocateDeadName failed: %v", err)
	}
	if name.Index() != names[0].Index() || name == names[0] {
		t.Errorf("reallocated name %v, want index %d with a new generation", name, names[0].Index())
	}
	if _, err := s.Lookup(names[0]); err != kernerr.InvalidName {
		t.Errorf("Lookup of stale name got %v, want %v", err, kernerr.InvalidName)
	}
}

func TestGrowthFailureLeavesSpaceUnchanged(t *testing.T) {
	limits := DefaultLimits()
	limits.TableInitialSize = 2
	alloc := &failingAllocator{Allocator: kalloc.NewZone(0)}
	r := newTestRegistry(t, limits, alloc)
	s := newSpace(t, r)
	name, _ := allocateReceive(t, s)
	wantNames, wantTypes, err := s.Names()
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}

	alloc.fail.Store(true)
	if _, _, err := s.AllocateReceive(); err != kernerr.ResourceShortage {
		t.Fatalf("AllocateReceive got %v, want %v", err, kernerr.ResourceShortage)
	}
	alloc.fail.Store(false)

	if got := s.TableSize(); got != 2 {
		t.Errorf("TableSize got %d, want 2", got)
	}
	gotNames, gotTypes, err := s.Names()
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if diff := cmp.Diff(wantNames, gotNames); diff != "" {
		t.Errorf("names changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantTypes, gotTypes); diff != "" {
		t.Errorf("types changed (-want +got):\n%s", diff)
	}
	if _, err := s.Lookup(name); err != nil {
		t.Errorf("Lookup(%v) failed: %v", name, err)
	}
	if _, _, err := s.AllocateReceive(); err != nil {
		t.Errorf("AllocateReceive after recovery failed: %v", err)
	}
}

func TestSendRightAccounting(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	s3 := newSpace(t, r)
	name, p := allocateReceive(t, s)

	var n2 mach.PortName
	for i := 0; i < 3; i++ {
		n2 = giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	}
	n3 := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s3)
	inFlight := p.MakeSend()

	sum := func() uint32 {
		var total uint32
		for _, sp := range []struct {
			s    *Space
			name mach.PortName
		}{{s2, n2}, {s3, n3}} {
			n, err := sp.s.GetRefs(sp.name, mach.MACH_PORT_RIGHT_SEND)
			if err != nil && err != kernerr.InvalidName {
				t.Fatalf("GetRefs failed: %v", err)
			}
			total += n
		}
		return total
	}

	if got, want := p.SendRights(), sum()+1; got != want {
		t.Fatalf("SendRights got %d, want %d", got, want)
	}
	inFlight.Release()
	if got, want := p.SendRights(), sum(); got != want {
		t.Fatalf("SendRights got %d, want %d", got, want)
	}

	if err := s2.ModRefs(n2, mach.MACH_PORT_RIGHT_SEND, 2); err != nil {
		t.Fatalf("ModRefs(+2) failed: %v", err)
	}
	if err := s2.ModRefs(n2, mach.MACH_PORT_RIGHT_SEND, -6); err != kernerr.InvalidValue {
		t.Fatalf("ModRefs(-6) got %v, want %v", err, kernerr.InvalidValue)
	}
	if err := s2.ModRefs(n2, mach.MACH_PORT_RIGHT_SEND, mach.MACH_PORT_UREFS_MAX); err != kernerr.UrefsOverflow {
		t.Fatalf("ModRefs(max) got %v, want %v", err, kernerr.UrefsOverflow)
	}
	if got, want := p.SendRights(), sum(); got != want || got != 6 {
		t.Fatalf("SendRights got %d, want %d (6)", got, want)
	}
	if err := s2.ModRefs(n2, mach.MACH_PORT_RIGHT_SEND, -5); err != nil {
		t.Fatalf("ModRefs(-5) failed: %v", err)
	}
	if _, err := s2.Lookup(n2); err != kernerr.InvalidName {
		t.Errorf("Lookup after dropping every reference got %v, want %v", err, kernerr.InvalidName)
	}
	s3.Terminate()
	if got := p.SendRights(); got != 0 {
		t.Errorf("SendRights got %d, want 0", got)
	}
}

func TestCopyOutReusesName(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, _ := allocateReceive(t, s)

	a := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	b := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	if a != b {
		t.Errorf("send rights named %v and %v, want one name", a, b)
	}
	c := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE, s2)
	d := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE, s2)
	if c == d || c == a {
		t.Errorf("send-once rights named %v and %v, want distinct names", c, d)
	}
	if got, err := s2.GetRefs(a, mach.MACH_PORT_RIGHT_SEND); err != nil || got != 2 {
		t.Errorf("GetRefs got (%d, %v), want (2, nil)", got, err)
	}

	// Moving the receive right to the space that holds sends merges them.
	rcv := giveRight(t, s, name, mach.MACH_MSG_TYPE_MOVE_RECEIVE, s2)
	if rcv != a {
		t.Errorf("receive right named %v, want %v", rcv, a)
	}
	if typ, err := s2.Type(a); err != nil || typ != mach.MACH_PORT_TYPE_SEND_RECEIVE {
		t.Errorf("Type got (%v, %v), want send|receive", typ, err)
	}
	if _, err := s.Lookup(name); err != kernerr.InvalidName {
		t.Errorf("Lookup of moved receive right got %v, want %v", err, kernerr.InvalidName)
	}
}

func TestCopyInErrors(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	name, _ := allocateReceive(t, s)
	psName, _, err := s.AllocatePortSet()
	if err != nil {
		t.Fatalf("AllocatePortSet failed: %v", err)
	}

	for _, tc := range []struct {
		name string
		port mach.PortName
		disp mach.MsgTypeName
		want error
	}{
		{"copy send without send", name, mach.MACH_MSG_TYPE_COPY_SEND, kernerr.InvalidRight},
		{"move send once without one", name, mach.MACH_MSG_TYPE_MOVE_SEND_ONCE, kernerr.InvalidRight},
		{"make send from port set", psName, mach.MACH_MSG_TYPE_MAKE_SEND, kernerr.InvalidRight},
		{"unknown name", mach.MakeName(50, 0), mach.MACH_MSG_TYPE_MAKE_SEND, kernerr.InvalidName},
		{"bad disposition", name, mach.MACH_MSG_TYPE_NONE, kernerr.InvalidValue},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.CopyIn(tc.port, tc.disp); err != tc.want {
				t.Errorf("CopyIn got %v, want %v", err, tc.want)
			}
		})
	}
}
