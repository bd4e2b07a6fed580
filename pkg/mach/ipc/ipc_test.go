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
	"sync/atomic"
	"testing"
	"time"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/kalloc"
)

func newTestRegistry(t *testing.T, limits Limits, alloc kalloc.Allocator) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryOpts{Limits: limits, Allocator: alloc})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(r.Shutdown)
	return r
}

func newSpace(t *testing.T, r *Registry) *Space {
	t.Helper()
	s, err := r.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	t.Cleanup(s.Terminate)
	return s
}

func allocateReceive(t *testing.T, s *Space) (mach.PortName, *Port) {
	t.Helper()
	name, p, err := s.AllocateReceive()
	if err != nil {
		t.Fatalf("AllocateReceive failed: %v", err)
	}
	return name, p
}

// giveRight copies a right from one space into another and returns its name
// there.
func giveRight(t *testing.T, from *Space, name mach.PortName, disp mach.MsgTypeName, to *Space) mach.PortName {
	t.Helper()
	r, err := from.CopyIn(name, disp)
	if err != nil {
		t.Fatalf("CopyIn(%v, %v) failed: %v", name, disp, err)
	}
	n, err := to.CopyOut(r)
	if err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	return n
}

func newMsg(dest mach.PortName, disp mach.MsgTypeName, id int32, body []byte) *mach.Message {
	m := &mach.Message{
		Header: mach.MsgHeader{
			Bits:   mach.MakeMsgBits(disp, mach.MACH_MSG_TYPE_NONE),
			Remote: dest,
			ID:     id,
		},
		Body: body,
	}
	m.Header.Size = m.ComputeSize()
	return m
}

func sendMsg(t *testing.T, s *Space, dest mach.PortName, id int32) {
	t.Helper()
	if err := s.SendMsg(context.Background(), newMsg(dest, mach.MACH_MSG_TYPE_COPY_SEND, id, nil)); err != nil {
		t.Fatalf("SendMsg(%v, %d) failed: %v", dest, id, err)
	}
}

func receiveMsg(t *testing.T, s *Space, name mach.PortName) *mach.Message {
	t.Helper()
	m, err := s.ReceiveMsg(context.Background(), name, 0)
	if err != nil {
		t.Fatalf("ReceiveMsg(%v) failed: %v", name, err)
	}
	return m
}

func expectEmpty(t *testing.T, s *Space, name mach.PortName) {
	t.Helper()
	if m, err := s.ReceiveMsg(context.Background(), name, 0); err != kernerr.RcvTimedOut {
		t.Fatalf("ReceiveMsg(%v) got (%+v, %v), want %v", name, m, err, kernerr.RcvTimedOut)
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// failingAllocator fails every allocation while fail is set.
type failingAllocator struct {
	kalloc.Allocator
	fail atomic.Bool
}

func (a *failingAllocator) Alloc(size int) ([]byte, error) {
	if a.fail.Load() {
		return nil, kernerr.ResourceShortage
	}
	return a.Allocator.Alloc(size)
}
