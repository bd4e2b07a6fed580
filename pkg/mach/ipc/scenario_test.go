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
	"testing"
	"time"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
)

func TestDestroySpaceReleasesRights(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	name, p := allocateReceive(t, s)
	for i := 0; i < 2; i++ {
		if got := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s); got != name {
			t.Fatalf("send right named %v, want %v", got, name)
		}
	}
	if got := p.SendRights(); got != 2 {
		t.Fatalf("SendRights got %d, want 2", got)
	}

	s.Terminate()

	if p.Active() {
		t.Errorf("port still active after its space was destroyed")
	}
	if got := p.SendRights(); got != 0 {
		t.Errorf("SendRights got %d, want 0", got)
	}
	if got := p.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs got %d, want 0", got)
	}
	if got := r.revCount(); got != 0 {
		t.Errorf("reverse index has %d entries, want 0", got)
	}
}

func TestNoSendersFiresOnce(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	notifyName, _ := allocateReceive(t, s)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)

	notify, err := s.CopyIn(notifyName, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE)
	if err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	prev, err := s.RequestNotification(name, mach.NotifyNoSenders, 0, notify)
	if err != nil {
		t.Fatalf("RequestNotification failed: %v", err)
	}
	if prev.Valid() {
		t.Fatalf("RequestNotification returned previous request %+v", prev)
	}
	expectEmpty(t, s, notifyName)

	if err := s2.Deallocate(sendName); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}

	m := receiveMsg(t, s, notifyName)
	if m.Header.ID != mach.MACH_NOTIFY_NO_SENDERS {
		t.Errorf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_NO_SENDERS)
	}
	if m.Header.Local != notifyName {
		t.Errorf("notification local got %v, want %v", m.Header.Local, notifyName)
	}
	mscount, err := DecodeNotification(m.Body)
	if err != nil || mscount != 1 {
		t.Errorf("DecodeNotification got (%d, %v), want (1, nil)", mscount, err)
	}
	expectEmpty(t, s, notifyName)

	// Another send right and its release do not notify again.
	sendName = giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	if err := s2.Deallocate(sendName); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	expectEmpty(t, s, notifyName)
	if got := p.MakeSendCount(); got != 2 {
		t.Errorf("MakeSendCount got %d, want 2", got)
	}
}

func TestPortSetReceivesInOrder(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	psName, ps, err := s.AllocatePortSet()
	if err != nil {
		t.Fatalf("AllocatePortSet failed: %v", err)
	}
	if err := s.MoveMember(name, psName); err != nil {
		t.Fatalf("MoveMember failed: %v", err)
	}
	if p.PortSet() != ps {
		t.Fatalf("port is not in the set")
	}
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	sendMsg(t, s2, sendName, 1)
	sendMsg(t, s2, sendName, 2)

	if _, err := s.ReceiveMsg(context.Background(), name, 0); err != kernerr.RcvInSet {
		t.Fatalf("receive from member got %v, want %v", err, kernerr.RcvInSet)
	}
	if got := p.Queue().Len(); got != 0 {
		t.Fatalf("member queue has %d messages, want 0", got)
	}
	for _, want := range []int32{1, 2} {
		m := receiveMsg(t, s, psName)
		if m.Header.ID != want {
			t.Errorf("received id %d, want %d", m.Header.ID, want)
		}
		if m.Header.Local != name {
			t.Errorf("received local %v, want %v", m.Header.Local, name)
		}
		if m.Trailer.Sender != s2.ID() {
			t.Errorf("received sender %d, want %d", m.Trailer.Sender, s2.ID())
		}
	}
}

func TestTimedReceiveLeavesNoWaiter(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	name, p := allocateReceive(t, s)

	start := time.Now()
	_, err := s.ReceiveMsg(context.Background(), name, 100*time.Millisecond)
	if err != kernerr.RcvTimedOut {
		t.Fatalf("ReceiveMsg got %v, want %v", err, kernerr.RcvTimedOut)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("ReceiveMsg returned after %v, want at least 100ms", elapsed)
	}
	if got := p.Queue().Waiters(); got != 0 {
		t.Errorf("queue has %d waiters, want 0", got)
	}
}
