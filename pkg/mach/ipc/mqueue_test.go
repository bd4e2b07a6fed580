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

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/sched"
)

type received struct {
	msg *mach.Message
	err error
}

func receiveAsync(s *Space, name mach.PortName, timeout time.Duration) <-chan received {
	ch := make(chan received, 1)
	go func() {
		m, err := s.ReceiveMsg(context.Background(), name, timeout)
		ch <- received{m, err}
	}()
	return ch
}

func TestHandOff(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)

	ch := receiveAsync(s, name, sched.Forever)
	waitFor(t, "receiver to block", func() bool { return p.Queue().Waiters() == 1 })
	sendMsg(t, s2, sendName, 42)

	got := <-ch
	if got.err != nil {
		t.Fatalf("ReceiveMsg failed: %v", got.err)
	}
	if got.msg.Header.ID != 42 {
		t.Errorf("received id %d, want 42", got.msg.Header.ID)
	}
	if n := p.Queue().Len(); n != 0 {
		t.Errorf("queue has %d messages after hand-off, want 0", n)
	}
	if n := p.Queue().Waiters(); n != 0 {
		t.Errorf("queue has %d waiters, want 0", n)
	}
}

// Receivers that keep timing out while a sender races them must neither lose
// a handed-off message nor leave a waiter behind.
func TestTimedReceiveRacesEnqueue(t *testing.T) {
	const messages = 3000
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < messages; i++ {
			if err := s2.SendMsg(context.Background(), newMsg(sendName, mach.MACH_MSG_TYPE_COPY_SEND, int32(i), nil)); err != nil {
				return err
			}
		}
		return nil
	})

	var got []int32
	for len(got) < messages {
		m, err := s.ReceiveMsg(context.Background(), name, time.Microsecond)
		switch err {
		case nil:
			got = append(got, m.Header.ID)
		case kernerr.RcvTimedOut:
		default:
			t.Fatalf("ReceiveMsg failed after %d messages: %v", len(got), err)
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}

	want := make([]int32, messages)
	for i := range want {
		want[i] = int32(i)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("received ids mismatch (-want +got):\n%s", diff)
	}
	if n := p.Queue().Waiters(); n != 0 {
		t.Errorf("queue has %d waiters, want 0", n)
	}
	if n := p.Queue().Len(); n != 0 {
		t.Errorf("queue has %d messages, want 0", n)
	}
}

func TestEnqueueTwicePanics(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	_, p := allocateReceive(t, s)
	k, err := r.NewKmsg(1, Right{}, nil)
	if err != nil {
		t.Fatalf("NewKmsg failed: %v", err)
	}
	p.queue.enqueue(k)
	defer func() {
		if recover() == nil {
			t.Errorf("second enqueue did not panic")
		}
		if got := p.queue.dequeue(); got != k {
			t.Errorf("dequeue got %p, want %p", got, k)
		}
		k.Destroy()
	}()
	p.queue.enqueue(k)
}

func TestPortSetJoinLeave(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	other, _ := allocateReceive(t, s)
	psName, ps, err := s.AllocatePortSet()
	if err != nil {
		t.Fatalf("AllocatePortSet failed: %v", err)
	}
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	otherSend := giveRight(t, s, other, mach.MACH_MSG_TYPE_MAKE_SEND, s2)

	sendMsg(t, s2, sendName, 1)
	sendMsg(t, s2, sendName, 2)
	for _, n := range []mach.PortName{name, other} {
		if err := s.MoveMember(n, psName); err != nil {
			t.Fatalf("MoveMember(%v) failed: %v", n, err)
		}
	}
	if got := ps.Queue().Len(); got != 2 {
		t.Fatalf("set queue has %d messages, want 2", got)
	}
	sendMsg(t, s2, otherSend, 100)
	sendMsg(t, s2, sendName, 3)

	if err := s.MoveMember(name, mach.MACH_PORT_NULL); err != nil {
		t.Fatalf("MoveMember(null) failed: %v", err)
	}
	if err := s.MoveMember(name, mach.MACH_PORT_NULL); err != kernerr.NotInSet {
		t.Errorf("second MoveMember(null) got %v, want %v", err, kernerr.NotInSet)
	}
	for _, m := range ps.Members() {
		if m == p {
			t.Errorf("removed port still a member")
		}
	}

	var ids []int32
	for p.Queue().Len() > 0 {
		ids = append(ids, receiveMsg(t, s, name).Header.ID)
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, ids); diff != "" {
		t.Errorf("received ids mismatch (-want +got):\n%s", diff)
	}
	if m := receiveMsg(t, s, psName); m.Header.ID != 100 {
		t.Errorf("set received id %d, want 100", m.Header.ID)
	}
	expectEmpty(t, s, psName)
}

func TestJoinWakesPortReceivers(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	name, p := allocateReceive(t, s)
	psName, _, err := s.AllocatePortSet()
	if err != nil {
		t.Fatalf("AllocatePortSet failed: %v", err)
	}

	ch := receiveAsync(s, name, sched.Forever)
	waitFor(t, "receiver to block", func() bool { return p.Queue().Waiters() == 1 })
	if err := s.MoveMember(name, psName); err != nil {
		t.Fatalf("MoveMember failed: %v", err)
	}
	if got := <-ch; got.err != kernerr.RcvPortChanged {
		t.Errorf("ReceiveMsg got %v, want %v", got.err, kernerr.RcvPortChanged)
	}
}

func TestDestroyWakesReceivers(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	name, p := allocateReceive(t, s)
	psName, ps, err := s.AllocatePortSet()
	if err != nil {
		t.Fatalf("AllocatePortSet failed: %v", err)
	}
	member, _ := allocateReceive(t, s)
	if err := s.MoveMember(member, psName); err != nil {
		t.Fatalf("MoveMember failed: %v", err)
	}

	portCh := receiveAsync(s, name, sched.Forever)
	setCh := receiveAsync(s, psName, sched.Forever)
	waitFor(t, "receivers to block", func() bool {
		return p.Queue().Waiters() == 1 && ps.Queue().Waiters() == 1
	})

	var g errgroup.Group
	g.Go(func() error { return s.Destroy(name) })
	g.Go(func() error { return s.Destroy(psName) })
	if err := g.Wait(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	for _, ch := range []<-chan received{portCh, setCh} {
		if got := <-ch; got.err != kernerr.RcvPortDied {
			t.Errorf("ReceiveMsg got %v, want %v", got.err, kernerr.RcvPortDied)
		}
	}
	info, err := s.Lookup(member)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Port.PortSet() != nil {
		t.Errorf("member still in a destroyed set")
	}
}

func TestQueuedMessagesDestroyedWithPort(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, _ := allocateReceive(t, s)
	carried, cp := allocateReceive(t, s2)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)

	// The message carries a send right to cp.
	m := newMsg(sendName, mach.MACH_MSG_TYPE_COPY_SEND, 1, []byte("hello"))
	m.Header.Bits |= mach.MACH_MSGH_BITS_COMPLEX
	m.Ports = []mach.PortDescriptor{{Name: carried, Disposition: mach.MACH_MSG_TYPE_MAKE_SEND}}
	m.Header.Size = m.ComputeSize()
	if err := s2.SendMsg(context.Background(), m); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	if got := cp.SendRights(); got != 1 {
		t.Fatalf("SendRights got %d, want 1", got)
	}
	if err := s.Destroy(name); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if got := cp.SendRights(); got != 0 {
		t.Errorf("SendRights after the queue was destroyed got %d, want 0", got)
	}
}

func TestReceiveCopiesOutRights(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, _ := allocateReceive(t, s)
	replyName, rp := allocateReceive(t, s2)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)

	m := newMsg(sendName, mach.MACH_MSG_TYPE_COPY_SEND, 9, []byte{1, 2, 3})
	m.Header.Bits = mach.MakeMsgBits(mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE)
	m.Header.Local = replyName
	if err := s2.SendMsg(context.Background(), m); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}

	got := receiveMsg(t, s, name)
	want := mach.MsgHeader{
		Bits:  mach.MakeMsgBits(mach.MACH_MSG_TYPE_PORT_SEND_ONCE, mach.MACH_MSG_TYPE_PORT_SEND),
		Size:  mach.MsgHeaderSize + 3,
		Local: name,
		ID:    9,
	}
	want.Remote = got.Header.Remote
	if diff := cmp.Diff(want, got.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, got.Body); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	info, err := s.Lookup(got.Header.Remote)
	if err != nil {
		t.Fatalf("Lookup(reply) failed: %v", err)
	}
	if info.Port != rp || info.Type != mach.MACH_PORT_TYPE_SEND_ONCE {
		t.Errorf("reply right got %+v, want a send-once right to %v", info, rp)
	}

	// Reply through the send-once right.
	reply := newMsg(got.Header.Remote, mach.MACH_MSG_TYPE_MOVE_SEND_ONCE, 109, nil)
	if err := s.SendMsg(context.Background(), reply); err != nil {
		t.Fatalf("SendMsg(reply) failed: %v", err)
	}
	if m := receiveMsg(t, s2, replyName); m.Header.ID != 109 {
		t.Errorf("reply id got %d, want 109", m.Header.ID)
	}
}

func TestSendMsgHeaderErrors(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	name, _ := allocateReceive(t, s)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s)

	for _, tc := range []struct {
		name   string
		modify func(m *mach.Message)
		want   error
	}{
		{
			name:   "bad size",
			modify: func(m *mach.Message) { m.Header.Size++ },
			want:   kernerr.SendMsgTooSmall,
		},
		{
			name: "receive as destination",
			modify: func(m *mach.Message) {
				m.Header.Bits = mach.MakeMsgBits(mach.MACH_MSG_TYPE_MOVE_RECEIVE, mach.MACH_MSG_TYPE_NONE)
			},
			want: kernerr.SendInvalidHeader,
		},
		{
			name:   "unknown destination",
			modify: func(m *mach.Message) { m.Header.Remote = mach.MakeName(30, 0) },
			want:   kernerr.SendInvalidDest,
		},
		{
			name: "bad reply",
			modify: func(m *mach.Message) {
				m.Header.Bits = mach.MakeMsgBits(mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_MOVE_SEND_ONCE)
				m.Header.Local = sendName
			},
			want: kernerr.SendInvalidReply,
		},
		{
			name: "ports without complex bit",
			modify: func(m *mach.Message) {
				m.Ports = []mach.PortDescriptor{{Name: sendName, Disposition: mach.MACH_MSG_TYPE_COPY_SEND}}
				m.Header.Size = m.ComputeSize()
			},
			want: kernerr.SendInvalidHeader,
		},
		{
			name: "bad body right",
			modify: func(m *mach.Message) {
				m.Header.Bits |= mach.MACH_MSGH_BITS_COMPLEX
				m.Ports = []mach.PortDescriptor{{Name: mach.MakeName(31, 0), Disposition: mach.MACH_MSG_TYPE_COPY_SEND}}
				m.Header.Size = m.ComputeSize()
			},
			want: kernerr.SendInvalidRight,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newMsg(sendName, mach.MACH_MSG_TYPE_COPY_SEND, 1, nil)
			tc.modify(m)
			if err := s.SendMsg(context.Background(), m); err != tc.want {
				t.Errorf("SendMsg got %v, want %v", err, tc.want)
			}
		})
	}
	if got, err := s.GetRefs(sendName, mach.MACH_PORT_RIGHT_SEND); err != nil || got != 1 {
		t.Errorf("GetRefs got (%d, %v), want (1, nil)", got, err)
	}
	expectEmpty(t, s, name)
}
