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

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
)

// requestDeadName registers a dead-name request on name in s, to be sent to
// a new port in s, and returns that port's name.
func requestDeadName(t *testing.T, s *Space, name mach.PortName) mach.PortName {
	t.Helper()
	notifyName, _ := allocateReceive(t, s)
	notify, err := s.CopyIn(notifyName, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE)
	if err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if _, err := s.RequestNotification(name, mach.NotifyDeadName, 0, notify); err != nil {
		t.Fatalf("RequestNotification failed: %v", err)
	}
	return notifyName
}

func TestDeadNameNotification(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	notifyName := requestDeadName(t, s2, sendName)

	if typ, _ := s2.Type(sendName); typ != mach.MACH_PORT_TYPE_SEND|mach.MACH_PORT_TYPE_DNREQUEST {
		t.Fatalf("Type got %v, want send|dnrequest", typ)
	}
	if err := s.Destroy(name); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	m := receiveMsg(t, s2, notifyName)
	if m.Header.ID != mach.MACH_NOTIFY_DEAD_NAME {
		t.Fatalf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_DEAD_NAME)
	}
	if got, err := DecodeNotification(m.Body); err != nil || mach.PortName(got) != sendName {
		t.Errorf("DecodeNotification got (%v, %v), want %v", got, err, sendName)
	}

	info, err := s2.Lookup(sendName)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Type != mach.MACH_PORT_TYPE_DEAD_NAME || info.URefs != 2 {
		t.Errorf("Lookup got %+v, want a dead name with 2 references", info)
	}
	if got := p.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs got %d, want 0", got)
	}

	// Sends to a dead name fail without changing it.
	if err := s2.SendMsg(t.Context(), newMsg(sendName, mach.MACH_MSG_TYPE_COPY_SEND, 1, nil)); err != kernerr.SendInvalidDest {
		t.Errorf("SendMsg to dead name got %v, want %v", err, kernerr.SendInvalidDest)
	}
	if err := s2.Deallocate(sendName); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	if err := s2.Deallocate(sendName); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	if _, err := s2.Lookup(sendName); err != kernerr.InvalidName {
		t.Errorf("Lookup got %v, want %v", err, kernerr.InvalidName)
	}
}

func TestDeadNameRequestOnDeadName(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	name, err := s.AllocateDeadName()
	if err != nil {
		t.Fatalf("AllocateDeadName failed: %v", err)
	}
	notifyName := requestDeadName(t, s, name)

	m := receiveMsg(t, s, notifyName)
	if m.Header.ID != mach.MACH_NOTIFY_DEAD_NAME {
		t.Errorf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_DEAD_NAME)
	}
	if got, _ := s.GetRefs(name, mach.MACH_PORT_RIGHT_DEAD_NAME); got != 2 {
		t.Errorf("GetRefs got %d, want 2", got)
	}
}

func TestPortDeletedNotification(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	notifyName := requestDeadName(t, s2, sendName)

	if err := s2.Deallocate(sendName); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	m := receiveMsg(t, s2, notifyName)
	if m.Header.ID != mach.MACH_NOTIFY_PORT_DELETED {
		t.Errorf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_PORT_DELETED)
	}
	if got, _ := DecodeNotification(m.Body); mach.PortName(got) != sendName {
		t.Errorf("notification name got %v, want %v", got, sendName)
	}

	// The request is gone: the port's death sends nothing.
	if err := s.Destroy(name); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	expectEmpty(t, s2, notifyName)
	if p.Active() {
		t.Errorf("port still active")
	}
}

func TestPortDeletedOnReceiveDestroy(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, _ := allocateReceive(t, s)
	if got := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s); got != name {
		t.Fatalf("send right named %v, want %v", got, name)
	}
	notifyName := requestDeadName(t, s, name)
	otherName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s2)
	otherNotify := requestDeadName(t, s2, otherName)

	if err := s.Destroy(name); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	m := receiveMsg(t, s, notifyName)
	if m.Header.ID != mach.MACH_NOTIFY_PORT_DELETED {
		t.Errorf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_PORT_DELETED)
	}
	if got, _ := DecodeNotification(m.Body); mach.PortName(got) != name {
		t.Errorf("notification name got %v, want %v", got, name)
	}
	expectEmpty(t, s, notifyName)
	if _, err := s.Lookup(name); err != kernerr.InvalidName {
		t.Errorf("Lookup got %v, want %v", err, kernerr.InvalidName)
	}

	// Other spaces still learn of the death.
	m = receiveMsg(t, s2, otherNotify)
	if m.Header.ID != mach.MACH_NOTIFY_DEAD_NAME {
		t.Errorf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_DEAD_NAME)
	}
}

func TestSendOnceNotification(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	soName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE, s2)
	if got := p.SendOnceRights(); got != 1 {
		t.Fatalf("SendOnceRights got %d, want 1", got)
	}

	if err := s2.Deallocate(soName); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	m := receiveMsg(t, s, name)
	if m.Header.ID != mach.MACH_NOTIFY_SEND_ONCE {
		t.Errorf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_SEND_ONCE)
	}
	if got := m.Header.Bits.Local(); got != mach.MACH_MSG_TYPE_PORT_SEND_ONCE {
		t.Errorf("local disposition got %v, want %v", got, mach.MACH_MSG_TYPE_PORT_SEND_ONCE)
	}
	if got := p.SendOnceRights(); got != 0 {
		t.Errorf("SendOnceRights got %d, want 0", got)
	}

	// A send-once right used to send generates nothing.
	soName = giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE, s2)
	if err := s2.SendMsg(t.Context(), newMsg(soName, mach.MACH_MSG_TYPE_MOVE_SEND_ONCE, 7, nil)); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	if m := receiveMsg(t, s, name); m.Header.ID != 7 {
		t.Errorf("received id %d, want 7", m.Header.ID)
	}
	expectEmpty(t, s, name)
	if _, err := s2.Lookup(soName); err != kernerr.InvalidName {
		t.Errorf("Lookup of used send-once right got %v, want %v", err, kernerr.InvalidName)
	}
}

func TestPortDestroyedNotification(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits(), nil)
	s := newSpace(t, r)
	s2 := newSpace(t, r)
	name, p := allocateReceive(t, s)
	backupName, _ := allocateReceive(t, s2)
	notify := giveRight(t, s2, backupName, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE, s)
	right, err := s.CopyIn(notify, mach.MACH_MSG_TYPE_MOVE_SEND_ONCE)
	if err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if _, err := s.RequestNotification(name, mach.NotifyPortDestroyed, 0, right); err != nil {
		t.Fatalf("RequestNotification failed: %v", err)
	}
	sendName := giveRight(t, s, name, mach.MACH_MSG_TYPE_MAKE_SEND, s)
	if sendName != name {
		t.Fatalf("send right named %v, want %v", sendName, name)
	}

	s.Terminate()
	if !p.Active() {
		t.Fatalf("port died despite a port-destroyed request")
	}

	m := receiveMsg(t, s2, backupName)
	if m.Header.ID != mach.MACH_NOTIFY_PORT_DESTROYED {
		t.Fatalf("notification id got %d, want %d", m.Header.ID, mach.MACH_NOTIFY_PORT_DESTROYED)
	}
	if len(m.Ports) != 1 || m.Ports[0].Disposition != mach.MACH_MSG_TYPE_PORT_RECEIVE {
		t.Fatalf("notification ports got %+v, want one receive right", m.Ports)
	}
	info, err := s2.Lookup(m.Ports[0].Name)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Port != p || info.Type != mach.MACH_PORT_TYPE_RECEIVE {
		t.Errorf("Lookup got %+v, want the receive right of %v", info, p)
	}
	// The send rights died with the space.
	if got := p.SendRights(); got != 0 {
		t.Errorf("SendRights got %d, want 0", got)
	}
}
