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

package kernel

import (
	"context"
	"time"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/ipc"
)

// The methods in this file are the traps a task uses on its own space. Each
// returns an error whose kern_return_t is given by kernerr.ToReturn.

// PortAllocate creates a right of the given kind under a new name.
func (t *Task) PortAllocate(right mach.PortRight) (mach.PortName, error) {
	switch right {
	case mach.MACH_PORT_RIGHT_RECEIVE:
		name, _, err := t.space.AllocateReceive()
		return name, err
	case mach.MACH_PORT_RIGHT_PORT_SET:
		name, _, err := t.space.AllocatePortSet()
		return name, err
	case mach.MACH_PORT_RIGHT_DEAD_NAME:
		return t.space.AllocateDeadName()
	}
	return mach.MACH_PORT_NULL, kernerr.InvalidValue
}

// PortAllocateName creates a right of the given kind under name.
func (t *Task) PortAllocateName(right mach.PortRight, name mach.PortName) error {
	return t.space.AllocateName(right, name)
}

// PortDeallocate releases one user reference of a send, send-once or dead
// name.
func (t *Task) PortDeallocate(name mach.PortName) error {
	return t.space.Deallocate(name)
}

// PortDestroy releases every right under name.
func (t *Task) PortDestroy(name mach.PortName) error {
	return t.space.Destroy(name)
}

// PortInsertRight names r in the space as name, consuming r.
func (t *Task) PortInsertRight(name mach.PortName, r ipc.Right) error {
	return t.space.InsertRight(name, r)
}

// PortExtractRight removes a right from the space per disp. The caller owns
// the result.
func (t *Task) PortExtractRight(name mach.PortName, disp mach.MsgTypeName) (ipc.Right, error) {
	return t.space.ExtractRight(name, disp)
}

// PortModRefs adjusts the user references of one right under name.
func (t *Task) PortModRefs(name mach.PortName, right mach.PortRight, delta int32) error {
	return t.space.ModRefs(name, right, delta)
}

// PortGetRefs returns the user references of one right under name.
func (t *Task) PortGetRefs(name mach.PortName, right mach.PortRight) (uint32, error) {
	return t.space.GetRefs(name, right)
}

// PortType returns the rights held under name.
func (t *Task) PortType(name mach.PortName) (mach.PortType, error) {
	return t.space.Type(name)
}

// PortNames returns every name in the space and its type.
func (t *Task) PortNames() ([]mach.PortName, []mach.PortType, error) {
	return t.space.Names()
}

// PortMoveMember moves a receive right into the port set after, or out of
// any set if after is MACH_PORT_NULL.
func (t *Task) PortMoveMember(member, after mach.PortName) error {
	return t.space.MoveMember(member, after)
}

// PortRequestNotification registers the right named notify, taken per
// notifyDisp, for a notification about name. The previously registered
// send-once right, if any, is named in the space and returned.
func (t *Task) PortRequestNotification(name mach.PortName, kind mach.NotifyKind, sync uint32, notify mach.PortName, notifyDisp mach.MsgTypeName) (mach.PortName, error) {
	var r ipc.Right
	if notify != mach.MACH_PORT_NULL {
		switch notifyDisp {
		case mach.MACH_MSG_TYPE_MAKE_SEND_ONCE, mach.MACH_MSG_TYPE_MOVE_SEND_ONCE:
		default:
			return mach.MACH_PORT_NULL, kernerr.InvalidValue
		}
		var err error
		if r, err = t.space.CopyIn(notify, notifyDisp); err != nil {
			return mach.MACH_PORT_NULL, err
		}
	}
	prev, err := t.space.RequestNotification(name, kind, sync, r)
	if err != nil {
		return mach.MACH_PORT_NULL, err
	}
	prevName, err := t.space.CopyOut(prev)
	if err != nil {
		prev.Release()
		return mach.MACH_PORT_NULL, err
	}
	return prevName, nil
}

// MsgSend sends m. It waits while the task is suspended.
func (t *Task) MsgSend(ctx context.Context, m *mach.Message) error {
	if err := t.waitRunning(ctx); err != nil {
		return kernerr.SendInterrupted
	}
	return t.space.SendMsg(ctx, m)
}

// MsgReceive receives from the port or port set named name. A timeout of
// zero polls and a negative one waits forever. It waits while the task is
// suspended.
func (t *Task) MsgReceive(ctx context.Context, name mach.PortName, timeout time.Duration) (*mach.Message, error) {
	if err := t.waitRunning(ctx); err != nil {
		return nil, kernerr.RcvInterrupted
	}
	return t.space.ReceiveMsg(ctx, name, timeout)
}

// TaskSelf names a send right for the task's own port.
func (t *Task) TaskSelf() (mach.PortName, error) {
	return t.k.sendRightTo(t, t.self)
}

// HostSelf names a send right for the host name port.
func (t *Task) HostSelf() (mach.PortName, error) {
	return t.k.sendRightTo(t, t.k.host.port)
}

// HostPriv names a send right for the privileged host port.
func (t *Task) HostPriv() (mach.PortName, error) {
	return t.k.sendRightTo(t, t.k.host.priv)
}

// ThreadSelf names a send right for th's port in its task.
func (th *Thread) ThreadSelf() (mach.PortName, error) {
	return th.task.k.sendRightTo(th.task, th.port)
}

// MemoryObjectCreate creates a memory object and names a send right for it.
func (t *Task) MemoryObjectCreate(size uint64) (mach.PortName, *MemoryObject, error) {
	m, err := t.k.NewMemoryObject(size)
	if err != nil {
		return mach.MACH_PORT_NULL, nil, err
	}
	name, err := t.k.sendRightTo(t, m.port)
	if err != nil {
		m.Destroy()
		return mach.MACH_PORT_NULL, nil, err
	}
	return name, m, nil
}
