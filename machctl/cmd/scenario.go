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

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/cleanup"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/ipc"
	"gvisor.dev/machipc/pkg/mach/kernel"
)

// notifyTimeout bounds the wait for a notification that must already be
// queued.
const notifyTimeout = 5 * time.Second

// Scenario is a self-checking walk through one IPC behavior.
type Scenario struct {
	Name  string
	Brief string
	Run   func(ctx context.Context, k *kernel.Kernel, w io.Writer) error
}

// Scenarios lists the demo scenarios in order.
var Scenarios = []Scenario{
	{Name: "destroy-space", Brief: "terminating a task turns rights held elsewhere into dead names", Run: destroySpace},
	{Name: "no-senders", Brief: "dropping the last send right notifies the receiver once", Run: noSenders},
	{Name: "port-set", Brief: "a port set yields messages from its members in arrival order", Run: portSetOrder},
	{Name: "timed-receive", Brief: "a receive that times out leaves no waiter behind", Run: timedReceive},
	{Name: "kernel-rpc", Brief: "messages to kernel ports are answered by the kernel", Run: kernelRPC},
}

// RunScenarios runs every scenario against k, reporting to w.
func RunScenarios(ctx context.Context, k *kernel.Kernel, w io.Writer) error {
	for _, s := range Scenarios {
		fmt.Fprintf(w, "== %s: %s\n", s.Name, s.Brief)
		if err := s.Run(ctx, k, w); err != nil {
			return fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		fmt.Fprintf(w, "   ok\n")
	}
	return nil
}

// newTasks creates n tasks, terminated by the returned cleanup.
func newTasks(k *kernel.Kernel, n int) ([]*kernel.Task, cleanup.Cleanup, error) {
	var cu cleanup.Cleanup
	var ts []*kernel.Task
	for i := 0; i < n; i++ {
		t, err := k.NewTask()
		if err != nil {
			cu.Clean()
			return nil, cleanup.Cleanup{}, err
		}
		cu.Add(t.Terminate)
		ts = append(ts, t)
	}
	return ts, cu, nil
}

// give names a right for from's name in to, per disp.
func give(from *kernel.Task, name mach.PortName, disp mach.MsgTypeName, to *kernel.Task) (mach.PortName, error) {
	r, err := from.PortExtractRight(name, disp)
	if err != nil {
		return mach.MACH_PORT_NULL, err
	}
	n, err := to.Space().CopyOut(r)
	if err != nil {
		r.Release()
		return mach.MACH_PORT_NULL, err
	}
	return n, nil
}

// expectNotification receives one message on name and checks its id and
// payload.
func expectNotification(ctx context.Context, t *kernel.Task, name mach.PortName, id mach.MsgID, want uint32) error {
	m, err := t.MsgReceive(ctx, name, notifyTimeout)
	if err != nil {
		return fmt.Errorf("receiving notification: %w", err)
	}
	if m.Header.ID != id {
		return fmt.Errorf("got message %d, want %d", m.Header.ID, id)
	}
	got, err := ipc.DecodeNotification(m.Body)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("notification carries %d, want %d", got, want)
	}
	return nil
}

func send(ctx context.Context, t *kernel.Task, dest mach.PortName, id mach.MsgID, body []byte) error {
	m := &mach.Message{
		Header: mach.MsgHeader{
			Bits:   mach.MakeMsgBits(mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_NONE),
			Remote: dest,
			ID:     id,
		},
		Body: body,
	}
	m.Header.Size = m.ComputeSize()
	return t.MsgSend(ctx, m)
}

func destroySpace(ctx context.Context, k *kernel.Kernel, w io.Writer) error {
	ts, cu, err := newTasks(k, 2)
	if err != nil {
		return err
	}
	defer cu.Clean()
	a, b := ts[0], ts[1]

	rcv, err := a.PortAllocate(mach.MACH_PORT_RIGHT_RECEIVE)
	if err != nil {
		return err
	}
	sendName, err := give(a, rcv, mach.MACH_MSG_TYPE_MAKE_SEND, b)
	if err != nil {
		return err
	}
	notify, err := b.PortAllocate(mach.MACH_PORT_RIGHT_RECEIVE)
	if err != nil {
		return err
	}
	if _, err := b.PortRequestNotification(sendName, mach.NotifyDeadName, 0, notify, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE); err != nil {
		return fmt.Errorf("requesting dead-name notification: %w", err)
	}
	fmt.Fprintf(w, "   %v holds a send right as %v; terminating %v\n", b, sendName, a)

	a.Terminate()
	if err := expectNotification(ctx, b, notify, mach.MACH_NOTIFY_DEAD_NAME, uint32(sendName)); err != nil {
		return err
	}
	typ, err := b.PortType(sendName)
	if err != nil {
		return err
	}
	if typ != mach.MACH_PORT_TYPE_DEAD_NAME {
		return fmt.Errorf("%v is %v, want a dead name", sendName, typ)
	}
	refs, err := b.PortGetRefs(sendName, mach.MACH_PORT_RIGHT_DEAD_NAME)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "   %v is now a dead name with %d refs\n", sendName, refs)
	return nil
}

func noSenders(ctx context.Context, k *kernel.Kernel, w io.Writer) error {
	ts, cu, err := newTasks(k, 2)
	if err != nil {
		return err
	}
	defer cu.Clean()
	a, b := ts[0], ts[1]

	rcv, err := a.PortAllocate(mach.MACH_PORT_RIGHT_RECEIVE)
	if err != nil {
		return err
	}
	notify, err := a.PortAllocate(mach.MACH_PORT_RIGHT_RECEIVE)
	if err != nil {
		return err
	}
	sendName, err := give(a, rcv, mach.MACH_MSG_TYPE_MAKE_SEND, b)
	if err != nil {
		return err
	}
	if _, err := a.PortRequestNotification(rcv, mach.NotifyNoSenders, 1, notify, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE); err != nil {
		return fmt.Errorf("requesting no-senders notification: %w", err)
	}
	if err := b.PortModRefs(sendName, mach.MACH_PORT_RIGHT_SEND, 2); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := b.PortDeallocate(sendName); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "   %v dropped its 3 references to %v\n", b, sendName)
	if err := expectNotification(ctx, a, notify, mach.MACH_NOTIFY_NO_SENDERS, 1); err != nil {
		return err
	}
	if _, err := a.MsgReceive(ctx, notify, 0); err != kernerr.RcvTimedOut {
		return fmt.Errorf("second receive got %v, want a timeout", err)
	}
	fmt.Fprintf(w, "   one no-senders notification with make-send count 1\n")
	return nil
}

func portSetOrder(ctx context.Context, k *kernel.Kernel, w io.Writer) error {
	ts, cu, err := newTasks(k, 2)
	if err != nil {
		return err
	}
	defer cu.Clean()
	a, b := ts[0], ts[1]

	set, err := a.PortAllocate(mach.MACH_PORT_RIGHT_PORT_SET)
	if err != nil {
		return err
	}
	var dests []mach.PortName
	for i := 0; i < 3; i++ {
		rcv, err := a.PortAllocate(mach.MACH_PORT_RIGHT_RECEIVE)
		if err != nil {
			return err
		}
		if err := a.PortMoveMember(rcv, set); err != nil {
			return err
		}
		d, err := give(a, rcv, mach.MACH_MSG_TYPE_MAKE_SEND, b)
		if err != nil {
			return err
		}
		dests = append(dests, d)
	}
	const n = 9
	for id := mach.MsgID(1); id <= n; id++ {
		if err := send(ctx, b, dests[int(id)%len(dests)], id, nil); err != nil {
			return err
		}
	}
	for want := mach.MsgID(1); want <= n; want++ {
		m, err := a.MsgReceive(ctx, set, notifyTimeout)
		if err != nil {
			return err
		}
		if m.Header.ID != want {
			return fmt.Errorf("received message %d, want %d", m.Header.ID, want)
		}
	}
	fmt.Fprintf(w, "   %d messages over %d members received in order\n", n, len(dests))
	return nil
}

func timedReceive(ctx context.Context, k *kernel.Kernel, w io.Writer) error {
	ts, cu, err := newTasks(k, 1)
	if err != nil {
		return err
	}
	defer cu.Clean()
	a := ts[0]

	rcv, err := a.PortAllocate(mach.MACH_PORT_RIGHT_RECEIVE)
	if err != nil {
		return err
	}
	const timeout = 10 * time.Millisecond
	start := time.Now()
	if _, err := a.MsgReceive(ctx, rcv, timeout); err != kernerr.RcvTimedOut {
		return fmt.Errorf("receive got %v, want a timeout", err)
	}
	elapsed := time.Since(start)
	info, err := a.Space().Lookup(rcv)
	if err != nil {
		return err
	}
	if n := info.Port.Queue().Waiters(); n != 0 {
		return fmt.Errorf("%d waiters left on the queue", n)
	}
	fmt.Fprintf(w, "   receive timed out after %v, queue has no waiters\n", elapsed.Round(time.Millisecond))
	return nil
}

func kernelRPC(ctx context.Context, k *kernel.Kernel, w io.Writer) error {
	ts, cu, err := newTasks(k, 1)
	if err != nil {
		return err
	}
	defer cu.Clean()
	a := ts[0]

	host, err := a.HostSelf()
	if err != nil {
		return err
	}
	r, err := a.Call(ctx, host, mach.HOST_KERNEL_VERSION, nil)
	if err != nil {
		return fmt.Errorf("host_kernel_version: %w", err)
	}
	version := r.Args.String()
	if err := r.Args.Done(); err != nil {
		return err
	}
	self, err := a.TaskSelf()
	if err != nil {
		return err
	}
	if _, err := a.Call(ctx, self, mach.HOST_KERNEL_VERSION, nil); err != kernerr.MigBadID {
		return fmt.Errorf("host routine on a task port got %v, want %v", err, kernerr.MigBadID)
	}
	fmt.Fprintf(w, "   host_kernel_version: %q\n", version)
	return nil
}
