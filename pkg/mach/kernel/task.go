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
	"sort"
	"sync"
	"sync/atomic"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/ipc"
	"gvisor.dev/machipc/pkg/mach/mig"
	"gvisor.dev/machipc/pkg/mach/sched"
)

// Task is a port name space with the threads that use it.
type Task struct {
	k     *Kernel
	space *ipc.Space
	self  *ipc.Port

	mu sync.Mutex

	// threads maps thread ids to live threads. It is protected by mu.
	threads map[uint64]*Thread

	// suspendCount is the number of outstanding task_suspend calls. While
	// it is positive, message traps wait in resumeWaiters. It is protected
	// by mu.
	suspendCount  int
	resumeWaiters []*sched.Event

	// terminated is set once Terminate starts. It is protected by mu.
	terminated bool

	// waiters holds the reply rights of deferred task_wait requests. It is
	// protected by mu.
	waiters []ipc.Right
}

var lastThreadID atomic.Uint64

func newTask(k *Kernel) (*Task, error) {
	space, err := k.reg.NewSpace()
	if err != nil {
		return nil, err
	}
	t := &Task{
		k:       k,
		space:   space,
		threads: make(map[uint64]*Thread),
	}
	if t.self, err = k.reg.NewKernelPort(mach.IKOT_TASK, t); err != nil {
		space.Terminate()
		return nil, err
	}
	return t, nil
}

// ID returns the task id, which is its space's id.
func (t *Task) ID() uint64 {
	return t.space.ID()
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return t.space.String()
}

// Space returns the task's port name space.
func (t *Task) Space() *ipc.Space {
	return t.space
}

// Port returns the task's self port.
func (t *Task) Port() *ipc.Port {
	return t.self
}

// Terminated returns true once the task has been terminated.
func (t *Task) Terminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

// SuspendCount returns the number of outstanding suspensions.
func (t *Task) SuspendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendCount
}

// NewThread creates a thread in t.
func (t *Task) NewThread() (*Thread, error) {
	th := &Thread{task: t, id: lastThreadID.Add(1)}
	port, err := t.k.reg.NewKernelPort(mach.IKOT_THREAD, th)
	if err != nil {
		return nil, err
	}
	th.port = port
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		t.k.reg.DestroyKernelPort(port)
		return nil, kernerr.InvalidTask
	}
	t.threads[th.id] = th
	t.mu.Unlock()
	return th, nil
}

// Threads returns the live threads ordered by id.
func (t *Task) Threads() []*Thread {
	t.mu.Lock()
	ths := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		ths = append(ths, th)
	}
	t.mu.Unlock()
	sort.Slice(ths, func(i, j int) bool { return ths[i].id < ths[j].id })
	return ths
}

// Suspend increments the suspend count.
func (t *Task) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return kernerr.InvalidTask
	}
	t.suspendCount++
	return nil
}

// Resume decrements the suspend count, releasing waiting traps when it
// reaches zero.
func (t *Task) Resume() error {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return kernerr.InvalidTask
	}
	if t.suspendCount == 0 {
		t.mu.Unlock()
		return kernerr.Failure
	}
	t.suspendCount--
	var wake []*sched.Event
	if t.suspendCount == 0 {
		wake, t.resumeWaiters = t.resumeWaiters, nil
	}
	t.mu.Unlock()
	for _, e := range wake {
		t.k.reg.Scheduler().Wake(e)
	}
	return nil
}

// waitRunning blocks while t is suspended.
func (t *Task) waitRunning(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.suspendCount == 0 || t.terminated {
			t.mu.Unlock()
			return nil
		}
		e := sched.NewEvent()
		t.resumeWaiters = append(t.resumeWaiters, e)
		t.mu.Unlock()
		if err := t.k.reg.Scheduler().Block(ctx, e, sched.Forever); err != nil {
			return kernerr.Aborted
		}
	}
}

// addWaiter registers a deferred task_wait reply, answered when t terminates. It
// reports false if t is already terminated, in which case reply is not
// taken.
func (t *Task) addWaiter(reply ipc.Right) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return false
	}
	t.waiters = append(t.waiters, reply)
	return true
}

// Terminate destroys t's threads, self port and space, and answers every
// pending task_wait. It is idempotent.
func (t *Task) Terminate() {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return
	}
	t.terminated = true
	threads := t.threads
	t.threads = nil
	waiters := t.waiters
	t.waiters = nil
	wake := t.resumeWaiters
	t.resumeWaiters = nil
	t.mu.Unlock()

	for _, e := range wake {
		t.k.reg.Scheduler().Wake(e)
	}
	for _, th := range threads {
		th.destroy()
	}
	t.k.reg.DestroyKernelPort(t.self)
	t.space.Terminate()
	t.k.removeTask(t)

	for _, w := range waiters {
		if err := t.k.srv.SendReply(context.Background(), mach.TASK_WAIT, w, mig.NewReply(mach.KERN_SUCCESS)); err != nil {
			log.Debugf("task_wait reply for task %d not delivered: %v", t.ID(), err)
		}
	}
	log.Debugf("Terminated task %d", t.ID())
}

// Thread is a thread of control in a task. Threads have no execution state
// here; they exist so that their ports can be named and queried.
type Thread struct {
	task *Task
	id   uint64
	port *ipc.Port
}

// ID returns the thread id.
func (th *Thread) ID() uint64 {
	return th.id
}

// Task returns the thread's task.
func (th *Thread) Task() *Task {
	return th.task
}

// Port returns the thread's port.
func (th *Thread) Port() *ipc.Port {
	return th.port
}

// Terminate removes th from its task and destroys its port.
func (th *Thread) Terminate() error {
	t := th.task
	t.mu.Lock()
	if _, ok := t.threads[th.id]; !ok {
		t.mu.Unlock()
		return kernerr.InvalidArgument
	}
	delete(t.threads, th.id)
	t.mu.Unlock()
	th.destroy()
	return nil
}

func (th *Thread) destroy() {
	th.task.k.reg.DestroyKernelPort(th.port)
}
