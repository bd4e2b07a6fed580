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

// Package kernel provides the kernel objects reachable through IPC: tasks,
// threads, the host, processors and memory objects, together with the trap
// surface a task uses to manipulate its port name space.
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/cleanup"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/ipc"
	"gvisor.dev/machipc/pkg/mach/kalloc"
	"gvisor.dev/machipc/pkg/mach/kobject"
	"gvisor.dev/machipc/pkg/mach/sched"
	"gvisor.dev/machipc/pkg/refs"
)

// Version is reported by host_kernel_version when Opts.Version is empty.
const Version = "machipc 1.0"

// Opts configures New.
type Opts struct {
	// Limits bounds every space the kernel creates.
	Limits ipc.Limits

	// Allocator backs message bodies, name tables and memory object pages.
	// If nil, an unlimited zone allocator is used.
	Allocator kalloc.Allocator

	// Scheduler blocks and wakes receivers. If nil, goroutines are used.
	Scheduler sched.Scheduler

	// Processors is the number of processor objects. It defaults to 1.
	Processors int

	// Version is the string host_kernel_version reports.
	Version string
}

// Kernel owns the IPC registry, the kernel object server and every kernel
// object.
type Kernel struct {
	reg     *ipc.Registry
	srv     *kobject.Server
	version string

	host       *Host
	processors []*Processor

	mu sync.Mutex

	// tasks maps task ids to live tasks. It is protected by mu.
	tasks map[uint64]*Task

	// memObjs is the set of live memory objects. It is protected by mu.
	memObjs map[*MemoryObject]struct{}

	// shutdown is set once Shutdown starts. It is protected by mu.
	shutdown bool
}

// New creates a kernel with a host and opts.Processors processors.
func New(opts Opts) (*Kernel, error) {
	if opts.Limits == (ipc.Limits{}) {
		opts.Limits = ipc.DefaultLimits()
	}
	reg, err := ipc.NewRegistry(ipc.RegistryOpts{
		Limits:    opts.Limits,
		Allocator: opts.Allocator,
		Scheduler: opts.Scheduler,
	})
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(reg.Shutdown)
	defer cu.Clean()

	k := &Kernel{
		reg:     reg,
		srv:     kobject.NewServer(reg),
		version: opts.Version,
		tasks:   make(map[uint64]*Task),
		memObjs: make(map[*MemoryObject]struct{}),
	}
	if k.version == "" {
		k.version = Version
	}
	for _, sub := range []*kobject.Subsystem{
		hostSubsystem(k),
		hostPrivSubsystem(k),
		taskSubsystem(k),
		threadSubsystem(k),
		processorSubsystem(k),
		memoryObjectSubsystem(k),
	} {
		k.srv.Register(sub)
	}
	if err := k.srv.Validate(); err != nil {
		return nil, err
	}
	reg.SetServer(k.srv)

	if k.host, err = newHost(k); err != nil {
		return nil, fmt.Errorf("creating host: %w", err)
	}
	n := opts.Processors
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p, err := newProcessor(k, int32(i))
		if err != nil {
			return nil, fmt.Errorf("creating processor %d: %w", i, err)
		}
		k.processors = append(k.processors, p)
	}
	cu.Release()
	log.Infof("Kernel started: %d processors, limits %+v", n, opts.Limits)
	return k, nil
}

// Registry returns the IPC registry.
func (k *Kernel) Registry() *ipc.Registry {
	return k.reg
}

// Server returns the kernel object server.
func (k *Kernel) Server() *kobject.Server {
	return k.srv
}

// Host returns the host object.
func (k *Kernel) Host() *Host {
	return k.host
}

// Processors returns the processor objects.
func (k *Kernel) Processors() []*Processor {
	return k.processors
}

// NewTask creates a task with an empty space.
func (k *Kernel) NewTask() (*Task, error) {
	t, err := newTask(k)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		t.Terminate()
		return nil, kernerr.Failure
	}
	k.tasks[t.ID()] = t
	k.mu.Unlock()
	log.Debugf("Created task %d", t.ID())
	return t, nil
}

// TaskByID returns the live task with the given id, or nil.
func (k *Kernel) TaskByID(id uint64) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[id]
}

// Tasks returns the live tasks ordered by id.
func (k *Kernel) Tasks() []*Task {
	k.mu.Lock()
	ts := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		ts = append(ts, t)
	}
	k.mu.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID() < ts[j].ID() })
	return ts
}

func (k *Kernel) removeTask(t *Task) {
	k.mu.Lock()
	delete(k.tasks, t.ID())
	k.mu.Unlock()
}

// Shutdown terminates every task, destroys every kernel object and returns
// the number of leaked reference-counted objects.
func (k *Kernel) Shutdown() int {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return 0
	}
	k.shutdown = true
	objs := make([]*MemoryObject, 0, len(k.memObjs))
	for m := range k.memObjs {
		objs = append(objs, m)
	}
	k.mu.Unlock()

	for _, t := range k.Tasks() {
		t.Terminate()
	}
	for _, m := range objs {
		m.Destroy()
	}
	for _, p := range k.processors {
		p.destroy()
	}
	k.host.destroy()
	k.reg.Shutdown()

	leaked := refs.DoLeakCheck()
	log.Infof("Kernel stopped, %d leaked objects", leaked)
	return leaked
}

// sendRightTo names a new send right for p in t's space.
func (k *Kernel) sendRightTo(t *Task, p *ipc.Port) (mach.PortName, error) {
	r := p.MakeSend()
	name, err := t.space.CopyOut(r)
	if err != nil {
		r.Release()
		return mach.MACH_PORT_NULL, err
	}
	return name, nil
}
