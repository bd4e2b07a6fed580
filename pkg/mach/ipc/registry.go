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

// Package ipc implements Mach-style capability IPC: ports, port sets,
// message queues, kernel messages and per-task capability spaces.
//
// Lock ordering:
//
//	Space.mu
//	  Port.mu
//	    PortSet.mu (lower id first when two are held)
//	      MessageQueue.mu (lower id first when two are held)
//
// Notifications and kernel object dispatch triggered by an operation are
// collected while locks are held and delivered after every lock is released.
package ipc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/kalloc"
	"gvisor.dev/machipc/pkg/mach/sched"
	"gvisor.dev/machipc/pkg/metric"
)

// Limits bounds the resources a registry hands out.
type Limits struct {
	// TableInitialSize is the number of slots a new space starts with. It
	// must be a power of two.
	TableInitialSize int

	// TableMaxSize is the largest a space's table may grow to.
	TableMaxSize int

	// TreeMaxEntries bounds the explicitly named entries kept outside the
	// table of one space.
	TreeMaxEntries int

	// MaxURefs bounds the user references of one name.
	MaxURefs uint32

	// MaxMessageSize bounds the body of one message.
	MaxMessageSize int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		TableInitialSize: 64,
		TableMaxSize:     1 << 16,
		TreeMaxEntries:   1 << 12,
		MaxURefs:         mach.MACH_PORT_UREFS_MAX,
		MaxMessageSize:   1 << 20,
	}
}

// Validate checks that l is usable.
func (l Limits) Validate() error {
	switch {
	case l.TableInitialSize < 2 || l.TableInitialSize&(l.TableInitialSize-1) != 0:
		return fmt.Errorf("table initial size %d is not a power of two >= 2", l.TableInitialSize)
	case l.TableMaxSize < l.TableInitialSize:
		return fmt.Errorf("table max size %d is below initial size %d", l.TableMaxSize, l.TableInitialSize)
	case uint64(l.TableMaxSize) > uint64(mach.MaxNameIndex)+1:
		return fmt.Errorf("table max size %d exceeds the name space", l.TableMaxSize)
	case l.TreeMaxEntries < 0:
		return fmt.Errorf("tree max entries %d is negative", l.TreeMaxEntries)
	case l.MaxURefs == 0:
		return fmt.Errorf("max urefs must be positive")
	case l.MaxMessageSize <= 0:
		return fmt.Errorf("max message size must be positive")
	}
	return nil
}

// Server handles messages sent to ports bound to kernel objects.
type Server interface {
	// Dispatch consumes k and returns the reply to send, if any.
	Dispatch(ctx context.Context, k *Kmsg) *Kmsg
}

// RegistryOpts configures NewRegistry.
type RegistryOpts struct {
	Limits    Limits
	Allocator kalloc.Allocator
	Scheduler sched.Scheduler
}

// revShards is the number of shards of the reverse name index.
const revShards = 16

type revKey struct {
	space *Space
	port  *Port
}

type revShard struct {
	mu sync.Mutex
	m  map[revKey]mach.PortName
}

// Registry owns the process-wide IPC state: limits, the allocation and
// scheduling primitives, the kernel's own space and the reverse index from
// (space, port) to name.
type Registry struct {
	limits Limits
	alloc  kalloc.Allocator
	sched  sched.Scheduler

	// warn rate limits resource exhaustion warnings.
	warn log.Logger

	// server dispatches kernel object messages. It is set once during
	// kernel initialization.
	server atomic.Pointer[Server]

	// kernelSpace holds the receive rights of kernel object ports.
	kernelSpace *Space

	// lastID is the last object id handed out.
	lastID atomic.Uint64

	reverse [revShards]revShard
}

// NewRegistry returns a registry with an empty kernel space.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		limits: opts.Limits,
		alloc:  opts.Allocator,
		sched:  opts.Scheduler,
		warn:   log.BasicRateLimitedLogger(time.Second),
	}
	if r.alloc == nil {
		r.alloc = kalloc.NewZone(0)
	}
	if r.sched == nil {
		r.sched = sched.Goroutines{}
	}
	for i := range r.reverse {
		r.reverse[i].m = make(map[revKey]mach.PortName)
	}
	ks, err := r.NewSpace()
	if err != nil {
		return nil, fmt.Errorf("creating kernel space: %w", err)
	}
	r.kernelSpace = ks
	return r, nil
}

// Limits returns the registry's limits.
func (r *Registry) Limits() Limits {
	return r.limits
}

// Allocator returns the allocation primitive.
func (r *Registry) Allocator() kalloc.Allocator {
	return r.alloc
}

// Scheduler returns the block/wake primitive.
func (r *Registry) Scheduler() sched.Scheduler {
	return r.sched
}

// SetServer installs the kernel object dispatcher.
func (r *Registry) SetServer(s Server) {
	r.server.Store(&s)
}

// KernelSpace returns the space holding kernel object receive rights.
func (r *Registry) KernelSpace() *Space {
	return r.kernelSpace
}

// Shutdown destroys the kernel space and with it every kernel object port.
func (r *Registry) Shutdown() {
	r.kernelSpace.Terminate()
}

func (r *Registry) newID() uint64 {
	return r.lastID.Add(1)
}

func (r *Registry) shard(p *Port) *revShard {
	return &r.reverse[p.id%revShards]
}

// revLookup returns the name s uses for p's send or receive right.
func (r *Registry) revLookup(s *Space, p *Port) (mach.PortName, bool) {
	sh := r.shard(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	name, ok := sh.m[revKey{s, p}]
	return name, ok
}

func (r *Registry) revInsert(s *Space, p *Port, name mach.PortName) {
	sh := r.shard(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	k := revKey{s, p}
	if old, ok := sh.m[k]; ok && old != name {
		panic(fmt.Sprintf("port %d named both %v and %v in space %d", p.id, old, name, s.id))
	}
	sh.m[k] = name
}

func (r *Registry) revRemove(s *Space, p *Port) {
	sh := r.shard(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, revKey{s, p})
}

// revCount returns the number of reverse index entries, for tests.
func (r *Registry) revCount() int {
	n := 0
	for i := range r.reverse {
		sh := &r.reverse[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// NewKernelPort allocates a port whose receive right is held by the kernel
// space and binds it to obj.
func (r *Registry) NewKernelPort(t mach.KObjectType, obj any) (*Port, error) {
	_, p, err := r.kernelSpace.AllocateReceive()
	if err != nil {
		return nil, err
	}
	if err := p.SetKObject(t, obj); err != nil {
		r.DestroyKernelPort(p)
		return nil, err
	}
	return p, nil
}

// DestroyKernelPort unbinds p and destroys its receive right.
func (r *Registry) DestroyKernelPort(p *Port) {
	p.ClearKObject()
	p.mu.Lock()
	name, receiver := p.receiverName, p.receiver
	p.mu.Unlock()
	if receiver != r.kernelSpace {
		return
	}
	if err := r.kernelSpace.Destroy(name); err != nil {
		log.Debugf("Kernel port %d already destroyed: %v", p.id, err)
	}
}

// Send delivers k to its destination, dispatching to the kernel object
// server when the destination is bound. k is consumed in all cases.
func (r *Registry) Send(ctx context.Context, k *Kmsg) error {
	var nl notifyList
	err := r.send(ctx, k, &nl)
	nl.deliver(ctx)
	return err
}

func (r *Registry) send(ctx context.Context, k *Kmsg, nl *notifyList) error {
	dest := k.remote.Port
	if dest == nil {
		nl.destroy(k)
		return kernerr.SendInvalidDest
	}
	dest.mu.Lock()
	if !dest.active.Load() {
		dest.mu.Unlock()
		nl.destroy(k)
		return kernerr.SendInvalidDest
	}
	if dest.kotype != mach.IKOT_NONE && dest.receiver == r.kernelSpace {
		dest.mu.Unlock()
		srv := r.server.Load()
		if srv == nil {
			nl.destroy(k)
			return kernerr.MigServerDied
		}
		metric.MessagesSent.WithLabelValues("kobject").Inc()
		if reply := (*srv).Dispatch(ctx, k); reply != nil {
			nl.send(reply)
		}
		return nil
	}
	k.trailer.Seqno = dest.seqno
	dest.seqno++
	q := dest.queueLocked()
	q.enqueue(k)
	dest.mu.Unlock()
	metric.MessagesSent.WithLabelValues("port").Inc()
	return nil
}
