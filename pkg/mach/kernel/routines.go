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

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/kobject"
	"gvisor.dev/machipc/pkg/mach/mig"
)

// inUser is implemented by allocators that track their usage.
type inUser interface {
	InUse() int64
}

func hostSubsystem(k *Kernel) *kobject.Subsystem {
	return kobject.NewSubsystem("host", mach.IKOT_HOST).
		Add(mach.HOST_INFO, "host_info", k.hostInfo).
		Add(mach.HOST_KERNEL_VERSION, "host_kernel_version", k.hostKernelVersion)
}

func hostPrivSubsystem(k *Kernel) *kobject.Subsystem {
	return kobject.NewSubsystem("host_priv", mach.IKOT_HOST_PRIV).
		Add(mach.HOST_PROCESSORS, "host_processors", k.hostProcessors)
}

func taskSubsystem(k *Kernel) *kobject.Subsystem {
	return kobject.NewSubsystem("task", mach.IKOT_TASK).
		Add(mach.TASK_TERMINATE, "task_terminate", taskTerminate).
		Add(mach.TASK_THREADS, "task_threads", taskThreads).
		Add(mach.TASK_INFO, "task_info", taskInfo).
		Add(mach.TASK_SUSPEND, "task_suspend", taskSuspend).
		Add(mach.TASK_RESUME, "task_resume", taskResume).
		Add(mach.TASK_WAIT, "task_wait", k.taskWait)
}

func threadSubsystem(k *Kernel) *kobject.Subsystem {
	return kobject.NewSubsystem("thread", mach.IKOT_THREAD).
		Add(mach.THREAD_TERMINATE, "thread_terminate", threadTerminate).
		Add(mach.THREAD_INFO, "thread_info", threadInfo)
}

func processorSubsystem(k *Kernel) *kobject.Subsystem {
	return kobject.NewSubsystem("processor", mach.IKOT_PROCESSOR).
		Add(mach.PROCESSOR_INFO, "processor_info", processorInfo)
}

func memoryObjectSubsystem(k *Kernel) *kobject.Subsystem {
	return kobject.NewSubsystem("memory_object", mach.IKOT_MEMORY_OBJECT).
		Add(mach.MEMORY_OBJECT_DATA_REQUEST, "memory_object_data_request", memoryObjectDataRequest).
		Add(mach.MEMORY_OBJECT_DATA_WRITE, "memory_object_data_write", memoryObjectDataWrite)
}

// hostInfo replies with the processor count, the live task count and the
// bytes held by the kernel allocator.
func (k *Kernel) hostInfo(ctx context.Context, obj any, req *kobject.Request) error {
	flavor := req.Args.Int32()
	if err := req.Args.Done(); err != nil {
		return err
	}
	if flavor != mach.HOST_BASIC_INFO {
		return kernerr.InvalidArgument
	}
	var inUse int64
	if a, ok := k.reg.Allocator().(inUser); ok {
		inUse = a.InUse()
	}
	k.mu.Lock()
	tasks := len(k.tasks)
	k.mu.Unlock()
	req.Reply.
		PutInt32(int32(len(k.processors))).
		PutUint32(uint32(tasks)).
		PutInt64(inUse)
	return nil
}

func (k *Kernel) hostKernelVersion(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	req.Reply.PutString(k.version)
	return nil
}

// hostProcessors replies with a send right for each processor.
func (k *Kernel) hostProcessors(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	for _, p := range k.processors {
		req.AddReplyPort(p.port.MakeSend())
	}
	req.Reply.PutUint32(uint32(len(k.processors)))
	return nil
}

func taskTerminate(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	obj.(*Task).Terminate()
	return nil
}

// taskThreads replies with a send right for each thread.
func taskThreads(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	ths := obj.(*Task).Threads()
	for _, th := range ths {
		req.AddReplyPort(th.port.MakeSend())
	}
	req.Reply.PutUint32(uint32(len(ths)))
	return nil
}

func taskInfo(ctx context.Context, obj any, req *kobject.Request) error {
	flavor := req.Args.Int32()
	if err := req.Args.Done(); err != nil {
		return err
	}
	if flavor != mach.TASK_BASIC_INFO {
		return kernerr.InvalidArgument
	}
	t := obj.(*Task)
	names, _, err := t.space.Names()
	if err != nil {
		return err
	}
	t.mu.Lock()
	suspend, threads := t.suspendCount, len(t.threads)
	t.mu.Unlock()
	req.Reply.
		PutUint64(t.ID()).
		PutInt32(int32(suspend)).
		PutUint32(uint32(threads)).
		PutUint32(uint32(len(names)))
	return nil
}

func taskSuspend(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	return obj.(*Task).Suspend()
}

func taskResume(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	return obj.(*Task).Resume()
}

// taskWait replies once the task terminates.
func (k *Kernel) taskWait(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	t := obj.(*Task)
	if t.Terminated() {
		return nil
	}
	reply := req.TakeReply()
	if !reply.Valid() {
		return nil
	}
	if !t.addWaiter(reply) {
		// Terminated in between.
		if err := k.srv.SendReply(ctx, req.ID, reply, mig.NewReply(mach.KERN_SUCCESS)); err != nil {
			return err
		}
	}
	return kernerr.MigNoReply
}

func threadTerminate(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	return obj.(*Thread).Terminate()
}

func threadInfo(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	th := obj.(*Thread)
	req.Reply.
		PutUint64(th.id).
		PutUint64(th.task.ID()).
		PutBool(th.task.SuspendCount() > 0)
	return nil
}

func processorInfo(ctx context.Context, obj any, req *kobject.Request) error {
	if err := req.Args.Done(); err != nil {
		return err
	}
	p := obj.(*Processor)
	req.Reply.
		PutInt32(p.slot).
		PutBool(true).
		PutUint64(p.queries.Add(1))
	return nil
}

// memoryObjectDataRequest replies with the requested range, at most
// MaxRead bytes.
func memoryObjectDataRequest(ctx context.Context, obj any, req *kobject.Request) error {
	offset := req.Args.Uint64()
	length := req.Args.Uint64()
	if err := req.Args.Done(); err != nil {
		return err
	}
	data, err := obj.(*MemoryObject).Read(offset, length)
	if err != nil {
		return err
	}
	req.Reply.PutBytes(data)
	return nil
}

func memoryObjectDataWrite(ctx context.Context, obj any, req *kobject.Request) error {
	offset := req.Args.Uint64()
	data := req.Args.Bytes()
	if err := req.Args.Done(); err != nil {
		return err
	}
	return obj.(*MemoryObject).Write(offset, data)
}
