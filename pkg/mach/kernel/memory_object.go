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
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/ipc"
)

// MemoryObject is a sparse byte store served over its port. Pages are
// allocated from the kernel allocator on first write; unwritten ranges read
// as zeroes.
type MemoryObject struct {
	k        *Kernel
	port     *ipc.Port
	size     uint64
	pageSize uint64

	mu sync.Mutex

	// pages maps page numbers to page buffers. It is nil once the object is
	// destroyed. It is protected by mu.
	pages map[uint64][]byte
}

// NewMemoryObject creates a memory object of the given size.
func (k *Kernel) NewMemoryObject(size uint64) (*MemoryObject, error) {
	if size == 0 {
		return nil, kernerr.InvalidArgument
	}
	m := &MemoryObject{
		k:        k,
		size:     size,
		pageSize: uint64(unix.Getpagesize()),
		pages:    make(map[uint64][]byte),
	}
	var err error
	if m.port, err = k.reg.NewKernelPort(mach.IKOT_MEMORY_OBJECT, m); err != nil {
		return nil, err
	}
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		k.reg.DestroyKernelPort(m.port)
		return nil, kernerr.Failure
	}
	k.memObjs[m] = struct{}{}
	k.mu.Unlock()
	return m, nil
}

// Port returns the memory object port.
func (m *MemoryObject) Port() *ipc.Port {
	return m.port
}

// Size returns the object size in bytes.
func (m *MemoryObject) Size() uint64 {
	return m.size
}

// Resident returns the number of allocated pages.
func (m *MemoryObject) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

func (m *MemoryObject) checkRange(offset, length uint64) error {
	if offset > m.size || length > m.size-offset {
		return kernerr.InvalidArgument
	}
	return nil
}

// MaxRead returns the largest length Read accepts: half the message size
// limit, so the data fits in one reply.
func (m *MemoryObject) MaxRead() uint64 {
	return uint64(m.k.reg.Limits().MaxMessageSize) / 2
}

// Read returns length bytes at offset. Lengths above MaxRead fail with
// KERN_INVALID_ARGUMENT.
func (m *MemoryObject) Read(offset, length uint64) ([]byte, error) {
	if length > m.MaxRead() {
		return nil, kernerr.InvalidArgument
	}
	if err := m.checkRange(offset, length); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages == nil {
		return nil, kernerr.InvalidCapability
	}
	buf := make([]byte, length)
	for done := uint64(0); done < length; {
		off := offset + done
		pn, po := off/m.pageSize, off%m.pageSize
		n := min(m.pageSize-po, length-done)
		if page, ok := m.pages[pn]; ok {
			copy(buf[done:done+n], page[po:])
		}
		done += n
	}
	return buf, nil
}

// Write stores data at offset. A page that cannot be allocated fails the
// write with KERN_RESOURCE_SHORTAGE; pages written before it keep the new
// data.
func (m *MemoryObject) Write(offset uint64, data []byte) error {
	length := uint64(len(data))
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages == nil {
		return kernerr.InvalidCapability
	}
	alloc := m.k.reg.Allocator()
	for done := uint64(0); done < length; {
		off := offset + done
		pn, po := off/m.pageSize, off%m.pageSize
		n := min(m.pageSize-po, length-done)
		page, ok := m.pages[pn]
		if !ok {
			var err error
			if page, err = alloc.Alloc(int(m.pageSize)); err != nil {
				return kernerr.ResourceShortage
			}
			m.pages[pn] = page
		}
		copy(page[po:po+n], data[done:done+n])
		done += n
	}
	return nil
}

// Destroy frees every page and destroys the object's port.
func (m *MemoryObject) Destroy() {
	m.mu.Lock()
	pages := m.pages
	m.pages = nil
	m.mu.Unlock()
	if pages == nil {
		return
	}
	alloc := m.k.reg.Allocator()
	for _, page := range pages {
		alloc.Free(page)
	}
	m.k.reg.DestroyKernelPort(m.port)
	m.k.mu.Lock()
	delete(m.k.memObjs, m)
	m.k.mu.Unlock()
}
