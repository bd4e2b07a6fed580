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

// Package kalloc provides the memory allocation primitive consumed by the IPC
// layer. Message buffers and name tables are charged against an Allocator so
// that exhaustion surfaces as KERN_RESOURCE_SHORTAGE instead of an unbounded
// heap.
package kalloc

import (
	"math/bits"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/machipc/pkg/errors/kernerr"
)

// Allocator allocates and frees kernel buffers.
type Allocator interface {
	// Alloc returns a zeroed buffer of len size. It returns
	// kernerr.ResourceShortage when the request cannot be satisfied.
	Alloc(size int) ([]byte, error)

	// Free returns a buffer obtained from Alloc.
	Free(b []byte)
}

// minZoneShift is the smallest zone, 16 bytes.
const minZoneShift = 4

// maxCached is the number of free buffers kept per zone.
const maxCached = 64

// Zone is an Allocator with power-of-two zones up to the page size and
// page-rounded allocations above it. The zero value is not usable; call
// NewZone.
type Zone struct {
	pageSize int

	// mu protects the fields below.
	mu sync.Mutex

	// limit is the maximum number of bytes in use. Zero means unlimited.
	limit int64

	// inUse is the number of bytes handed out and not yet freed.
	inUse int64

	// peak is the largest value inUse has reached.
	peak int64

	// free holds cached buffers indexed by zone.
	free [][][]byte
}

// NewZone returns a zone allocator that hands out at most limit bytes. A limit
// of zero means unlimited.
func NewZone(limit int64) *Zone {
	ps := unix.Getpagesize()
	zones := bits.Len(uint(ps)) - minZoneShift
	return &Zone{
		pageSize: ps,
		limit:    limit,
		free:     make([][][]byte, zones),
	}
}

// roundSize returns the allocation size for a request and its zone index, or
// -1 for page-rounded sizes.
func (z *Zone) roundSize(size int) (int, int) {
	if size > z.pageSize {
		return (size + z.pageSize - 1) &^ (z.pageSize - 1), -1
	}
	if size <= 1<<minZoneShift {
		return 1 << minZoneShift, 0
	}
	shift := bits.Len(uint(size - 1))
	return 1 << shift, shift - minZoneShift
}

// Alloc implements Allocator.Alloc.
func (z *Zone) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, kernerr.InvalidArgument
	}
	rounded, zone := z.roundSize(size)

	z.mu.Lock()
	if z.limit > 0 && z.inUse+int64(rounded) > z.limit {
		z.mu.Unlock()
		return nil, kernerr.ResourceShortage
	}
	z.inUse += int64(rounded)
	if z.inUse > z.peak {
		z.peak = z.inUse
	}
	var b []byte
	if zone >= 0 {
		if n := len(z.free[zone]); n > 0 {
			b = z.free[zone][n-1]
			z.free[zone] = z.free[zone][:n-1]
		}
	}
	z.mu.Unlock()

	if b == nil {
		return make([]byte, size, rounded), nil
	}
	b = b[:size]
	clear(b)
	return b, nil
}

// Free implements Allocator.Free.
func (z *Zone) Free(b []byte) {
	if b == nil {
		return
	}
	rounded, zone := z.roundSize(cap(b))
	if rounded != cap(b) {
		panic("kalloc: freeing a buffer not allocated by this zone")
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.inUse -= int64(rounded)
	if z.inUse < 0 {
		panic("kalloc: more bytes freed than allocated")
	}
	if zone >= 0 && len(z.free[zone]) < maxCached {
		z.free[zone] = append(z.free[zone], b[:0])
	}
}

// InUse returns the number of bytes currently allocated.
func (z *Zone) InUse() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.inUse
}

// Peak returns the highest number of bytes allocated at once.
func (z *Zone) Peak() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.peak
}

// SetLimit changes the byte limit. Allocations already made are unaffected.
func (z *Zone) SetLimit(limit int64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.limit = limit
}
