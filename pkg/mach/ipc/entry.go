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
	"github.com/google/btree"

	"gvisor.dev/machipc/pkg/abi/mach"
)

// entrySize is the number of bytes charged to the allocator per table slot.
const entrySize = 32

// entry is one slot of a space. A free slot has type MACH_PORT_TYPE_NONE and
// keeps its generation so that stale names are rejected.
//
// Entries holding a send, send-once or receive right own one reference on
// port; port set entries own one on pset.
type entry struct {
	typ   mach.PortType
	urefs uint32
	gen   uint8
	port  *Port
	pset  *PortSet
}

func (e *entry) free() bool {
	return e.typ.Rights() == mach.MACH_PORT_TYPE_NONE
}

// treeEntry is an entry named beyond the end of the table.
type treeEntry struct {
	index uint32
	entry
}

func treeLess(a, b *treeEntry) bool {
	return a.index < b.index
}

// btreeDegree is the degree of overflow trees. Trees stay small, so a low
// degree keeps nodes compact.
const btreeDegree = 8

func newTree() *btree.BTreeG[*treeEntry] {
	return btree.NewG(btreeDegree, treeLess)
}

// RightInfo describes the rights a space holds under one name.
type RightInfo struct {
	Name    mach.PortName
	Type    mach.PortType
	URefs   uint32
	Port    *Port
	PortSet *PortSet
}
