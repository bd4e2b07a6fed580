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

package mach

import "fmt"

// KObjectType tags the kernel object bound to a port. Source:
// kern/ipc_kobject.h (IKOT_*).
type KObjectType uint32

// Kernel object types.
const (
	IKOT_NONE        KObjectType = 0
	IKOT_THREAD      KObjectType = 1
	IKOT_TASK        KObjectType = 2
	IKOT_HOST        KObjectType = 3
	IKOT_HOST_PRIV   KObjectType = 4
	IKOT_PROCESSOR   KObjectType = 5
	IKOT_PAGER       KObjectType = 8
	IKOT_PAGING_NAME KObjectType = 12
)

// IKOT_MEMORY_OBJECT is the type of ports naming memory objects.
const IKOT_MEMORY_OBJECT = IKOT_PAGER

// KObjectTypes lists every type that must have a dispatch subsystem.
var KObjectTypes = []KObjectType{
	IKOT_THREAD,
	IKOT_TASK,
	IKOT_HOST,
	IKOT_HOST_PRIV,
	IKOT_PROCESSOR,
	IKOT_PAGER,
}

// String implements fmt.Stringer.String.
func (t KObjectType) String() string {
	switch t {
	case IKOT_NONE:
		return "none"
	case IKOT_THREAD:
		return "thread"
	case IKOT_TASK:
		return "task"
	case IKOT_HOST:
		return "host"
	case IKOT_HOST_PRIV:
		return "host-priv"
	case IKOT_PROCESSOR:
		return "processor"
	case IKOT_PAGER:
		return "memory-object"
	case IKOT_PAGING_NAME:
		return "paging-name"
	}
	return fmt.Sprintf("ikot(%d)", uint32(t))
}
