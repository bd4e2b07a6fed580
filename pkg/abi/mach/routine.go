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

// Host routines.
const (
	HOST_INFO           MsgID = 200
	HOST_KERNEL_VERSION MsgID = 201
	HOST_PROCESSORS     MsgID = 202
)

// Task routines.
const (
	TASK_TERMINATE MsgID = 2001
	TASK_THREADS   MsgID = 2002
	TASK_INFO      MsgID = 2006
	TASK_SUSPEND   MsgID = 2007
	TASK_RESUME    MsgID = 2008
	TASK_WAIT      MsgID = 2009
)

// Thread routines.
const (
	THREAD_TERMINATE MsgID = 2401
	THREAD_INFO      MsgID = 2409
)

// Processor routines.
const (
	PROCESSOR_INFO MsgID = 3000
)

// Memory object routines.
const (
	MEMORY_OBJECT_DATA_REQUEST MsgID = 2253
	MEMORY_OBJECT_DATA_WRITE   MsgID = 2256
)

// HOST_BASIC_INFO is the only host_info flavor.
const HOST_BASIC_INFO int32 = 1

// TASK_BASIC_INFO is the only task_info flavor.
const TASK_BASIC_INFO int32 = 1
