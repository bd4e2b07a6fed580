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

// KernReturn is the status returned by every trap. Source:
// mach/kern_return.h, mach/message.h and mach/mig_errors.h.
type KernReturn int32

// Kernel return codes.
const (
	KERN_SUCCESS            KernReturn = 0
	KERN_INVALID_ADDRESS    KernReturn = 1
	KERN_PROTECTION_FAILURE KernReturn = 2
	KERN_NO_SPACE           KernReturn = 3
	KERN_INVALID_ARGUMENT   KernReturn = 4
	KERN_FAILURE            KernReturn = 5
	KERN_RESOURCE_SHORTAGE  KernReturn = 6
	KERN_NOT_RECEIVER       KernReturn = 7
	KERN_NO_ACCESS          KernReturn = 8
	KERN_NOT_IN_SET         KernReturn = 12
	KERN_NAME_EXISTS        KernReturn = 13
	KERN_ABORTED            KernReturn = 14
	KERN_INVALID_NAME       KernReturn = 15
	KERN_INVALID_TASK       KernReturn = 16
	KERN_INVALID_RIGHT      KernReturn = 17
	KERN_INVALID_VALUE      KernReturn = 18
	KERN_UREFS_OVERFLOW     KernReturn = 19
	KERN_INVALID_CAPABILITY KernReturn = 20
	KERN_RIGHT_EXISTS       KernReturn = 21
)

// Send errors.
const (
	MACH_SEND_INVALID_DATA   KernReturn = 0x10000002
	MACH_SEND_INVALID_DEST   KernReturn = 0x10000003
	MACH_SEND_TIMED_OUT      KernReturn = 0x10000004
	MACH_SEND_INTERRUPTED    KernReturn = 0x10000007
	MACH_SEND_MSG_TOO_SMALL  KernReturn = 0x10000008
	MACH_SEND_INVALID_REPLY  KernReturn = 0x10000009
	MACH_SEND_INVALID_RIGHT  KernReturn = 0x1000000a
	MACH_SEND_INVALID_NOTIFY KernReturn = 0x1000000b
	MACH_SEND_NO_BUFFER      KernReturn = 0x1000000d
	MACH_SEND_TOO_LARGE      KernReturn = 0x1000000e
	MACH_SEND_INVALID_TYPE   KernReturn = 0x1000000f
	MACH_SEND_INVALID_HEADER KernReturn = 0x10000010
)

// Receive errors.
const (
	MACH_RCV_INVALID_NAME KernReturn = 0x10004002
	MACH_RCV_TIMED_OUT    KernReturn = 0x10004003
	MACH_RCV_TOO_LARGE    KernReturn = 0x10004004
	MACH_RCV_INTERRUPTED  KernReturn = 0x10004005
	MACH_RCV_PORT_CHANGED KernReturn = 0x10004006
	MACH_RCV_PORT_DIED    KernReturn = 0x10004009
	MACH_RCV_IN_SET       KernReturn = 0x1000400a
	MACH_RCV_HEADER_ERROR KernReturn = 0x1000400b
	MACH_RCV_BODY_ERROR   KernReturn = 0x1000400c
)

// MIG errors.
const (
	MIG_TYPE_ERROR     KernReturn = -300
	MIG_REPLY_MISMATCH KernReturn = -301
	MIG_BAD_ID         KernReturn = -303
	MIG_BAD_ARGUMENTS  KernReturn = -304
	MIG_NO_REPLY       KernReturn = -305
	MIG_SERVER_DIED    KernReturn = -308
)

var kernReturnNames = map[KernReturn]string{
	KERN_SUCCESS:             "KERN_SUCCESS",
	KERN_INVALID_ADDRESS:     "KERN_INVALID_ADDRESS",
	KERN_PROTECTION_FAILURE:  "KERN_PROTECTION_FAILURE",
	KERN_NO_SPACE:            "KERN_NO_SPACE",
	KERN_INVALID_ARGUMENT:    "KERN_INVALID_ARGUMENT",
	KERN_FAILURE:             "KERN_FAILURE",
	KERN_RESOURCE_SHORTAGE:   "KERN_RESOURCE_SHORTAGE",
	KERN_NOT_RECEIVER:        "KERN_NOT_RECEIVER",
	KERN_NO_ACCESS:           "KERN_NO_ACCESS",
	KERN_NOT_IN_SET:          "KERN_NOT_IN_SET",
	KERN_NAME_EXISTS:         "KERN_NAME_EXISTS",
	KERN_ABORTED:             "KERN_ABORTED",
	KERN_INVALID_NAME:        "KERN_INVALID_NAME",
	KERN_INVALID_TASK:        "KERN_INVALID_TASK",
	KERN_INVALID_RIGHT:       "KERN_INVALID_RIGHT",
	KERN_INVALID_VALUE:       "KERN_INVALID_VALUE",
	KERN_UREFS_OVERFLOW:      "KERN_UREFS_OVERFLOW",
	KERN_INVALID_CAPABILITY:  "KERN_INVALID_CAPABILITY",
	KERN_RIGHT_EXISTS:        "KERN_RIGHT_EXISTS",
	MACH_SEND_INVALID_DATA:   "MACH_SEND_INVALID_DATA",
	MACH_SEND_INVALID_DEST:   "MACH_SEND_INVALID_DEST",
	MACH_SEND_TIMED_OUT:      "MACH_SEND_TIMED_OUT",
	MACH_SEND_INTERRUPTED:    "MACH_SEND_INTERRUPTED",
	MACH_SEND_MSG_TOO_SMALL:  "MACH_SEND_MSG_TOO_SMALL",
	MACH_SEND_INVALID_REPLY:  "MACH_SEND_INVALID_REPLY",
	MACH_SEND_INVALID_RIGHT:  "MACH_SEND_INVALID_RIGHT",
	MACH_SEND_INVALID_NOTIFY: "MACH_SEND_INVALID_NOTIFY",
	MACH_SEND_NO_BUFFER:      "MACH_SEND_NO_BUFFER",
	MACH_SEND_TOO_LARGE:      "MACH_SEND_TOO_LARGE",
	MACH_SEND_INVALID_TYPE:   "MACH_SEND_INVALID_TYPE",
	MACH_SEND_INVALID_HEADER: "MACH_SEND_INVALID_HEADER",
	MACH_RCV_INVALID_NAME:    "MACH_RCV_INVALID_NAME",
	MACH_RCV_TIMED_OUT:       "MACH_RCV_TIMED_OUT",
	MACH_RCV_TOO_LARGE:       "MACH_RCV_TOO_LARGE",
	MACH_RCV_INTERRUPTED:     "MACH_RCV_INTERRUPTED",
	MACH_RCV_PORT_CHANGED:    "MACH_RCV_PORT_CHANGED",
	MACH_RCV_PORT_DIED:       "MACH_RCV_PORT_DIED",
	MACH_RCV_IN_SET:          "MACH_RCV_IN_SET",
	MACH_RCV_HEADER_ERROR:    "MACH_RCV_HEADER_ERROR",
	MACH_RCV_BODY_ERROR:      "MACH_RCV_BODY_ERROR",
	MIG_TYPE_ERROR:           "MIG_TYPE_ERROR",
	MIG_REPLY_MISMATCH:       "MIG_REPLY_MISMATCH",
	MIG_BAD_ID:               "MIG_BAD_ID",
	MIG_BAD_ARGUMENTS:        "MIG_BAD_ARGUMENTS",
	MIG_NO_REPLY:             "MIG_NO_REPLY",
	MIG_SERVER_DIED:          "MIG_SERVER_DIED",
}

// String implements fmt.Stringer.String.
func (r KernReturn) String() string {
	if s, ok := kernReturnNames[r]; ok {
		return s
	}
	return fmt.Sprintf("kern_return(%#x)", int32(r))
}
