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

// Package mach contains the constants and types of the Mach IPC interface
// as seen by tasks: port names, right types, dispositions, message headers,
// notification ids and return codes.
package mach

import "fmt"

// PortName is a task-local name for a set of rights. Source:
// mach/port.h.
type PortName uint32

// Reserved names.
const (
	MACH_PORT_NULL PortName = 0
	MACH_PORT_DEAD PortName = ^PortName(0)
)

// Name layout: the low 8 bits hold the slot generation, the rest the index
// into the space's table.
const (
	nameGenBits  = 8
	nameGenMask  = 1<<nameGenBits - 1
	MaxNameIndex = uint32(^PortName(0)>>nameGenBits) - 1
)

// MakeName builds a name from a table index and a generation.
func MakeName(index uint32, gen uint8) PortName {
	return PortName(index<<nameGenBits | uint32(gen))
}

// Index returns the table index encoded in n.
func (n PortName) Index() uint32 {
	return uint32(n) >> nameGenBits
}

// Gen returns the generation encoded in n.
func (n PortName) Gen() uint8 {
	return uint8(n & nameGenMask)
}

// Valid returns true if n names a right, i.e. is neither null nor dead.
func (n PortName) Valid() bool {
	return n != MACH_PORT_NULL && n != MACH_PORT_DEAD
}

// String implements fmt.Stringer.String.
func (n PortName) String() string {
	switch n {
	case MACH_PORT_NULL:
		return "null"
	case MACH_PORT_DEAD:
		return "dead"
	}
	return fmt.Sprintf("0x%x", uint32(n))
}

// PortType is a bitmask of the rights held under one name. Source:
// mach/port.h (MACH_PORT_TYPE_*).
type PortType uint32

// Right types.
const (
	MACH_PORT_TYPE_NONE      PortType = 0
	MACH_PORT_TYPE_SEND      PortType = 1 << 16
	MACH_PORT_TYPE_RECEIVE   PortType = 1 << 17
	MACH_PORT_TYPE_SEND_ONCE PortType = 1 << 18
	MACH_PORT_TYPE_PORT_SET  PortType = 1 << 19
	MACH_PORT_TYPE_DEAD_NAME PortType = 1 << 20

	// MACH_PORT_TYPE_DNREQUEST is set on names with a pending dead-name
	// request.
	MACH_PORT_TYPE_DNREQUEST PortType = 1 << 31

	MACH_PORT_TYPE_SEND_RECEIVE = MACH_PORT_TYPE_SEND | MACH_PORT_TYPE_RECEIVE
	MACH_PORT_TYPE_SEND_RIGHTS  = MACH_PORT_TYPE_SEND | MACH_PORT_TYPE_SEND_ONCE
	MACH_PORT_TYPE_PORT_RIGHTS  = MACH_PORT_TYPE_SEND_RIGHTS | MACH_PORT_TYPE_RECEIVE
	MACH_PORT_TYPE_PORT_OR_DEAD = MACH_PORT_TYPE_PORT_RIGHTS | MACH_PORT_TYPE_DEAD_NAME
	MACH_PORT_TYPE_ALL_RIGHTS   = MACH_PORT_TYPE_PORT_OR_DEAD | MACH_PORT_TYPE_PORT_SET
)

// Has returns true if t holds every right in r.
func (t PortType) Has(r PortType) bool {
	return t&r == r
}

// Rights returns t without request flags.
func (t PortType) Rights() PortType {
	return t & MACH_PORT_TYPE_ALL_RIGHTS
}

// String implements fmt.Stringer.String.
func (t PortType) String() string {
	if t == MACH_PORT_TYPE_NONE {
		return "none"
	}
	var s string
	for _, r := range []struct {
		t    PortType
		name string
	}{
		{MACH_PORT_TYPE_SEND, "send"},
		{MACH_PORT_TYPE_RECEIVE, "receive"},
		{MACH_PORT_TYPE_SEND_ONCE, "send-once"},
		{MACH_PORT_TYPE_PORT_SET, "port-set"},
		{MACH_PORT_TYPE_DEAD_NAME, "dead-name"},
		{MACH_PORT_TYPE_DNREQUEST, "dnrequest"},
	} {
		if t&r.t != 0 {
			if s != "" {
				s += "|"
			}
			s += r.name
		}
	}
	return s
}

// PortRight selects a single right for port_allocate, port_get_refs and
// port_mod_refs. Source: mach/port.h (MACH_PORT_RIGHT_*).
type PortRight uint32

// Rights.
const (
	MACH_PORT_RIGHT_SEND      PortRight = 0
	MACH_PORT_RIGHT_RECEIVE   PortRight = 1
	MACH_PORT_RIGHT_SEND_ONCE PortRight = 2
	MACH_PORT_RIGHT_PORT_SET  PortRight = 3
	MACH_PORT_RIGHT_DEAD_NAME PortRight = 4
	MACH_PORT_RIGHT_NUMBER    PortRight = 5
)

// Type converts a single right to its type bit.
func (r PortRight) Type() PortType {
	if r >= MACH_PORT_RIGHT_NUMBER {
		return MACH_PORT_TYPE_NONE
	}
	return MACH_PORT_TYPE_SEND << r
}

// String implements fmt.Stringer.String.
func (r PortRight) String() string {
	return r.Type().String()
}

// MACH_PORT_UREFS_MAX is the default limit on user references per name.
const MACH_PORT_UREFS_MAX = 0xffff
