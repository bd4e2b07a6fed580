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

// MsgTypeName is a port disposition carried in a message header or port
// descriptor. Source: mach/message.h.
type MsgTypeName uint32

// Dispositions accepted from a sender.
const (
	MACH_MSG_TYPE_NONE           MsgTypeName = 0
	MACH_MSG_TYPE_MOVE_RECEIVE   MsgTypeName = 16
	MACH_MSG_TYPE_MOVE_SEND      MsgTypeName = 17
	MACH_MSG_TYPE_MOVE_SEND_ONCE MsgTypeName = 18
	MACH_MSG_TYPE_COPY_SEND      MsgTypeName = 19
	MACH_MSG_TYPE_MAKE_SEND      MsgTypeName = 20
	MACH_MSG_TYPE_MAKE_SEND_ONCE MsgTypeName = 21
)

// Types delivered to a receiver after copyin.
const (
	MACH_MSG_TYPE_PORT_NAME      = MACH_MSG_TYPE_NONE
	MACH_MSG_TYPE_PORT_RECEIVE   = MACH_MSG_TYPE_MOVE_RECEIVE
	MACH_MSG_TYPE_PORT_SEND      = MACH_MSG_TYPE_MOVE_SEND
	MACH_MSG_TYPE_PORT_SEND_ONCE = MACH_MSG_TYPE_MOVE_SEND_ONCE
)

// IsPortRight returns true if t is a disposition that carries a right.
func (t MsgTypeName) IsPortRight() bool {
	return t >= MACH_MSG_TYPE_MOVE_RECEIVE && t <= MACH_MSG_TYPE_MAKE_SEND_ONCE
}

// Result returns the type the receiver observes for disposition t.
func (t MsgTypeName) Result() MsgTypeName {
	switch t {
	case MACH_MSG_TYPE_MOVE_RECEIVE:
		return MACH_MSG_TYPE_PORT_RECEIVE
	case MACH_MSG_TYPE_MOVE_SEND, MACH_MSG_TYPE_COPY_SEND, MACH_MSG_TYPE_MAKE_SEND:
		return MACH_MSG_TYPE_PORT_SEND
	case MACH_MSG_TYPE_MOVE_SEND_ONCE, MACH_MSG_TYPE_MAKE_SEND_ONCE:
		return MACH_MSG_TYPE_PORT_SEND_ONCE
	}
	return MACH_MSG_TYPE_NONE
}

// String implements fmt.Stringer.String.
func (t MsgTypeName) String() string {
	switch t {
	case MACH_MSG_TYPE_NONE:
		return "none"
	case MACH_MSG_TYPE_MOVE_RECEIVE:
		return "move-receive"
	case MACH_MSG_TYPE_MOVE_SEND:
		return "move-send"
	case MACH_MSG_TYPE_MOVE_SEND_ONCE:
		return "move-send-once"
	case MACH_MSG_TYPE_COPY_SEND:
		return "copy-send"
	case MACH_MSG_TYPE_MAKE_SEND:
		return "make-send"
	case MACH_MSG_TYPE_MAKE_SEND_ONCE:
		return "make-send-once"
	}
	return fmt.Sprintf("disposition(%d)", uint32(t))
}

// MsgBits packs the remote and local dispositions of a header. Source:
// mach/message.h (MACH_MSGH_BITS).
type MsgBits uint32

// Header bit fields.
const (
	MACH_MSGH_BITS_REMOTE_MASK MsgBits = 0x000000ff
	MACH_MSGH_BITS_LOCAL_MASK  MsgBits = 0x0000ff00
	MACH_MSGH_BITS_COMPLEX     MsgBits = 0x80000000
	MACH_MSGH_BITS_CIRCULAR    MsgBits = 0x40000000
	MACH_MSGH_BITS_USED        MsgBits = 0xc000ffff
)

// MakeMsgBits returns the header bits for the given dispositions.
func MakeMsgBits(remote, local MsgTypeName) MsgBits {
	return MsgBits(remote) | MsgBits(local)<<8
}

// Remote returns the disposition of the destination field.
func (b MsgBits) Remote() MsgTypeName {
	return MsgTypeName(b & MACH_MSGH_BITS_REMOTE_MASK)
}

// Local returns the disposition of the reply field.
func (b MsgBits) Local() MsgTypeName {
	return MsgTypeName((b & MACH_MSGH_BITS_LOCAL_MASK) >> 8)
}

// Complex returns true if the message carries port descriptors.
func (b MsgBits) Complex() bool {
	return b&MACH_MSGH_BITS_COMPLEX != 0
}

// MsgHeader is the fixed part of every message.
type MsgHeader struct {
	Bits MsgBits

	// Size is the total size of the message: header, descriptors and body.
	Size uint32

	// Remote is the destination name on send and the reply name on
	// receive.
	Remote PortName

	// Local is the reply name on send and the destination name on receive.
	Local PortName

	ID int32
}

// PortDescriptor carries one right in the body of a complex message.
type PortDescriptor struct {
	Name        PortName
	Disposition MsgTypeName
}

// MsgTrailer is appended by the kernel to every received message.
type MsgTrailer struct {
	// Seqno is the receiving port's sequence number for this message.
	Seqno uint32

	// Sender identifies the task that sent the message. Zero means the
	// kernel.
	Sender uint64
}

// Message is the shape of a message as seen by a task.
type Message struct {
	Header  MsgHeader
	Ports   []PortDescriptor
	Body    []byte
	Trailer MsgTrailer
}

// Sizes used to compute MsgHeader.Size. They describe the message shape and
// are not a binary layout.
const (
	MsgHeaderSize      = 24
	PortDescriptorSize = 12
	MsgTrailerSize     = 16
)

// ComputeSize returns the Size a sender must put in the header for m.
func (m *Message) ComputeSize() uint32 {
	return uint32(MsgHeaderSize + len(m.Ports)*PortDescriptorSize + len(m.Body))
}

// MsgOption selects send and receive behavior. Source: mach/message.h.
type MsgOption uint32

// Options.
const (
	MACH_MSG_OPTION_NONE MsgOption = 0
	MACH_SEND_MSG        MsgOption = 0x00000001
	MACH_RCV_MSG         MsgOption = 0x00000002
	MACH_SEND_TIMEOUT    MsgOption = 0x00000010
	MACH_RCV_TIMEOUT     MsgOption = 0x00000100
)
