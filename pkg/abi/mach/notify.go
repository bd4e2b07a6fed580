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

// MsgID is the id field of a message header.
type MsgID = int32

// Notification message ids. Source: mach/notify.h.
const (
	MACH_NOTIFY_FIRST          MsgID = 0100
	MACH_NOTIFY_PORT_DELETED   MsgID = MACH_NOTIFY_FIRST + 001
	MACH_NOTIFY_PORT_DESTROYED MsgID = MACH_NOTIFY_FIRST + 005
	MACH_NOTIFY_NO_SENDERS     MsgID = MACH_NOTIFY_FIRST + 006
	MACH_NOTIFY_SEND_ONCE      MsgID = MACH_NOTIFY_FIRST + 007
	MACH_NOTIFY_DEAD_NAME      MsgID = MACH_NOTIFY_FIRST + 010
	MACH_NOTIFY_LAST           MsgID = MACH_NOTIFY_FIRST + 015
)

// NotifyKind selects the notification requested by port_request_notification.
type NotifyKind MsgID

// Requestable notifications.
const (
	NotifyPortDestroyed = NotifyKind(MACH_NOTIFY_PORT_DESTROYED)
	NotifyNoSenders     = NotifyKind(MACH_NOTIFY_NO_SENDERS)
	NotifyDeadName      = NotifyKind(MACH_NOTIFY_DEAD_NAME)
)

// String implements fmt.Stringer.String.
func (k NotifyKind) String() string {
	switch MsgID(k) {
	case MACH_NOTIFY_PORT_DELETED:
		return "port-deleted"
	case MACH_NOTIFY_PORT_DESTROYED:
		return "port-destroyed"
	case MACH_NOTIFY_NO_SENDERS:
		return "no-senders"
	case MACH_NOTIFY_SEND_ONCE:
		return "send-once"
	case MACH_NOTIFY_DEAD_NAME:
		return "dead-name"
	}
	return "unknown"
}

// MIG_REPLY_OFFSET is added to a request id to form the reply id.
const MIG_REPLY_OFFSET MsgID = 100
