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

// Package kernerr contains the IPC return codes exported as error interface
// pointers. Errors compare by identity, e.g. err == kernerr.InvalidName.
package kernerr

import (
	"fmt"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors"
)

// Generic kernel errors.
var (
	InvalidAddress    = errors.New(mach.KERN_INVALID_ADDRESS, "invalid address")
	ProtectionFailure = errors.New(mach.KERN_PROTECTION_FAILURE, "protection failure")
	NoSpace           = errors.New(mach.KERN_NO_SPACE, "no space in name table")
	InvalidArgument   = errors.New(mach.KERN_INVALID_ARGUMENT, "invalid argument")
	Failure           = errors.New(mach.KERN_FAILURE, "failure")
	ResourceShortage  = errors.New(mach.KERN_RESOURCE_SHORTAGE, "resource shortage")
	NotReceiver       = errors.New(mach.KERN_NOT_RECEIVER, "not the receiver")
	NoAccess          = errors.New(mach.KERN_NO_ACCESS, "no access")
	NotInSet          = errors.New(mach.KERN_NOT_IN_SET, "port not in set")
	NameExists        = errors.New(mach.KERN_NAME_EXISTS, "name exists")
	Aborted           = errors.New(mach.KERN_ABORTED, "aborted")
	InvalidName       = errors.New(mach.KERN_INVALID_NAME, "invalid name")
	InvalidTask       = errors.New(mach.KERN_INVALID_TASK, "invalid task")
	InvalidRight      = errors.New(mach.KERN_INVALID_RIGHT, "invalid right")
	InvalidValue      = errors.New(mach.KERN_INVALID_VALUE, "invalid value")
	UrefsOverflow     = errors.New(mach.KERN_UREFS_OVERFLOW, "user references overflow")
	InvalidCapability = errors.New(mach.KERN_INVALID_CAPABILITY, "invalid capability")
	RightExists       = errors.New(mach.KERN_RIGHT_EXISTS, "right exists")
)

// Message send errors.
var (
	SendInvalidData   = errors.New(mach.MACH_SEND_INVALID_DATA, "invalid message data")
	SendInvalidDest   = errors.New(mach.MACH_SEND_INVALID_DEST, "invalid destination port")
	SendTimedOut      = errors.New(mach.MACH_SEND_TIMED_OUT, "send timed out")
	SendInterrupted   = errors.New(mach.MACH_SEND_INTERRUPTED, "send interrupted")
	SendMsgTooSmall   = errors.New(mach.MACH_SEND_MSG_TOO_SMALL, "message size inconsistent with header")
	SendInvalidReply  = errors.New(mach.MACH_SEND_INVALID_REPLY, "invalid reply port")
	SendInvalidRight  = errors.New(mach.MACH_SEND_INVALID_RIGHT, "invalid port right in body")
	SendInvalidNotify = errors.New(mach.MACH_SEND_INVALID_NOTIFY, "invalid notify port")
	SendNoBuffer      = errors.New(mach.MACH_SEND_NO_BUFFER, "no message buffer")
	SendTooLarge      = errors.New(mach.MACH_SEND_TOO_LARGE, "message too large")
	SendInvalidType   = errors.New(mach.MACH_SEND_INVALID_TYPE, "invalid disposition")
	SendInvalidHeader = errors.New(mach.MACH_SEND_INVALID_HEADER, "invalid message header")
)

// Message receive errors.
var (
	RcvInvalidName = errors.New(mach.MACH_RCV_INVALID_NAME, "invalid receive name")
	RcvTimedOut    = errors.New(mach.MACH_RCV_TIMED_OUT, "receive timed out")
	RcvTooLarge    = errors.New(mach.MACH_RCV_TOO_LARGE, "message too large for buffer")
	RcvInterrupted = errors.New(mach.MACH_RCV_INTERRUPTED, "receive interrupted")
	RcvPortChanged = errors.New(mach.MACH_RCV_PORT_CHANGED, "receive right changed")
	RcvPortDied    = errors.New(mach.MACH_RCV_PORT_DIED, "receive right died")
	RcvInSet       = errors.New(mach.MACH_RCV_IN_SET, "port is in a set")
	RcvHeaderError = errors.New(mach.MACH_RCV_HEADER_ERROR, "error receiving header")
	RcvBodyError   = errors.New(mach.MACH_RCV_BODY_ERROR, "error receiving body")
)

// Kernel RPC errors.
var (
	MigTypeError     = errors.New(mach.MIG_TYPE_ERROR, "argument type mismatch")
	MigReplyMismatch = errors.New(mach.MIG_REPLY_MISMATCH, "reply id mismatch")
	MigBadID         = errors.New(mach.MIG_BAD_ID, "unknown message id")
	MigBadArguments  = errors.New(mach.MIG_BAD_ARGUMENTS, "bad arguments")
	MigServerDied    = errors.New(mach.MIG_SERVER_DIED, "server died")

	// MigNoReply is returned by a kernel routine that has taken the reply
	// right and will answer later.
	MigNoReply = errors.New(mach.MIG_NO_REPLY, "reply deferred")
)

var codeMap = make(map[mach.KernReturn]*errors.Error)

func init() {
	for _, e := range []*errors.Error{
		InvalidAddress, ProtectionFailure, NoSpace, InvalidArgument, Failure,
		ResourceShortage, NotReceiver, NoAccess, NotInSet, NameExists, Aborted,
		InvalidName, InvalidTask, InvalidRight, InvalidValue, UrefsOverflow,
		InvalidCapability, RightExists,
		SendInvalidData, SendInvalidDest, SendTimedOut, SendInterrupted,
		SendMsgTooSmall, SendInvalidReply, SendInvalidRight, SendInvalidNotify,
		SendNoBuffer, SendTooLarge, SendInvalidType, SendInvalidHeader,
		RcvInvalidName, RcvTimedOut, RcvTooLarge, RcvInterrupted,
		RcvPortChanged, RcvPortDied, RcvInSet, RcvHeaderError, RcvBodyError,
		MigTypeError, MigReplyMismatch, MigBadID, MigBadArguments,
		MigServerDied, MigNoReply,
	} {
		if _, ok := codeMap[e.Code()]; ok {
			panic(fmt.Sprintf("duplicate error for %v", e.Code()))
		}
		codeMap[e.Code()] = e
	}
}

// ToReturn converts an error to the status code a trap returns. Errors not
// produced by this package map to KERN_FAILURE.
func ToReturn(err error) mach.KernReturn {
	if err == nil {
		return mach.KERN_SUCCESS
	}
	if e, ok := err.(*errors.Error); ok {
		if e == nil {
			return mach.KERN_SUCCESS
		}
		return e.Code()
	}
	return mach.KERN_FAILURE
}

// FromReturn returns the error for code, or nil for KERN_SUCCESS.
func FromReturn(code mach.KernReturn) error {
	if code == mach.KERN_SUCCESS {
		return nil
	}
	if e, ok := codeMap[code]; ok {
		return e
	}
	return errors.New(code, code.String())
}

// Equals compares an error to a return code.
func Equals(err error, code mach.KernReturn) bool {
	return ToReturn(err) == code
}
