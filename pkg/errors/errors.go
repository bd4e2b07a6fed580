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

// Package errors holds the standardized error definition for the IPC layer.
package errors

import (
	"gvisor.dev/machipc/pkg/abi/mach"
)

// Error represents a kern_return_t with a descriptive message.
type Error struct {
	code    mach.KernReturn
	message string
}

// New creates a new *Error.
func New(code mach.KernReturn, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying mach.KernReturn value.
func (e *Error) Code() mach.KernReturn { return e.code }
