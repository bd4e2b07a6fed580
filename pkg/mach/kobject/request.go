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

package kobject

import (
	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/mach/ipc"
	"gvisor.dev/machipc/pkg/mach/mig"
)

// Request is a decoded kernel message as seen by a routine.
type Request struct {
	// ID is the request message id.
	ID mach.MsgID

	// Args decodes the request body.
	Args *mig.Decoder

	// Reply encodes the reply body. It starts with KERN_SUCCESS.
	Reply *mig.Encoder

	kmsg  *ipc.Kmsg
	ports []ipc.Right
}

// Sender returns the id of the space the request was sent from.
func (r *Request) Sender() uint64 {
	return r.kmsg.Trailer().Sender
}

// Ports returns the number of rights carried by the request.
func (r *Request) Ports() int {
	return r.kmsg.Ports()
}

// TakePort removes the i'th right from the request. The caller owns it.
func (r *Request) TakePort(i int) ipc.Right {
	return r.kmsg.TakePort(i)
}

// TakeReply removes the reply right from the request, for a routine that
// answers later.
func (r *Request) TakeReply() ipc.Right {
	return r.kmsg.TakeReply()
}

// AddReplyPort attaches a right to the reply. The reply takes ownership of
// rt; it is released if the routine fails.
func (r *Request) AddReplyPort(rt ipc.Right) {
	r.ports = append(r.ports, rt)
}

func (r *Request) releaseReplyPorts() {
	for _, rt := range r.ports {
		rt.Release()
	}
	r.ports = nil
}
