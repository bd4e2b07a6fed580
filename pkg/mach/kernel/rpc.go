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

package kernel

import (
	"context"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/mig"
	"gvisor.dev/machipc/pkg/mach/sched"
)

// Reply is the answer to a Call.
type Reply struct {
	// Args decodes the reply body after the return code.
	Args *mig.Decoder

	// Ports are the rights the reply carried, named in the caller's space.
	Ports []mach.PortDescriptor
}

// Call sends a request with the given id and arguments to dest, copying a
// send right, and waits for the reply on a fresh reply port. A non-success
// return code is returned as the error.
func (t *Task) Call(ctx context.Context, dest mach.PortName, id mach.MsgID, args *mig.Encoder) (*Reply, error) {
	replyName, _, err := t.space.AllocateReceive()
	if err != nil {
		return nil, err
	}
	defer t.space.Destroy(replyName)

	if args == nil {
		args = mig.NewEncoder()
	}
	m := &mach.Message{
		Header: mach.MsgHeader{
			Bits:   mach.MakeMsgBits(mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE),
			Remote: dest,
			Local:  replyName,
			ID:     id,
		},
		Body: args.Bytes(),
	}
	m.Header.Size = m.ComputeSize()
	if err := t.MsgSend(ctx, m); err != nil {
		return nil, err
	}
	r, err := t.MsgReceive(ctx, replyName, sched.Forever)
	if err != nil {
		return nil, err
	}
	if r.Header.ID != id+mach.MIG_REPLY_OFFSET {
		for _, pd := range r.Ports {
			t.space.Deallocate(pd.Name)
		}
		return nil, kernerr.MigReplyMismatch
	}
	d := mig.NewDecoder(r.Body)
	code := d.Return()
	if err := d.Err(); err != nil {
		return nil, err
	}
	if code != mach.KERN_SUCCESS {
		return nil, kernerr.FromReturn(code)
	}
	return &Reply{Args: d, Ports: r.Ports}, nil
}
