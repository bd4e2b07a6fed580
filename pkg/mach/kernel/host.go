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
	"sync/atomic"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/mach/ipc"
)

// Host is the machine. Its name port answers unprivileged queries and its
// privileged port hands out processors.
type Host struct {
	k    *Kernel
	port *ipc.Port
	priv *ipc.Port
}

func newHost(k *Kernel) (*Host, error) {
	h := &Host{k: k}
	var err error
	if h.port, err = k.reg.NewKernelPort(mach.IKOT_HOST, h); err != nil {
		return nil, err
	}
	if h.priv, err = k.reg.NewKernelPort(mach.IKOT_HOST_PRIV, h); err != nil {
		k.reg.DestroyKernelPort(h.port)
		return nil, err
	}
	return h, nil
}

// Port returns the host name port.
func (h *Host) Port() *ipc.Port {
	return h.port
}

// PrivPort returns the privileged host port.
func (h *Host) PrivPort() *ipc.Port {
	return h.priv
}

func (h *Host) destroy() {
	h.k.reg.DestroyKernelPort(h.priv)
	h.k.reg.DestroyKernelPort(h.port)
}

// Processor is one processor slot.
type Processor struct {
	k    *Kernel
	slot int32
	port *ipc.Port

	// queries counts processor_info calls.
	queries atomic.Uint64
}

func newProcessor(k *Kernel, slot int32) (*Processor, error) {
	p := &Processor{k: k, slot: slot}
	var err error
	if p.port, err = k.reg.NewKernelPort(mach.IKOT_PROCESSOR, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Slot returns the processor number.
func (p *Processor) Slot() int32 {
	return p.slot
}

// Port returns the processor port.
func (p *Processor) Port() *ipc.Port {
	return p.port
}

func (p *Processor) destroy() {
	p.k.reg.DestroyKernelPort(p.port)
}
