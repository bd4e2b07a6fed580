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

// Package mig marshals the arguments of kernel RPCs.
//
// A body is a sequence of protobuf wire-format fields numbered from 1 in
// argument order. Decoding checks both the field number and the wire type, so
// a request built for a different routine fails with MIG_TYPE_ERROR rather
// than being misread.
package mig

import (
	"google.golang.org/protobuf/encoding/protowire"
	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
)

// Encoder appends arguments to a body.
type Encoder struct {
	b    []byte
	next protowire.Number
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{next: 1}
}

// NewReply returns an Encoder whose first argument is the return code.
func NewReply(code mach.KernReturn) *Encoder {
	e := NewEncoder()
	e.PutInt32(int32(code))
	return e
}

func (e *Encoder) tag(t protowire.Type) {
	if e.next == 0 {
		e.next = 1
	}
	e.b = protowire.AppendTag(e.b, e.next, t)
	e.next++
}

// PutUint64 appends v.
func (e *Encoder) PutUint64(v uint64) *Encoder {
	e.tag(protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
	return e
}

// PutUint32 appends v.
func (e *Encoder) PutUint32(v uint32) *Encoder {
	return e.PutUint64(uint64(v))
}

// PutInt64 appends v.
func (e *Encoder) PutInt64(v int64) *Encoder {
	e.tag(protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeZigZag(v))
	return e
}

// PutInt32 appends v.
func (e *Encoder) PutInt32(v int32) *Encoder {
	return e.PutInt64(int64(v))
}

// PutBool appends v.
func (e *Encoder) PutBool(v bool) *Encoder {
	return e.PutUint64(protowire.EncodeBool(v))
}

// PutBytes appends v.
func (e *Encoder) PutBytes(v []byte) *Encoder {
	e.tag(protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
	return e
}

// PutString appends v.
func (e *Encoder) PutString(v string) *Encoder {
	e.tag(protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
	return e
}

// Bytes returns the encoded body.
func (e *Encoder) Bytes() []byte {
	return e.b
}

// Decoder reads arguments from a body in order. The first error sticks and
// later reads return zero values.
type Decoder struct {
	b    []byte
	next protowire.Number
	err  error
}

// NewDecoder returns a Decoder over b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b, next: 1}
}

func (d *Decoder) field(want protowire.Type) bool {
	if d.err != nil {
		return false
	}
	if len(d.b) == 0 {
		d.err = kernerr.MigBadArguments
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = kernerr.MigBadArguments
		return false
	}
	if num != d.next || typ != want {
		d.err = kernerr.MigTypeError
		return false
	}
	d.b = d.b[n:]
	d.next++
	return true
}

// Uint64 reads the next argument as a uint64.
func (d *Decoder) Uint64() uint64 {
	if !d.field(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.err = kernerr.MigBadArguments
		return 0
	}
	d.b = d.b[n:]
	return v
}

// Uint32 reads the next argument as a uint32.
func (d *Decoder) Uint32() uint32 {
	return uint32(d.Uint64())
}

// Int64 reads the next argument as an int64.
func (d *Decoder) Int64() int64 {
	return protowire.DecodeZigZag(d.Uint64())
}

// Int32 reads the next argument as an int32.
func (d *Decoder) Int32() int32 {
	return int32(d.Int64())
}

// Bool reads the next argument as a bool.
func (d *Decoder) Bool() bool {
	return protowire.DecodeBool(d.Uint64())
}

// Bytes reads the next argument as a byte slice. The result aliases the body.
func (d *Decoder) Bytes() []byte {
	if !d.field(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.err = kernerr.MigBadArguments
		return nil
	}
	d.b = d.b[n:]
	return v
}

// String reads the next argument as a string.
func (d *Decoder) String() string {
	return string(d.Bytes())
}

// Return reads the leading return code of a reply.
func (d *Decoder) Return() mach.KernReturn {
	return mach.KernReturn(d.Int32())
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

// Done returns the first decoding error, or MIG_BAD_ARGUMENTS if arguments
// remain unread.
func (d *Decoder) Done() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return kernerr.MigBadArguments
	}
	return nil
}
