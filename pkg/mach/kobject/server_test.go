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
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
	"gvisor.dev/machipc/pkg/mach/ipc"
	"gvisor.dev/machipc/pkg/mach/mig"
)

const (
	echoID     mach.MsgID = 900
	failID     mach.MsgID = 901
	deferID    mach.MsgID = 902
	selfPortID mach.MsgID = 903
)

type widget struct {
	port    *ipc.Port
	pending []ipc.Right
}

type fixture struct {
	reg    *ipc.Registry
	srv    *Server
	user   *ipc.Space
	obj    *widget
	target mach.PortName
	reply  mach.PortName
}

func widgetSubsystem() *Subsystem {
	return NewSubsystem("widget", mach.IKOT_HOST).
		Add(echoID, "echo", func(ctx context.Context, obj any, req *Request) error {
			v := req.Args.Uint32()
			if err := req.Args.Done(); err != nil {
				return err
			}
			req.Reply.PutUint32(v + 1)
			return nil
		}).
		Add(failID, "fail", func(ctx context.Context, obj any, req *Request) error {
			req.Reply.PutString("discarded")
			return kernerr.InvalidArgument
		}).
		Add(deferID, "defer", func(ctx context.Context, obj any, req *Request) error {
			w := obj.(*widget)
			w.pending = append(w.pending, req.TakeReply())
			return kernerr.MigNoReply
		}).
		Add(selfPortID, "self", func(ctx context.Context, obj any, req *Request) error {
			w := obj.(*widget)
			req.AddReplyPort(w.port.MakeSend())
			req.Reply.PutUint32(1)
			return nil
		})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := ipc.NewRegistry(ipc.RegistryOpts{Limits: ipc.DefaultLimits()})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(reg.Shutdown)
	srv := NewServer(reg)
	srv.Register(widgetSubsystem())
	reg.SetServer(srv)

	user, err := reg.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	t.Cleanup(user.Terminate)

	obj := &widget{}
	obj.port, err = reg.NewKernelPort(mach.IKOT_HOST, obj)
	if err != nil {
		t.Fatalf("NewKernelPort failed: %v", err)
	}
	target, err := user.CopyOut(obj.port.MakeSend())
	if err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	reply, _, err := user.AllocateReceive()
	if err != nil {
		t.Fatalf("AllocateReceive failed: %v", err)
	}
	return &fixture{reg: reg, srv: srv, user: user, obj: obj, target: target, reply: reply}
}

func (f *fixture) call(t *testing.T, id mach.MsgID, args *mig.Encoder) *mach.Message {
	t.Helper()
	m := &mach.Message{
		Header: mach.MsgHeader{
			Bits:   mach.MakeMsgBits(mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE),
			Remote: f.target,
			Local:  f.reply,
			ID:     id,
		},
		Body: args.Bytes(),
	}
	m.Header.Size = m.ComputeSize()
	if err := f.user.SendMsg(context.Background(), m); err != nil {
		t.Fatalf("SendMsg(%d) failed: %v", id, err)
	}
	r, err := f.user.ReceiveMsg(context.Background(), f.reply, 0)
	if err != nil {
		t.Fatalf("ReceiveMsg after routine %d failed: %v", id, err)
	}
	if got, want := r.Header.ID, id+mach.MIG_REPLY_OFFSET; got != want {
		t.Errorf("reply id got %d, want %d", got, want)
	}
	return r
}

func TestDispatchReply(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, echoID, mig.NewEncoder().PutUint32(41))
	d := mig.NewDecoder(r.Body)
	if code := d.Return(); code != mach.KERN_SUCCESS {
		t.Fatalf("return code got %v, want success", code)
	}
	if got := d.Uint32(); got != 42 {
		t.Errorf("echo got %d, want 42", got)
	}
	if err := d.Done(); err != nil {
		t.Errorf("Done: %v", err)
	}
}

func TestDispatchErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		id   mach.MsgID
		args *mig.Encoder
		want mach.KernReturn
	}{
		{name: "unknown id", id: 42, args: mig.NewEncoder(), want: mach.MIG_BAD_ID},
		{name: "routine error", id: failID, args: mig.NewEncoder(), want: mach.KERN_INVALID_ARGUMENT},
		{name: "missing argument", id: echoID, args: mig.NewEncoder(), want: mach.MIG_BAD_ARGUMENTS},
		{name: "extra argument", id: echoID, args: mig.NewEncoder().PutUint32(1).PutUint32(2), want: mach.MIG_BAD_ARGUMENTS},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.call(t, tc.id, tc.args)
			d := mig.NewDecoder(r.Body)
			if got := d.Return(); got != tc.want {
				t.Errorf("return code got %v, want %v", got, tc.want)
			}
			if err := d.Done(); err != nil {
				t.Errorf("error reply carries more than the code: %v", err)
			}
		})
	}
}

func TestDeferredReply(t *testing.T) {
	f := newFixture(t)
	m := &mach.Message{
		Header: mach.MsgHeader{
			Bits:   mach.MakeMsgBits(mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE),
			Remote: f.target,
			Local:  f.reply,
			ID:     deferID,
		},
	}
	m.Header.Size = m.ComputeSize()
	if err := f.user.SendMsg(context.Background(), m); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	if _, err := f.user.ReceiveMsg(context.Background(), f.reply, 0); err != kernerr.RcvTimedOut {
		t.Fatalf("deferred routine replied early: %v", err)
	}
	if len(f.obj.pending) != 1 {
		t.Fatalf("routine kept %d reply rights, want 1", len(f.obj.pending))
	}

	body := mig.NewReply(mach.KERN_SUCCESS).PutString("late")
	if err := f.srv.SendReply(context.Background(), deferID, f.obj.pending[0], body); err != nil {
		t.Fatalf("SendReply failed: %v", err)
	}
	r, err := f.user.ReceiveMsg(context.Background(), f.reply, 0)
	if err != nil {
		t.Fatalf("ReceiveMsg failed: %v", err)
	}
	d := mig.NewDecoder(r.Body)
	if code, s := d.Return(), d.String(); code != mach.KERN_SUCCESS || s != "late" {
		t.Errorf("deferred reply got (%v, %q), want (success, %q)", code, s, "late")
	}
}

func TestReplyCarriesPorts(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, selfPortID, mig.NewEncoder())
	if len(r.Ports) != 1 {
		t.Fatalf("reply carries %d ports, want 1", len(r.Ports))
	}
	if got, want := r.Ports[0], (mach.PortDescriptor{Name: f.target, Disposition: mach.MACH_MSG_TYPE_PORT_SEND}); got != want {
		t.Errorf("reply port got %+v, want %+v", got, want)
	}
	if got := f.obj.port.SendRights(); got != 2 {
		t.Errorf("SendRights got %d, want 2", got)
	}
}

func TestNoReplyRight(t *testing.T) {
	f := newFixture(t)
	m := &mach.Message{
		Header: mach.MsgHeader{
			Bits:   mach.MakeMsgBits(mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_NONE),
			Remote: f.target,
			ID:     selfPortID,
		},
	}
	m.Header.Size = m.ComputeSize()
	if err := f.user.SendMsg(context.Background(), m); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	// The send right built for the reply is dropped with it.
	if got := f.obj.port.SendRights(); got != 1 {
		t.Errorf("SendRights got %d, want 1", got)
	}
}

func TestRegisterPanics(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(s *Server)
	}{
		{
			name: "duplicate type",
			fn: func(s *Server) {
				s.Register(NewSubsystem("other", mach.IKOT_HOST))
			},
		},
		{
			name: "duplicate id",
			fn: func(s *Server) {
				s.Register(NewSubsystem("other", mach.IKOT_TASK).Add(echoID, "echo", nil))
			},
		},
		{
			name: "no type",
			fn: func(s *Server) {
				s.Register(NewSubsystem("none", mach.IKOT_NONE))
			},
		},
		{
			name: "duplicate routine",
			fn: func(*Server) {
				NewSubsystem("twice", mach.IKOT_TASK).Add(1, "a", nil).Add(1, "b", nil)
			},
		},
		{
			name: "id in reply range",
			fn: func(*Server) {
				NewSubsystem("reply", mach.IKOT_TASK).Add(1, "a", nil).Add(1+mach.MIG_REPLY_OFFSET, "b", nil)
			},
		},
		{
			name: "reply range of later id",
			fn: func(*Server) {
				NewSubsystem("reply", mach.IKOT_TASK).Add(1+mach.MIG_REPLY_OFFSET, "a", nil).Add(1, "b", nil)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(nil)
			s.Register(widgetSubsystem())
			defer func() {
				if recover() == nil {
					t.Errorf("no panic")
				}
			}()
			tc.fn(s)
		})
	}
}

func TestValidate(t *testing.T) {
	s := NewServer(nil)
	s.Register(widgetSubsystem())
	err := s.Validate()
	if err == nil {
		t.Fatalf("Validate with only the host subsystem succeeded")
	}
	if strings.Contains(err.Error(), mach.IKOT_HOST.String()+" ") {
		t.Errorf("Validate reports a served type: %v", err)
	}
	for _, typ := range mach.KObjectTypes {
		if s.Subsystem(typ) == nil {
			s.Register(NewSubsystem(typ.String(), typ))
		}
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate got %v, want nil", err)
	}
	if diff := cmp.Diff([]mach.MsgID{echoID, failID, deferID, selfPortID}, s.Subsystem(mach.IKOT_HOST).IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
}
