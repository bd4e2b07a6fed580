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

package ipc

import (
	"context"
	"time"

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/errors/kernerr"
)

// isSendDisposition returns true for dispositions that produce a send or
// send-once right.
func isSendDisposition(d mach.MsgTypeName) bool {
	switch d {
	case mach.MACH_MSG_TYPE_MOVE_SEND, mach.MACH_MSG_TYPE_COPY_SEND, mach.MACH_MSG_TYPE_MAKE_SEND,
		mach.MACH_MSG_TYPE_MOVE_SEND_ONCE, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE:
		return true
	}
	return false
}

// allows returns true if e can be copied in with disposition d. Dead names
// are allowed only if dead is set.
func allows(e *entry, d mach.MsgTypeName, dead bool) bool {
	if e.typ&mach.MACH_PORT_TYPE_DEAD_NAME != 0 {
		return dead && d != mach.MACH_MSG_TYPE_MAKE_SEND && d != mach.MACH_MSG_TYPE_MAKE_SEND_ONCE
	}
	switch d {
	case mach.MACH_MSG_TYPE_MAKE_SEND, mach.MACH_MSG_TYPE_MAKE_SEND_ONCE:
		return e.typ&mach.MACH_PORT_TYPE_RECEIVE != 0
	case mach.MACH_MSG_TYPE_MOVE_SEND, mach.MACH_MSG_TYPE_COPY_SEND:
		return e.typ&mach.MACH_PORT_TYPE_SEND != 0
	case mach.MACH_MSG_TYPE_MOVE_SEND_ONCE:
		return e.typ&mach.MACH_PORT_TYPE_SEND_ONCE != 0
	}
	return false
}

// SendMsg copies the rights named in msg out of s and delivers the message.
//
// The header is checked in full before any right is taken, so a message
// rejected with MACH_SEND_INVALID_DEST or MACH_SEND_INVALID_REPLY leaves the
// space unchanged. A body right that cannot be copied in fails the send with
// MACH_SEND_INVALID_RIGHT and destroys the rights taken so far.
func (s *Space) SendMsg(ctx context.Context, msg *mach.Message) error {
	h := &msg.Header
	remoteDisp, localDisp := h.Bits.Remote(), h.Bits.Local()
	switch {
	case h.Size != msg.ComputeSize():
		return kernerr.SendMsgTooSmall
	case len(msg.Body) > s.reg.limits.MaxMessageSize:
		return kernerr.SendTooLarge
	case !isSendDisposition(remoteDisp):
		return kernerr.SendInvalidHeader
	case localDisp != mach.MACH_MSG_TYPE_NONE && !isSendDisposition(localDisp):
		return kernerr.SendInvalidHeader
	case len(msg.Ports) > 0 && !h.Bits.Complex():
		return kernerr.SendInvalidHeader
	}
	for _, d := range msg.Ports {
		if !d.Disposition.IsPortRight() {
			return kernerr.SendInvalidType
		}
	}

	k, err := s.reg.NewKmsg(h.ID, Right{}, msg.Body)
	if err != nil {
		return err
	}

	var nl notifyList
	defer nl.deliver(ctx)
	s.mu.Lock()
	if err := s.checkHeaderLocked(h, &nl); err != nil {
		s.mu.Unlock()
		nl.destroy(k)
		return err
	}
	dest, err := s.copyinLocked(h.Remote, remoteDisp, &nl)
	if err != nil {
		s.mu.Unlock()
		nl.destroy(k)
		return kernerr.SendInvalidDest
	}
	k.remote = dest
	if h.Local != mach.MACH_PORT_NULL && localDisp != mach.MACH_MSG_TYPE_NONE {
		reply, err := s.copyinReplyLocked(h.Local, localDisp, &nl)
		if err != nil {
			s.mu.Unlock()
			nl.destroy(k)
			return kernerr.SendInvalidReply
		}
		k.local = reply
	}
	for _, d := range msg.Ports {
		r, err := s.copyinReplyLocked(d.Name, d.Disposition, &nl)
		if err != nil {
			s.mu.Unlock()
			nl.destroy(k)
			return kernerr.SendInvalidRight
		}
		k.AddPort(r)
	}
	s.mu.Unlock()

	k.trailer.Sender = s.id
	return s.reg.send(ctx, k, &nl)
}

// copyinReplyLocked copies in a reply or body right, which unlike the
// destination may be null or dead.
func (s *Space) copyinReplyLocked(name mach.PortName, disp mach.MsgTypeName, nl *notifyList) (Right, error) {
	switch name {
	case mach.MACH_PORT_NULL:
		return Right{}, nil
	case mach.MACH_PORT_DEAD:
		if disp == mach.MACH_MSG_TYPE_MOVE_RECEIVE {
			return Right{}, kernerr.InvalidRight
		}
		return Right{Type: disp.Result()}, nil
	}
	return s.copyinLocked(name, disp, nl)
}

// checkHeaderLocked verifies that the header's rights can be copied in.
func (s *Space) checkHeaderLocked(h *mach.MsgHeader, nl *notifyList) error {
	if !s.active {
		return kernerr.InvalidTask
	}
	remoteDisp, localDisp := h.Bits.Remote(), h.Bits.Local()
	de, err := s.lookupLocked(h.Remote, nl)
	if err != nil || !allows(de, remoteDisp, false) {
		return kernerr.SendInvalidDest
	}
	if !h.Local.Valid() || localDisp == mach.MACH_MSG_TYPE_NONE {
		return nil
	}
	le, err := s.lookupLocked(h.Local, nl)
	if err != nil || !allows(le, localDisp, true) {
		return kernerr.SendInvalidReply
	}
	if h.Local != h.Remote {
		return nil
	}

	// Both fields name the same entry: it must hold enough for both.
	moves, sends := 0, 0
	for _, d := range []mach.MsgTypeName{remoteDisp, localDisp} {
		switch d {
		case mach.MACH_MSG_TYPE_MOVE_SEND:
			moves++
			sends++
		case mach.MACH_MSG_TYPE_COPY_SEND:
			sends++
		case mach.MACH_MSG_TYPE_MOVE_SEND_ONCE:
			moves += 2
		}
	}
	switch {
	case moves > 2:
		return kernerr.SendInvalidReply
	case moves > 0 && sends > 1 && de.urefs < 2:
		return kernerr.SendInvalidReply
	}
	return nil
}

// ReceiveMsg receives a message from the port or port set named name,
// blocking for up to timeout. A timeout of zero polls and a negative one
// waits forever.
//
// The rights in the message are copied out into s. If the reply right
// cannot be named the message is destroyed and MACH_RCV_HEADER_ERROR is
// returned; a body right that cannot be named is destroyed, its descriptor
// reads MACH_PORT_NULL and the message is returned with MACH_RCV_BODY_ERROR.
func (s *Space) ReceiveMsg(ctx context.Context, name mach.PortName, timeout time.Duration) (*mach.Message, error) {
	var (
		nl notifyList
		k  *Kmsg
		w  *waiter
		q  *MessageQueue
	)
	s.mu.Lock()
	e, err := s.lookupLocked(name, &nl)
	switch {
	case err == kernerr.InvalidTask:
	case err != nil:
		err = kernerr.RcvInvalidName
	case e.typ&mach.MACH_PORT_TYPE_RECEIVE != 0:
		p := e.port
		p.mu.Lock()
		if p.pset != nil {
			err = kernerr.RcvInSet
		} else {
			q = &p.queue
			k, w, err = q.startReceive(timeout)
		}
		p.mu.Unlock()
	case e.typ&mach.MACH_PORT_TYPE_PORT_SET != 0:
		q = &e.pset.queue
		k, w, err = e.pset.startReceive(timeout)
	default:
		err = kernerr.RcvInvalidName
	}
	s.mu.Unlock()
	nl.deliver(ctx)

	if err != nil {
		return nil, err
	}
	if w != nil {
		if k, err = q.finishReceive(ctx, w, timeout); err != nil {
			return nil, err
		}
	}
	return s.copyoutMsg(ctx, k)
}

// copyoutMsg converts a received kmsg into a message with names in s,
// consuming k.
func (s *Space) copyoutMsg(ctx context.Context, k *Kmsg) (*mach.Message, error) {
	var nl notifyList
	defer nl.deliver(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := k.remote
	k.remote = Right{}
	local := mach.MACH_PORT_NULL
	if p := dest.Port; p != nil {
		p.mu.Lock()
		if p.receiver == s {
			local = p.receiverName
		}
		p.mu.Unlock()
	}
	dest.consume(&nl)

	reply := k.TakeReply()
	remote, err := s.copyoutLocked(reply, &nl)
	if err != nil {
		reply.release(&nl)
		nl.destroy(k)
		return nil, kernerr.RcvHeaderError
	}

	var bodyErr error
	ports := make([]mach.PortDescriptor, len(k.ports))
	for i := range k.ports {
		r := k.TakePort(i)
		n, err := s.copyoutLocked(r, &nl)
		if err != nil {
			r.release(&nl)
			n = mach.MACH_PORT_NULL
			bodyErr = kernerr.RcvBodyError
		}
		ports[i] = mach.PortDescriptor{Name: n, Disposition: r.Type}
	}

	bits := mach.MakeMsgBits(reply.Type, dest.Type)
	if len(ports) > 0 {
		bits |= mach.MACH_MSGH_BITS_COMPLEX
	} else {
		ports = nil
	}
	msg := &mach.Message{
		Header: mach.MsgHeader{
			Bits:   bits,
			Size:   k.Size(),
			Remote: remote,
			Local:  local,
			ID:     k.id,
		},
		Ports:   ports,
		Body:    append([]byte(nil), k.body...),
		Trailer: k.trailer,
	}
	k.ports = nil
	k.freeBody()
	return msg, bodyErr
}
