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

	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/mig"
	"gvisor.dev/machipc/pkg/metric"
)

// notifyList collects the work an operation must do once it has released
// its locks: notifications and replies to send and kmsgs to destroy.
type notifyList struct {
	sends    []*Kmsg
	destroys []*Kmsg
}

func (nl *notifyList) send(k *Kmsg) {
	nl.sends = append(nl.sends, k)
}

func (nl *notifyList) destroy(k *Kmsg) {
	nl.destroys = append(nl.destroys, k)
}

// deliver runs the collected work until none is left. Destroying a kmsg or
// sending a notification may produce more.
func (nl *notifyList) deliver(ctx context.Context) {
	for len(nl.sends) > 0 || len(nl.destroys) > 0 {
		if n := len(nl.destroys); n > 0 {
			k := nl.destroys[n-1]
			nl.destroys = nl.destroys[:n-1]
			k.destroy(nl)
			continue
		}
		k := nl.sends[0]
		nl.sends = nl.sends[1:]
		if k.remote.Port == nil {
			nl.destroy(k)
			continue
		}
		if err := k.remote.Port.reg.send(ctx, k, nl); err != nil {
			log.Debugf("Dropped kernel message %d: %v", k.id, err)
		}
	}
}

// notification builds a kernel message to the port of a send-once right. On
// failure the right is destroyed without generating another notification.
func notification(notify *Port, id mach.MsgID, body []byte) *Kmsg {
	dest := Right{Port: notify, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}
	k, err := notify.reg.NewKmsg(id, dest, body)
	if err != nil {
		notify.reg.warn.Warningf("Dropping notification %v: %v", mach.NotifyKind(id), err)
		dest.consume(nil)
		return nil
	}
	metric.Notifications.WithLabelValues(mach.NotifyKind(id).String()).Inc()
	if log.IsLogging(log.Debug) {
		log.Debugf("Notification %v to port %d", mach.NotifyKind(id), notify.id)
	}
	return k
}

func (nl *notifyList) notify(notify *Port, id mach.MsgID, body []byte) {
	if k := notification(notify, id, body); k != nil {
		nl.send(k)
	}
}

// noSenders notifies that the last send right of a port is gone.
func (nl *notifyList) noSenders(notify *Port, mscount uint32) {
	nl.notify(notify, mach.MACH_NOTIFY_NO_SENDERS, mig.NewEncoder().PutUint32(mscount).Bytes())
}

// deadName notifies that name now denotes a dead port.
func (nl *notifyList) deadName(notify *Port, name mach.PortName) {
	nl.notify(notify, mach.MACH_NOTIFY_DEAD_NAME, mig.NewEncoder().PutUint32(uint32(name)).Bytes())
}

// portDeleted notifies that name was deleted before its port died.
func (nl *notifyList) portDeleted(notify *Port, name mach.PortName) {
	nl.notify(notify, mach.MACH_NOTIFY_PORT_DELETED, mig.NewEncoder().PutUint32(uint32(name)).Bytes())
}

// sendOnce notifies a port that a send-once right to it was destroyed
// unused. The right itself addresses the notification.
func (nl *notifyList) sendOnce(p *Port) bool {
	k := notification(p, mach.MACH_NOTIFY_SEND_ONCE, nil)
	if k == nil {
		return false
	}
	nl.send(k)
	return true
}

// portDestroyed carries a receive right to the holder of a port-destroyed
// request. It returns false if the message could not be built.
func (nl *notifyList) portDestroyed(notify *Port, rcv Right) bool {
	dest := Right{Port: notify, Type: mach.MACH_MSG_TYPE_PORT_SEND_ONCE}
	k, err := notify.reg.NewKmsg(mach.MACH_NOTIFY_PORT_DESTROYED, dest, nil)
	if err != nil {
		notify.reg.warn.Warningf("Dropping port-destroyed notification: %v", err)
		return false
	}
	k.AddPort(rcv)
	metric.Notifications.WithLabelValues(mach.NotifyPortDestroyed.String()).Inc()
	nl.send(k)
	return true
}

// DecodeNotification returns the name or make-send count carried by a
// notification body.
func DecodeNotification(body []byte) (uint32, error) {
	d := mig.NewDecoder(body)
	v := d.Uint32()
	return v, d.Done()
}
