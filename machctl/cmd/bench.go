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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/machipc/machctl/config"
	"gvisor.dev/machipc/pkg/abi/mach"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/kernel"
	"gvisor.dev/machipc/pkg/mach/sched"
)

// BenchOpts configures RunBench.
type BenchOpts struct {
	// Senders is the number of sending tasks, each with its own port in
	// the receiver's port set.
	Senders int

	// Messages is the number of messages each sender sends.
	Messages int

	// Payload is the body size of each message.
	Payload int

	// Rate limits each sender to this many messages per second. Zero means
	// no limit.
	Rate float64
}

// BenchResult reports a RunBench run.
type BenchResult struct {
	Messages int
	Elapsed  time.Duration
}

// PerSecond returns the message throughput.
func (r BenchResult) PerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Messages) / r.Elapsed.Seconds()
}

// RunBench sends opts.Senders*opts.Messages messages from concurrent sender
// tasks to one receiver draining a port set, and checks that every sender's
// messages arrive in order.
func RunBench(ctx context.Context, k *kernel.Kernel, opts BenchOpts) (BenchResult, error) {
	if opts.Senders <= 0 || opts.Messages <= 0 || opts.Payload < 0 {
		return BenchResult{}, fmt.Errorf("invalid bench options %+v", opts)
	}
	ts, cu, err := newTasks(k, opts.Senders+1)
	if err != nil {
		return BenchResult{}, err
	}
	defer cu.Clean()
	recv, senders := ts[0], ts[1:]

	set, err := recv.PortAllocate(mach.MACH_PORT_RIGHT_PORT_SET)
	if err != nil {
		return BenchResult{}, err
	}
	dests := make([]mach.PortName, len(senders))
	// Message ids encode the sender in the high half.
	origin := make(map[mach.PortName]int)
	for i, s := range senders {
		rcv, err := recv.PortAllocate(mach.MACH_PORT_RIGHT_RECEIVE)
		if err != nil {
			return BenchResult{}, err
		}
		if err := recv.PortMoveMember(rcv, set); err != nil {
			return BenchResult{}, err
		}
		origin[rcv] = i
		if dests[i], err = give(recv, rcv, mach.MACH_MSG_TYPE_MAKE_SEND, s); err != nil {
			return BenchResult{}, err
		}
	}

	body := make([]byte, opts.Payload)
	total := opts.Senders * opts.Messages
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range senders {
		g.Go(func() error {
			var lim *rate.Limiter
			if opts.Rate > 0 {
				lim = rate.NewLimiter(rate.Limit(opts.Rate), 1)
			}
			for n := 0; n < opts.Messages; n++ {
				if lim != nil {
					if err := lim.Wait(gctx); err != nil {
						return err
					}
				}
				if err := send(gctx, s, dests[i], mach.MsgID(n), body); err != nil {
					return fmt.Errorf("sender %d message %d: %w", i, n, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		next := make([]mach.MsgID, len(senders))
		for n := 0; n < total; n++ {
			m, err := recv.MsgReceive(gctx, set, sched.Forever)
			if err != nil {
				return fmt.Errorf("receive %d: %w", n, err)
			}
			i := origin[m.Header.Local]
			if m.Header.ID != next[i] {
				return fmt.Errorf("sender %d: got message %d, want %d", i, m.Header.ID, next[i])
			}
			next[i]++
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return BenchResult{}, err
	}
	res := BenchResult{Messages: total, Elapsed: time.Since(start)}
	log.Infof("Bench: %d messages in %v", res.Messages, res.Elapsed)
	return res, nil
}

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	opts BenchOpts
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "measure send/receive throughput through a port set"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [-senders N] [-messages M] [-payload B] [-rate R] - sends N*M messages to one receiver.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.opts.Senders, "senders", 4, "number of sending tasks.")
	f.IntVar(&b.opts.Messages, "messages", 10000, "messages per sender.")
	f.IntVar(&b.opts.Payload, "payload", 64, "message body size in bytes.")
	f.Float64Var(&b.opts.Rate, "rate", 0, "messages per second per sender; 0 means unlimited.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	k, zone, err := newKernel(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Shutdown()

	res, err := RunBench(ctx, k, b.opts)
	if err != nil {
		return Errorf("bench failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%d messages in %v: %.0f msg/s, peak allocation %d bytes\n",
		res.Messages, res.Elapsed.Round(time.Microsecond), res.PerSecond(), zone.Peak())
	return subcommands.ExitSuccess
}
