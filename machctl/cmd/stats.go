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
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/machipc/machctl/config"
	"gvisor.dev/machipc/pkg/metric"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	messages int
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run a short workload and print IPC metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-messages M] - prints metric data in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.messages, "messages", 100, "messages per sender in the workload.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	k, _, err := newKernel(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := RunScenarios(ctx, k, io.Discard); err != nil {
		k.Shutdown()
		return Errorf("%v", err)
	}
	if _, err := RunBench(ctx, k, BenchOpts{Senders: 2, Messages: s.messages}); err != nil {
		k.Shutdown()
		return Errorf("%v", err)
	}
	k.Shutdown()
	if err := metric.Write(os.Stdout); err != nil {
		return Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
