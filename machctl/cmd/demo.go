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

	"github.com/google/subcommands"
	"gvisor.dev/machipc/machctl/config"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	only string
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "run the IPC scenarios against a fresh kernel"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [-only <scenario>] - runs self-checking IPC scenarios.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.only, "only", "", "run only the named scenario.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	k, _, err := newKernel(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Shutdown()

	if d.only == "" {
		if err := RunScenarios(ctx, k, os.Stdout); err != nil {
			return Errorf("%v", err)
		}
		return subcommands.ExitSuccess
	}
	for _, s := range Scenarios {
		if s.Name != d.only {
			continue
		}
		fmt.Fprintf(os.Stdout, "== %s: %s\n", s.Name, s.Brief)
		if err := s.Run(ctx, k, os.Stdout); err != nil {
			return Errorf("scenario %s: %v", s.Name, err)
		}
		return subcommands.ExitSuccess
	}
	f.Usage()
	return subcommands.ExitUsageError
}
