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

// Package cmd holds implementations of the machctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/machipc/machctl/config"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/kalloc"
	"gvisor.dev/machipc/pkg/mach/kernel"
)

// Errorf logs the error, prints it to stderr and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("%s", msg)
	fmt.Fprintf(os.Stderr, "machctl: %s\n", msg)
	return subcommands.ExitFailure
}

// newKernel starts a kernel configured by conf.
func newKernel(conf *config.Config) (*kernel.Kernel, *kalloc.Zone, error) {
	zone := kalloc.NewZone(conf.AllocLimit)
	k, err := kernel.New(kernel.Opts{
		Limits:     conf.Limits(),
		Allocator:  zone,
		Processors: conf.Processors,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting kernel: %w", err)
	}
	return k, zone, nil
}
