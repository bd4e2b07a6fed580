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
	"bytes"
	"context"
	"strings"
	"testing"

	"gvisor.dev/machipc/pkg/mach/kernel"
)

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(kernel.Opts{})
	if err != nil {
		t.Fatalf("kernel.New failed: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })
	return k
}

func TestScenarios(t *testing.T) {
	for _, s := range Scenarios {
		t.Run(s.Name, func(t *testing.T) {
			k := newTestKernel(t)
			var out bytes.Buffer
			if err := s.Run(context.Background(), k, &out); err != nil {
				t.Fatalf("%s failed: %v\noutput:\n%s", s.Name, err, out.String())
			}
			if len(k.Tasks()) != 0 {
				t.Errorf("%s left %d tasks behind", s.Name, len(k.Tasks()))
			}
		})
	}
}

func TestRunScenariosReport(t *testing.T) {
	k := newTestKernel(t)
	var out bytes.Buffer
	if err := RunScenarios(context.Background(), k, &out); err != nil {
		t.Fatalf("RunScenarios failed: %v", err)
	}
	if got, want := strings.Count(out.String(), "   ok\n"), len(Scenarios); got != want {
		t.Errorf("report has %d ok lines, want %d:\n%s", got, want, out.String())
	}
}

func TestBench(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts BenchOpts
	}{
		{name: "single sender", opts: BenchOpts{Senders: 1, Messages: 200}},
		{name: "many senders", opts: BenchOpts{Senders: 8, Messages: 100, Payload: 128}},
		{name: "rate limited", opts: BenchOpts{Senders: 2, Messages: 5, Rate: 1000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t)
			res, err := RunBench(context.Background(), k, tc.opts)
			if err != nil {
				t.Fatalf("RunBench failed: %v", err)
			}
			if want := tc.opts.Senders * tc.opts.Messages; res.Messages != want {
				t.Errorf("Messages got %d, want %d", res.Messages, want)
			}
		})
	}
}

func TestBenchInvalid(t *testing.T) {
	k := newTestKernel(t)
	if _, err := RunBench(context.Background(), k, BenchOpts{Senders: 0, Messages: 1}); err == nil {
		t.Errorf("RunBench with no senders succeeded")
	}
}
