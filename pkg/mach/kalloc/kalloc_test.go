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

package kalloc

import (
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/machipc/pkg/errors/kernerr"
)

func TestRoundSize(t *testing.T) {
	z := NewZone(0)
	ps := unix.Getpagesize()
	for _, tc := range []struct {
		size int
		want int
	}{
		{0, 16},
		{1, 16},
		{16, 16},
		{17, 32},
		{100, 128},
		{ps, ps},
		{ps + 1, 2 * ps},
	} {
		if got, _ := z.roundSize(tc.size); got != tc.want {
			t.Errorf("roundSize(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestLimit(t *testing.T) {
	z := NewZone(64)
	a, err := z.Alloc(40)
	if err != nil {
		t.Fatalf("Alloc(40): %v", err)
	}
	if len(a) != 40 || cap(a) != 64 {
		t.Errorf("Alloc(40) gave len %d cap %d", len(a), cap(a))
	}
	if _, err := z.Alloc(1); err != kernerr.ResourceShortage {
		t.Errorf("Alloc over limit = %v, want %v", err, kernerr.ResourceShortage)
	}
	z.Free(a)
	if got := z.InUse(); got != 0 {
		t.Errorf("InUse() = %d after free, want 0", got)
	}
	b, err := z.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	for i, v := range b {
		if v != 0 {
			t.Fatalf("reused buffer not zeroed at %d", i)
		}
	}
	if got := z.Peak(); got != 64 {
		t.Errorf("Peak() = %d, want 64", got)
	}
}

func TestFreeForeignPanics(t *testing.T) {
	z := NewZone(0)
	defer func() {
		if recover() == nil {
			t.Errorf("Free of a foreign buffer did not panic")
		}
	}()
	z.Free(make([]byte, 3, 3))
}
