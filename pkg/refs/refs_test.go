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

package refs

import (
	"sync"
	"testing"
)

type counted struct {
	Refs[counted]
}

func TestRefType(t *testing.T) {
	var c counted
	if got, want := c.RefType(), "refs.counted"; got != want {
		t.Errorf("RefType() = %q, want %q", got, want)
	}
}

func TestDecRefDestroysOnce(t *testing.T) {
	var c counted
	c.InitRefs()
	c.IncRef()
	destroyed := 0
	c.DecRef(func() { destroyed++ })
	if destroyed != 0 {
		t.Fatalf("destroyed after first DecRef")
	}
	c.DecRef(func() { destroyed++ })
	if destroyed != 1 {
		t.Fatalf("destroyed %d times, want 1", destroyed)
	}
	if c.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestDecRefUnderflowPanics(t *testing.T) {
	var c counted
	c.InitRefs()
	c.DecRef(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	c.DecRef(nil)
}

func TestConcurrentTryIncRef(t *testing.T) {
	var c counted
	c.InitRefs()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryIncRef() {
				c.DecRef(nil)
			}
		}()
	}
	wg.Wait()
	if got := c.ReadRefs(); got != 1 {
		t.Errorf("ReadRefs() = %d, want 1", got)
	}
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)
	Reset()

	var a, b counted
	a.InitRefs()
	b.InitRefs()
	a.DecRef(nil)
	if got := DoLeakCheck(); got != 1 {
		t.Errorf("DoLeakCheck() = %d, want 1", got)
	}
	b.DecRef(nil)
	if got := DoLeakCheck(); got != 0 {
		t.Errorf("DoLeakCheck() after release = %d, want 0", got)
	}
}

func TestLeakModeFlag(t *testing.T) {
	for _, s := range []string{"disabled", "log-names", "panic"} {
		var m LeakMode
		if err := m.Set(s); err != nil {
			t.Fatalf("Set(%q): %v", s, err)
		}
		if got := m.String(); got != s {
			t.Errorf("String() = %q, want %q", got, s)
		}
	}
	var m LeakMode
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
