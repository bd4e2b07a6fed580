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

// Package ilist provides a generic intrusive doubly linked list.
package ilist

// Entry holds the links of an element. Types stored in a List embed an Entry
// and return it from Links.
//
// The zero value for Entry is an unlinked entry.
type Entry[T any] struct {
	next *T
	prev *T
}

// Links returns e. It is promoted to types that embed Entry.
func (e *Entry[T]) Links() *Entry[T] {
	return e
}

// Element is the constraint satisfied by pointers to types embedding
// Entry[T].
type Element[T any] interface {
	*T
	Links() *Entry[T]
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = l.Next(e) {
//		// do something with e.
//	}
type List[T any, P Element[T]] struct {
	head *T
	tail *T
	len  int
}

// Reset resets list l to the empty state.
func (l *List[T, P]) Reset() {
	l.head = nil
	l.tail = nil
	l.len = 0
}

// Empty returns true iff the list is empty.
func (l *List[T, P]) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List[T, P]) Front() *T {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List[T, P]) Back() *T {
	return l.tail
}

// Len returns the number of elements in the list.
func (l *List[T, P]) Len() int {
	return l.len
}

// Next returns the element after e, or nil.
func (l *List[T, P]) Next(e *T) *T {
	return P(e).Links().next
}

// Prev returns the element before e, or nil.
func (l *List[T, P]) Prev(e *T) *T {
	return P(e).Links().prev
}

// PushFront inserts the element e at the front of list l.
func (l *List[T, P]) PushFront(e *T) {
	links := P(e).Links()
	links.next = l.head
	links.prev = nil
	if l.head != nil {
		P(l.head).Links().prev = e
	} else {
		l.tail = e
	}
	l.head = e
	l.len++
}

// PushBack inserts the element e at the back of list l.
func (l *List[T, P]) PushBack(e *T) {
	links := P(e).Links()
	links.next = nil
	links.prev = l.tail
	if l.tail != nil {
		P(l.tail).Links().next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.len++
}

// PushBackList inserts list m at the end of list l, emptying m.
func (l *List[T, P]) PushBackList(m *List[T, P]) {
	if l.head == nil {
		l.head = m.head
		l.tail = m.tail
	} else if m.head != nil {
		P(l.tail).Links().next = m.head
		P(m.head).Links().prev = l.tail
		l.tail = m.tail
	}
	l.len += m.len
	m.Reset()
}

// Remove removes e from l.
func (l *List[T, P]) Remove(e *T) {
	links := P(e).Links()
	prev := links.prev
	next := links.next
	if prev != nil {
		P(prev).Links().next = next
	} else if l.head == e {
		l.head = next
	}
	if next != nil {
		P(next).Links().prev = prev
	} else if l.tail == e {
		l.tail = prev
	}
	links.next = nil
	links.prev = nil
	l.len--
}

// PopFront removes and returns the first element of l, or nil.
func (l *List[T, P]) PopFront() *T {
	e := l.head
	if e != nil {
		l.Remove(e)
	}
	return e
}
