/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package signal implements typed in-process signals. Handlers run on the
// goroutine calling Emit, in the order they were connected.
package signal

import (
	"sync"

	"jinr.ru/greenlab/go-mies/pkg/log"
)

type slot[T any] struct {
	id int
	fn func(T)
}

type Signal[T any] struct {
	name  string
	mu    sync.RWMutex
	next  int
	slots []slot[T]
}

func New[T any](name string) *Signal[T] {
	return &Signal[T]{name: name}
}

// Connect registers fn and returns an id for Disconnect.
func (s *Signal[T]) Connect(fn func(T)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.slots = append(s.slots, slot[T]{id: s.next, fn: fn})
	return s.next
}

func (s *Signal[T]) Disconnect(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sl := range s.slots {
		if sl.id == id {
			s.slots = append(s.slots[:i:i], s.slots[i+1:]...)
			return
		}
	}
}

// Emit calls every connected handler with v. A panicking handler is logged
// and does not prevent delivery to the remaining handlers.
func (s *Signal[T]) Emit(v T) {
	s.mu.RLock()
	slots := make([]slot[T], len(s.slots))
	copy(slots, s.slots)
	s.mu.RUnlock()
	for _, sl := range slots {
		s.call(sl.fn, v)
	}
}

func (s *Signal[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler of signal %s failed: %v", s.name, r)
		}
	}()
	fn(v)
}

// Len returns the number of connected handlers.
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}
