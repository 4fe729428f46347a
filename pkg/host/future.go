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

package host

import (
	"context"
	"sync"
	"time"
)

// Future is the pending result of a call submitted to the host.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	value  T
	err    error
	cancel context.CancelFunc
}

func newFuture[T any](cancel context.CancelFunc) *Future[T] {
	return &Future[T]{done: make(chan struct{}), cancel: cancel}
}

// Failed returns a future which already completed with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T](nil)
	f.resolve(*new(T), err)
	return f
}

// Resolved returns a future which already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T](nil)
	f.resolve(v, nil)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
		if f.cancel != nil {
			f.cancel()
		}
	})
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the call completes.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// ResultTimeout blocks at most d. On timeout the call is cancelled and
// ErrHostTimeout is returned.
func (f *Future[T]) ResultTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		if f.cancel != nil {
			f.cancel()
		}
		var zero T
		return zero, ErrHostTimeout
	}
}

// Await blocks until the call completes, d elapses or ctx is done.
func (f *Future[T]) Await(ctx context.Context, d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		if f.cancel != nil {
			f.cancel()
		}
		var zero T
		return zero, ErrHostTimeout
	case <-ctx.Done():
		if f.cancel != nil {
			f.cancel()
		}
		var zero T
		return zero, ctx.Err()
	}
}

// Then maps the result of f once it completes.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := newFuture[U](f.cancel)
	go func() {
		v, err := f.Result()
		if err != nil {
			out.resolve(*new(U), err)
			return
		}
		u, err := fn(v)
		out.resolve(u, err)
	}()
	return out
}
