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
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/metrics"
)

// State of the bridge connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateExiting:
		return "exiting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Generic host procedures
const (
	ProcExecute     = "Execute"
	ProcGetVariable = "GetVariable"
	ProcGetWave     = "GetWave"
)

type call struct {
	ctx       context.Context
	procedure string
	args      []interface{}
	future    *Future[json.RawMessage]
}

// Bridge serializes every interaction with the host process through a
// single dispatch goroutine which owns the transport. Any goroutine may
// submit calls.
type Bridge struct {
	transport   Transport
	callTimeout time.Duration

	mu      sync.Mutex
	pending []*call
	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	state   atomic.Int32
	exiting atomic.Bool
}

// NewBridge creates a bridge over transport and starts the dispatch goroutine.
// The connection is established lazily by the first call.
func NewBridge(transport Transport, callTimeout time.Duration) *Bridge {
	b := &Bridge{
		transport:   transport,
		callTimeout: callTimeout,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	b.state.Store(int32(StateDisconnected))
	go b.run()
	return b
}

// State returns current connection state
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Notifications delivers host notifications
func (b *Bridge) Notifications() <-chan Notification {
	return b.transport.Notifications()
}

// Submit queues a call and returns immediately. Calls are executed in
// submission order.
func (b *Bridge) Submit(ctx context.Context, procedure string, args ...interface{}) *Future[json.RawMessage] {
	callCtx, cancel := context.WithCancel(ctx)
	c := &call{
		ctx:       callCtx,
		procedure: procedure,
		args:      args,
		future:    newFuture[json.RawMessage](cancel),
	}
	b.mu.Lock()
	if b.exiting.Load() {
		b.mu.Unlock()
		c.future.resolve(nil, ErrHostExiting)
		return c.future
	}
	b.pending = append(b.pending, c)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return c.future
}

// Call submits procedure and blocks until it completes or the call timeout elapses.
func (b *Bridge) Call(ctx context.Context, procedure string, args ...interface{}) (json.RawMessage, error) {
	return b.Submit(ctx, procedure, args...).Await(ctx, b.callTimeout)
}

// Execute runs a host command string and returns its output
func (b *Bridge) Execute(ctx context.Context, command string) (string, error) {
	raw, err := b.Call(ctx, ProcExecute, command)
	if err != nil {
		return "", err
	}
	var out string
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &ErrHostCallFailed{Procedure: ProcExecute, Code: CodeTransport, Message: err.Error()}
	}
	return out, nil
}

// GetVariable reads a host variable. The result is a float64, complex128 or string.
func (b *Bridge) GetVariable(ctx context.Context, folder, name string) (interface{}, error) {
	raw, err := b.Call(ctx, ProcGetVariable, folder, name)
	if err != nil {
		return nil, err
	}
	return decodeVariable(raw)
}

// Scaling is the affine scaling of one wave dimension
type Scaling struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// Wave is a host numeric array with per-dimension scaling
type Wave struct {
	Data    []float64 `json:"data"`
	Scaling []Scaling `json:"scaling"`
}

// GetWave reads a host wave
func (b *Bridge) GetWave(ctx context.Context, folder, name string) (*Wave, error) {
	raw, err := b.Call(ctx, ProcGetWave, folder, name)
	if err != nil {
		return nil, err
	}
	wave := &Wave{}
	if err := json.Unmarshal(raw, wave); err != nil {
		return nil, &ErrHostCallFailed{Procedure: ProcGetWave, Code: CodeTransport, Message: err.Error()}
	}
	return wave, nil
}

// Quit stops the dispatcher. Pending and later calls fail with ErrHostExiting.
func (b *Bridge) Quit() {
	b.once.Do(func() {
		b.mu.Lock()
		b.exiting.Store(true)
		pending := b.pending
		b.pending = nil
		b.mu.Unlock()
		b.state.Store(int32(StateExiting))
		for _, c := range pending {
			c.future.resolve(nil, ErrHostExiting)
		}
		close(b.quit)
		<-b.stopped
		if err := b.transport.Close(); err != nil {
			log.Warning("Error while closing host transport: %s", err)
		}
	})
}

func (b *Bridge) next() *call {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	c := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	return c
}

func (b *Bridge) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(b.stopped)

	for {
		select {
		case <-b.quit:
			return
		case <-b.wake:
		}
		for c := b.next(); c != nil; c = b.next() {
			b.dispatch(c)
		}
	}
}

func (b *Bridge) dispatch(c *call) {
	if err := c.ctx.Err(); err != nil {
		c.future.resolve(nil, err)
		return
	}
	if b.exiting.Load() {
		c.future.resolve(nil, ErrHostExiting)
		return
	}
	metrics.HostCalls.WithLabelValues(c.procedure).Inc()
	start := time.Now()
	result, err := b.invoke(c)
	metrics.HostCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HostCallErrors.WithLabelValues(errorKind(err)).Inc()
		log.Debug("Host call %s failed: %s", c.procedure, err)
	}
	c.future.resolve(result, err)
}

func (b *Bridge) invoke(c *call) (json.RawMessage, error) {
	if b.State() != StateReady {
		b.state.Store(int32(StateConnecting))
		if err := b.transport.Connect(c.ctx); err != nil {
			b.state.Store(int32(StateDisconnected))
			return nil, err
		}
		b.state.Store(int32(StateReady))
	}

	result, err := b.transport.Call(c.ctx, c.procedure, c.args...)
	var te *ErrTransport
	if err == nil || !errors.As(err, &te) || c.ctx.Err() != nil {
		return result, err
	}

	log.Warning("Host transport failed during %s, reconnecting: %s", c.procedure, err)
	b.state.Store(int32(StateReconnecting))
	metrics.HostReconnects.Inc()
	if err := b.transport.Connect(c.ctx); err != nil {
		b.state.Store(int32(StateDisconnected))
		if errors.Is(err, ErrHostUnavailable) {
			return nil, err
		}
		return nil, &ErrHostCallFailed{Procedure: c.procedure, Code: CodeTransport, Message: err.Error()}
	}
	b.state.Store(int32(StateReady))

	result, err = b.transport.Call(c.ctx, c.procedure, c.args...)
	if err != nil && errors.As(err, &te) {
		b.state.Store(int32(StateDisconnected))
		return nil, &ErrHostCallFailed{Procedure: c.procedure, Code: CodeTransport, Message: err.Error()}
	}
	return result, err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrHostUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	if _, ok := IsCallFailed(err); ok {
		return "call_failed"
	}
	return "other"
}

func decodeVariable(raw json.RawMessage) (interface{}, error) {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}
	var cplx [2]float64
	if err := json.Unmarshal(raw, &cplx); err == nil {
		return complex(cplx[0], cplx[1]), nil
	}
	return nil, &ErrHostCallFailed{Procedure: ProcGetVariable, Code: CodeTransport, Message: "unsupported variable type"}
}
