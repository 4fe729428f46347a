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

package sim

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"jinr.ru/greenlab/go-mies/pkg/host"
)

// Transport connects a bridge to a simulated host in process
type Transport struct {
	host          *Host
	notifications <-chan host.Notification
	cancel        func()

	mu       sync.Mutex
	connects int
	closed   bool
}

var _ host.Transport = &Transport{}

func NewTransport(h *Host) *Transport {
	ch, cancel := h.Subscribe()
	return &Transport{
		host:          h,
		notifications: ch,
		cancel:        cancel,
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return host.ErrHostExiting
	}
	t.connects++
	if !t.host.available() {
		return host.ErrHostUnavailable
	}
	return nil
}

// Connects returns the number of connection attempts
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Call(ctx context.Context, procedure string, args ...interface{}) (json.RawMessage, error) {
	if !t.host.available() {
		return nil, &host.ErrTransport{What: procedure, Err: errors.New("connection reset")}
	}
	if t.host.takeFailure() {
		return nil, &host.ErrTransport{What: procedure, Err: errors.New("broken pipe")}
	}
	params := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, &host.ErrTransport{What: procedure, Err: err}
		}
		params[i] = raw
	}
	result, err := t.host.Handle(ctx, procedure, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (t *Transport) Notifications() <-chan host.Notification {
	return t.notifications
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.cancel()
	}
	return nil
}
