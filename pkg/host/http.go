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
	"net/http"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/imroc/req"

	"jinr.ru/greenlab/go-mies/pkg/log"
)

const (
	CallPath          = "/api/call"
	PingPath          = "/api/ping"
	NotificationsPath = "/api/notifications"

	notificationsBuffer = 256
)

// CallRequest is the body posted to the host for every call
type CallRequest struct {
	ID        string        `json:"id"`
	Procedure string        `json:"procedure"`
	Params    []interface{} `json:"params"`
}

// CallError is the error object returned by the host
type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallResponse is the body returned by the host for every call
type CallResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CallError      `json:"error,omitempty"`
}

// HTTPTransport talks to the host over HTTP for calls and a websocket
// for notifications.
type HTTPTransport struct {
	address string
	port    int
	r       *req.Req

	mu            sync.Mutex
	conn          *websocket.Conn
	readerDone    chan struct{}
	readerStop    chan struct{}
	notifications chan Notification
	closed        bool
}

var _ Transport = &HTTPTransport{}

func NewHTTPTransport(address string, port int) *HTTPTransport {
	return &HTTPTransport{
		address:       address,
		port:          port,
		r:             req.New(),
		notifications: make(chan Notification, notificationsBuffer),
	}
}

func (t *HTTPTransport) url(path string) string {
	return fmt.Sprintf("http://%s:%d%s", t.address, t.port, path)
}

func (t *HTTPTransport) wsURL() string {
	return fmt.Sprintf("ws://%s:%d%s", t.address, t.port, NotificationsPath)
}

func classify(what string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrHostUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ErrTransport{What: what, Err: err}
}

// Connect checks the host is alive and (re)opens the notification stream
func (t *HTTPTransport) Connect(ctx context.Context) error {
	r, err := t.r.Get(t.url(PingPath), ctx)
	if err != nil {
		return classify("ping", err)
	}
	switch r.Response().StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return ErrHostUnavailable
	default:
		return &ErrTransport{What: "ping: " + r.Response().Status}
	}

	dialer := &websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, t.wsURL(), nil)
	if err != nil {
		return classify("notifications", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close()
		return ErrHostExiting
	}
	t.closeConnLocked()
	t.conn = conn
	t.readerDone = make(chan struct{})
	t.readerStop = make(chan struct{})
	go t.readNotifications(conn, t.readerDone, t.readerStop)
	log.Info("Connected to host %s:%d", t.address, t.port)
	return nil
}

func (t *HTTPTransport) closeConnLocked() {
	if t.conn == nil {
		return
	}
	close(t.readerStop)
	_ = t.conn.Close()
	<-t.readerDone
	t.conn = nil
}

func (t *HTTPTransport) readNotifications(conn *websocket.Conn, done, stop chan struct{}) {
	defer close(done)
	for {
		n := Notification{}
		if err := conn.ReadJSON(&n); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				log.Debug("Notification stream closed: %s", err)
			}
			return
		}
		select {
		case t.notifications <- n:
		case <-stop:
			return
		}
	}
}

// Call posts the call to the host
func (t *HTTPTransport) Call(ctx context.Context, procedure string, args ...interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	body := &CallRequest{
		ID:        uuid.NewString(),
		Procedure: procedure,
		Params:    args,
	}
	r, err := t.r.Post(t.url(CallPath), req.BodyJSON(body), ctx)
	if err != nil {
		return nil, classify(procedure, err)
	}
	if r.Response().StatusCode != http.StatusOK {
		return nil, &ErrTransport{What: procedure + ": " + r.Response().Status}
	}
	resp := &CallResponse{}
	if err := r.ToJSON(resp); err != nil {
		return nil, &ErrTransport{What: procedure, Err: err}
	}
	if resp.Error != nil {
		return nil, &ErrHostCallFailed{Procedure: procedure, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

func (t *HTTPTransport) Notifications() <-chan Notification {
	return t.notifications
}

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeConnLocked()
	return nil
}
