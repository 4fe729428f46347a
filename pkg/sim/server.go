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
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/log"
)

const writeTimeout = 5 * time.Second

// Server exposes a simulated host over the same HTTP and websocket
// protocol a real host speaks.
type Server struct {
	*mux.Router
	host     *Host
	upgrader websocket.Upgrader
}

func NewServer(h *Host) *Server {
	s := &Server{
		host: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.configureRouter()
	return s
}

func (s *Server) configureRouter() {
	s.Router = mux.NewRouter()
	s.Router.HandleFunc(host.PingPath, s.handlePing()).Methods("GET")
	s.Router.HandleFunc(host.CallPath, s.handleCall()).Methods("POST")
	s.Router.HandleFunc(host.NotificationsPath, s.handleNotifications()).Methods("GET")
}

// Handler wraps the router with request logging and panic recovery
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.LoggingHandler(log.Writer(), s.Router))
}

// ListenAndServe serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, address string, port int) error {
	httpServer := &http.Server{
		Handler: s.Handler(),
		Addr:    fmt.Sprintf("%s:%d", address, port),
	}
	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()
	log.Info("Simulated host listening on %s", httpServer.Addr)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handlePing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.host.available() {
			http.Error(w, "host unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type callBody struct {
	ID        string            `json:"id"`
	Procedure string            `json:"procedure"`
	Params    []json.RawMessage `json:"params"`
}

func (s *Server) handleCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.host.available() {
			http.Error(w, "host unavailable", http.StatusServiceUnavailable)
			return
		}
		body := &callBody{}
		if err := json.NewDecoder(r.Body).Decode(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := &host.CallResponse{ID: body.ID}
		result, err := s.host.Handle(r.Context(), body.Procedure, body.Params)
		if err != nil {
			ce := &host.CallError{Code: host.CodeTransport, Message: err.Error()}
			if failed, ok := host.IsCallFailed(err); ok {
				ce.Code = failed.Code
				ce.Message = failed.Message
			}
			resp.Error = ce
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (s *Server) handleNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// subscribed before the handshake completes so no notification is lost
		ch, cancel := s.host.Subscribe()
		defer cancel()
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warning("Notification stream upgrade failed: %s", err)
			return
		}
		defer conn.Close()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case n := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(n); err != nil {
					log.Debug("Notification stream closed: %s", err)
					return
				}
			}
		}
	}
}
