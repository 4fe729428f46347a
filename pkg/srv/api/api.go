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

// go-mies API
//
// RESTful APIs to interact with patch pipettes bridged to a MIES host
//
// Schemes: http
// Host: localhost:8000
// BasePath: /api
// Version: 1.0.0
//
//	Consumes:
//	- application/json
//
//	Produces:
//	- application/json
//
// swagger:meta
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-openapi/loads"
	"github.com/go-openapi/runtime/middleware"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/device"
	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/metrics"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/srv/api/ifc"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

const (
	ApiPrefix   = "/api"
	SwaggerPath = "/swagger.json"
	DocsPath    = "docs"
	MetricsPath = "/metrics"
)

//go:embed swagger.json
var swaggerJSON []byte

type ApiServer struct {
	context.Context
	*config.Config
	*mux.Router
	mgr     ifc.PipetteManager
	swagger *loads.Document
}

var _ ifc.ApiServer = &ApiServer{}

func NewApiServer(ctx context.Context, cfg *config.Config, mgr ifc.PipetteManager) (*ApiServer, error) {
	log.Info("Initializing API server with address: %s port: %d", cfg.Api.Address, cfg.Api.Port)
	doc, err := loads.Analyzed(json.RawMessage(swaggerJSON), "")
	if err != nil {
		return nil, fmt.Errorf("load swagger spec: %w", err)
	}
	s := &ApiServer{
		Context: ctx,
		Config:  cfg,
		mgr:     mgr,
		swagger: doc,
	}
	s.configureRouter()
	return s, nil
}

// Run serves until the server context is done
func (s *ApiServer) Run() error {
	httpServer := &http.Server{
		Handler: s.Handler(),
		Addr:    fmt.Sprintf("%s:%d", s.Config.Api.Address, s.Config.Api.Port),
	}
	go func() {
		<-s.Context.Done()
		_ = httpServer.Close()
	}()
	log.Info("API server listening on %s", httpServer.Addr)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *ApiServer) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.LoggingHandler(log.Writer(), s.Router))
}

func (s *ApiServer) configureRouter() {
	s.Router = mux.NewRouter()
	subRouter := s.Router.PathPrefix(ApiPrefix).Subrouter()
	subRouter.HandleFunc("/pipettes", s.handlePipettes()).Methods("GET")
	subRouter.HandleFunc("/pipettes/{name}/state", s.handleState()).Methods("GET")
	subRouter.HandleFunc("/pipettes/{name}/mode", s.handleSetMode()).Methods("POST")
	subRouter.HandleFunc("/pipettes/{name}/holding", s.handleGetHolding()).Methods("GET")
	subRouter.HandleFunc("/pipettes/{name}/holding", s.handleSetHolding()).Methods("POST")
	subRouter.HandleFunc("/pipettes/{name}/autobias", s.handleGetAutoBias()).Methods("GET")
	subRouter.HandleFunc("/pipettes/{name}/autobias", s.handleSetAutoBias()).Methods("POST")
	subRouter.HandleFunc("/pipettes/{name}/pressure", s.handleGetPressure()).Methods("GET")
	subRouter.HandleFunc("/pipettes/{name}/pressure", s.handleSetPressure()).Methods("POST")
	subRouter.HandleFunc("/pipettes/{name}/active", s.handleSetActive()).Methods("POST")
	subRouter.HandleFunc("/pipettes/{name}/testpulse/{action:start|stop}", s.handleTestPulse()).Methods("GET")
	subRouter.HandleFunc("/pipettes/{name}/history", s.handleHistory()).Methods("GET")
	subRouter.HandleFunc("/pipettes/{name}/history", s.handleResetHistory()).Methods("DELETE")

	s.Router.Handle(MetricsPath, metrics.Handler())
	s.Router.HandleFunc(SwaggerPath, s.handleSwagger()).Methods("GET")
	s.Router.Handle("/"+DocsPath, middleware.Redoc(middleware.RedocOpts{
		BasePath: "/",
		Path:     DocsPath,
		SpecURL:  SwaggerPath,
		Title:    "go-mies API",
	}, http.NotFoundHandler()))
}

// status maps an error to the HTTP status reported to the client
func status(err error) int {
	var notFound device.ErrDeviceNotFound
	var badSource device.ErrInvalidSource
	var badMode types.ErrUnknownClampMode
	var noHolding mies.ErrNoHolding
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &badSource), errors.As(err, &badMode), errors.As(err, &noHolding):
		return http.StatusBadRequest
	case errors.Is(err, host.ErrHostUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, host.ErrHostTimeout):
		return http.StatusGatewayTimeout
	}
	if _, ok := host.IsCallFailed(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), status(err))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response: %s", err)
	}
}

func (s *ApiServer) pipette(w http.ResponseWriter, r *http.Request) *device.Pipette {
	p, err := s.mgr.Pipette(mux.Vars(r)["name"])
	if err != nil {
		fail(w, err)
		return nil
	}
	return p
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseMode(s string) (types.ClampMode, error) {
	if s == "" {
		return types.ModeNil, nil
	}
	return types.ParseClampMode(s)
}

func (s *ApiServer) handleSwagger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(s.swagger.Raw())
	}
}

func (s *ApiServer) handlePipettes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pipettes := s.mgr.Pipettes()
		infos := make([]PipetteInfo, 0, len(pipettes))
		for _, p := range pipettes {
			infos = append(infos, PipetteInfo{
				Name:      p.Name(),
				Headstage: p.Headstage(),
				Active:    p.Active(),
				State:     p.State(),
			})
		}
		writeJSON(w, infos)
	}
}

func (s *ApiServer) handleState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		clamp := p.Clamp()
		mode, err := clamp.GetMode(r.Context())
		if err != nil {
			fail(w, err)
			return
		}
		holding, err := clamp.GetHolding(r.Context(), mode)
		if err != nil {
			fail(w, err)
			return
		}
		fields, err := clamp.Fields()
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, ClampInfo{
			Mode:           string(mode),
			Holding:        holding,
			Fields:         fields,
			TestPulse:      clamp.TestPulseRunning(),
			AutoBias:       clamp.GetAutoBias(),
			AutoBiasTarget: clamp.GetAutoBiasTarget(),
		})
	}
}

func (s *ApiServer) handleSetMode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		setup := &ModeSetup{}
		if !decodeBody(w, r, setup) {
			return
		}
		mode, err := types.ParseClampMode(setup.Mode)
		if err != nil {
			fail(w, err)
			return
		}
		if err := p.Clamp().SetMode(r.Context(), mode); err != nil {
			fail(w, err)
		}
	}
}

func (s *ApiServer) handleGetHolding() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		mode, err := parseMode(r.URL.Query().Get("mode"))
		if err != nil {
			fail(w, err)
			return
		}
		if mode == types.ModeNil {
			if mode, err = p.Clamp().GetMode(r.Context()); err != nil {
				fail(w, err)
				return
			}
		}
		value, err := p.Clamp().GetHolding(r.Context(), mode)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, Holding{Mode: string(mode), Value: value})
	}
}

func (s *ApiServer) handleSetHolding() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		setup := &HoldingSetup{}
		if !decodeBody(w, r, setup) {
			return
		}
		mode, err := parseMode(setup.Mode)
		if err != nil {
			fail(w, err)
			return
		}
		if err := p.Clamp().SetHolding(r.Context(), mode, setup.Value); err != nil {
			fail(w, err)
		}
	}
}

func (s *ApiServer) handleGetAutoBias() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		writeJSON(w, AutoBias{
			Enabled: p.Clamp().GetAutoBias(),
			Target:  p.Clamp().GetAutoBiasTarget(),
		})
	}
}

func (s *ApiServer) handleSetAutoBias() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		setup := &AutoBiasSetup{}
		if !decodeBody(w, r, setup) {
			return
		}
		if setup.Target != nil || setup.Linked {
			if err := p.Clamp().SetAutoBiasTarget(r.Context(), setup.Target); err != nil {
				fail(w, err)
				return
			}
		}
		if setup.Enabled != nil {
			if err := p.Clamp().EnableAutoBias(r.Context(), *setup.Enabled); err != nil {
				fail(w, err)
			}
		}
	}
}

func (s *ApiServer) handleGetPressure() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		writeJSON(w, Pressure{
			Source:   p.Pressure().GetSource(),
			Pressure: p.Pressure().GetPressure(),
		})
	}
}

func (s *ApiServer) handleSetPressure() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		setup := &PressureSetup{}
		if !decodeBody(w, r, setup) {
			return
		}
		if err := p.Pressure().SetPressure(r.Context(), setup.Source, setup.Pressure); err != nil {
			fail(w, err)
		}
	}
}

func (s *ApiServer) handleSetActive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		setup := &ActiveSetup{}
		if !decodeBody(w, r, setup) {
			return
		}
		if err := p.SetActive(r.Context(), setup.Active); err != nil {
			fail(w, err)
		}
	}
}

func (s *ApiServer) handleTestPulse() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		enable := mux.Vars(r)["action"] == "start"
		if err := p.Clamp().EnableTestPulse(r.Context(), enable, true); err != nil {
			fail(w, err)
		}
	}
}

func (s *ApiServer) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		rows := p.Clamp().TestPulseHistory()
		out := make([]HistoryRow, 0, len(rows))
		for _, row := range rows {
			out = append(out, newHistoryRow(row))
		}
		writeJSON(w, out)
	}
}

func (s *ApiServer) handleResetHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipette(w, r)
		if p == nil {
			return
		}
		p.Clamp().ResetTestPulseHistory()
	}
}
