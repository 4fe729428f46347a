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

// Package sim simulates a MIES host: locked devices, amplifier state in host
// units, pressure control and test pulses.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

const (
	DefaultDevice = "ITC18USB_Dev_0"

	CodeUnknownProcedure = 1
	CodeUnknownDevice    = 2
	CodeBadArguments     = 3
	CodeUnknownHeadstage = 4

	subscriberBuffer = 1024
)

type headstage struct {
	mode     int
	active   bool
	fields   map[string]state.FieldUpdate
	source   string
	pressure float64
}

func defaultFields() map[string]state.FieldUpdate {
	return map[string]state.FieldUpdate{
		state.HoldingPotential:       {Unit: "mV", Value: -70.0},
		state.HoldingPotentialEnable: {Unit: "On/Off", Value: 1.0},
		state.BiasCurrent:            {Unit: "pA", Value: 0.0},
		state.BiasCurrentEnable:      {Unit: "On/Off", Value: 0.0},
		state.BridgeBalance:          {Unit: "MΩ", Value: 0.0},
		state.BridgeBalanceEnable:    {Unit: "On/Off", Value: 0.0},
		state.PipetteOffsetVC:        {Unit: "mV", Value: 0.0},
		state.PipetteOffsetIC:        {Unit: "mV", Value: 0.0},
		state.WholeCellCap:           {Unit: "pF", Value: 0.0},
		state.Correction:             {Unit: "%", Value: 0.0},
		state.RSCompChaining:         {Unit: "On/Off", Value: 0.0},
		state.CapNeut:                {Unit: "pF", Value: 0.0},
		state.CapNeutEnable:          {Unit: "On/Off", Value: 0.0},
		state.AutoBiasEnable:         {Unit: "On/Off", Value: 0.0},
		state.AutoBiasVcom:           {Unit: "mV", Value: -70.0},
		state.AutoBiasVcomVariance:   {Unit: "mV", Value: 1.0},
		state.AutoBiasIbiasmax:       {Unit: "pA", Value: 200.0},
	}
}

// Host is a simulated MIES host
type Host struct {
	mu         sync.Mutex
	devices    []string
	headstages map[int]*headstage
	selected   int
	tpEnabled  bool
	tpParams   map[string]interface{}
	manual     float64
	pulses     [][]byte
	variables  map[string]interface{}
	waves      map[string]host.Wave
	cell       Cell
	lastPulse  float64

	calls          map[string]int
	subscribers    map[int]chan host.Notification
	nextSubscriber int

	// Fault injection, change with Set
	Unavailable     bool
	FailNext        int
	StallPressure   bool
	IgnoreManual    bool
	SyntheticPulses bool
	SuppressEchoes  bool
	CallErrors      map[string]host.CallError
}

// NewHost creates a host with one locked device and the given headstages
func NewHost(device string, headstages ...int) *Host {
	h := &Host{
		headstages:      map[int]*headstage{},
		selected:        -1,
		tpParams:        map[string]interface{}{},
		variables:       map[string]interface{}{},
		waves:           map[string]host.Wave{},
		cell:            DefaultCell(),
		SyntheticPulses: true,
		CallErrors:      map[string]host.CallError{},
		calls:           map[string]int{},
		subscribers:     map[int]chan host.Notification{},
	}
	if device != "" {
		h.devices = []string{device}
	}
	for _, hs := range headstages {
		h.AddHeadstage(hs)
	}
	return h
}

func (h *Host) AddHeadstage(hs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headstages[hs] = &headstage{
		mode:   types.ModeVC.Index(),
		fields: defaultFields(),
		source: types.SourceAtmosphere,
	}
}

// Lock sets the locked devices
func (h *Host) Lock(devices ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = devices
}

// Set runs fn with the host locked, for fault injection in tests
func (h *Host) Set(fn func(h *Host)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *Host) takeFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailNext > 0 {
		h.FailNext--
		return true
	}
	return false
}

func (h *Host) available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.Unavailable
}

// Calls returns how many times procedure was called
func (h *Host) Calls(procedure string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[procedure]
}

func (h *Host) SetVariable(folder, name string, value interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.variables[folder+":"+name] = value
}

func (h *Host) SetWave(folder, name string, wave host.Wave) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waves[folder+":"+name] = wave
}

// PushPulse queues a test pulse frame returned by the next TP_GetLatestPulse
func (h *Host) PushPulse(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pulses = append(h.pulses, frame)
}

// Notify sends a notification to every subscriber
func (h *Host) Notify(n host.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifyLocked(n)
}

func (h *Host) notifyLocked(n host.Notification) {
	if h.SuppressEchoes {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			log.Warning("Simulated host dropped %s notification", n.Type)
		}
	}
}

func (h *Host) notify(device string, hs int, tp string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode %s notification: %s", tp, err)
		return
	}
	h.notifyLocked(host.Notification{Type: tp, Device: device, Headstage: hs, Payload: raw})
}

// Subscribe returns a notification channel and a function to cancel the subscription
func (h *Host) Subscribe() (<-chan host.Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubscriber
	h.nextSubscriber++
	ch := make(chan host.Notification, subscriberBuffer)
	h.subscribers[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subscribers, id)
	}
}

func failed(procedure string, code int, format string, v ...interface{}) error {
	return &host.ErrHostCallFailed{Procedure: procedure, Code: code, Message: fmt.Sprintf(format, v...)}
}

func arg[T any](procedure string, params []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(params) {
		return v, failed(procedure, CodeBadArguments, "missing argument %d", i)
	}
	if err := json.Unmarshal(params[i], &v); err != nil {
		return v, failed(procedure, CodeBadArguments, "argument %d: %s", i, err)
	}
	return v, nil
}

func (h *Host) checkDevice(procedure string, params []json.RawMessage) (string, error) {
	device, err := arg[string](procedure, params, 0)
	if err != nil {
		return "", err
	}
	for _, d := range h.devices {
		if d == device {
			return device, nil
		}
	}
	return "", failed(procedure, CodeUnknownDevice, "device %s is not locked", device)
}

func (h *Host) headstageArg(procedure string, params []json.RawMessage, i int) (int, *headstage, error) {
	hs, err := arg[int](procedure, params, i)
	if err != nil {
		return 0, nil, err
	}
	st, ok := h.headstages[hs]
	if !ok {
		return 0, nil, failed(procedure, CodeUnknownHeadstage, "unknown headstage %d", hs)
	}
	return hs, st, nil
}

// Handle executes a procedure. The returned value is encoded as the call result.
func (h *Host) Handle(ctx context.Context, procedure string, params []json.RawMessage) (interface{}, error) {
	h.mu.Lock()
	h.calls[procedure]++
	if ce, ok := h.CallErrors[procedure]; ok {
		h.mu.Unlock()
		return nil, failed(procedure, ce.Code, "%s", ce.Message)
	}
	if procedure == mies.ProcSetPressureAndSource && h.StallPressure {
		h.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer h.mu.Unlock()

	switch procedure {
	case host.ProcExecute:
		cmd, err := arg[string](procedure, params, 0)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("executed: %s", cmd), nil
	case host.ProcGetVariable:
		return h.lookup(procedure, params, func(key string) (interface{}, bool) {
			v, ok := h.variables[key]
			return v, ok
		})
	case host.ProcGetWave:
		return h.lookup(procedure, params, func(key string) (interface{}, bool) {
			v, ok := h.waves[key]
			return v, ok
		})
	case mies.ProcGetLockedDevices:
		return h.devices, nil
	}

	device, err := h.checkDevice(procedure, params)
	if err != nil {
		return nil, err
	}
	switch procedure {
	case mies.ProcSelectHeadstage:
		hs, _, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		h.selected = hs
		return nil, nil
	case mies.ProcActivateHeadstage:
		_, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		active, err := arg[bool](procedure, params, 2)
		if err != nil {
			return nil, err
		}
		st.active = active
		return nil, nil
	case mies.ProcIsHeadstageActive:
		_, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		return st.active, nil
	case mies.ProcChangeHeadstageMode:
		mode, err := arg[int](procedure, params, 1)
		if err != nil {
			return nil, err
		}
		if _, err := types.ModeFromIndex(mode); err != nil {
			return nil, failed(procedure, CodeBadArguments, "%s", err)
		}
		hs, st, err := h.headstageArg(procedure, params, 2)
		if err != nil {
			return nil, err
		}
		if st.mode != mode {
			st.mode = mode
			h.notify(device, hs, host.NotifyClampModeChanged, map[string]int{"mode": mode})
		}
		return nil, nil
	case mies.ProcGetAmpState:
		_, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		fields := make(map[string]state.FieldUpdate, len(st.fields))
		for k, v := range st.fields {
			fields[k] = v
		}
		return map[string]interface{}{"mode": st.mode, "fields": fields}, nil
	case mies.ProcWriteToAmp:
		hs, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		field, err := arg[string](procedure, params, 2)
		if err != nil {
			return nil, err
		}
		value, err := arg[float64](procedure, params, 3)
		if err != nil {
			return nil, err
		}
		h.writeField(device, hs, st, field, value)
		return nil, nil
	case mies.ProcAutoPipetteOffset:
		hs, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		field := state.PipetteOffsetVC
		if st.mode != types.ModeVC.Index() {
			field = state.PipetteOffsetIC
		}
		h.writeField(device, hs, st, field, h.cell.PipetteOffset*1e3)
		return nil, nil
	case mies.ProcAutoBridgeBalance:
		hs, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		h.writeField(device, hs, st, state.BridgeBalance, h.cell.AccessResistance/1e6)
		h.writeField(device, hs, st, state.BridgeBalanceEnable, 1)
		return nil, nil
	case mies.ProcAutoCapComp:
		hs, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		h.writeField(device, hs, st, state.WholeCellCap, h.cell.Capacitance*1e12)
		return nil, nil
	case mies.ProcStartStopTestPulse:
		enable, err := arg[bool](procedure, params, 1)
		if err != nil {
			return nil, err
		}
		if h.tpEnabled != enable {
			h.tpEnabled = enable
			h.notify(device, -1, host.NotifyTestPulseStateChanged, map[string]bool{"enabled": enable})
		}
		return nil, nil
	case mies.ProcGetLatestPulse:
		return h.latestPulse(device), nil
	case mies.ProcSetTestPulseParams:
		p, err := arg[map[string]interface{}](procedure, params, 1)
		if err != nil {
			return nil, err
		}
		for k, v := range p {
			h.tpParams[k] = v
		}
		return nil, nil
	case mies.ProcGetPressureAndSource:
		_, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		return mies.PressureReading{Source: st.source, Pressure: st.pressure}, nil
	case mies.ProcSetPressureAndSource:
		hs, st, err := h.headstageArg(procedure, params, 1)
		if err != nil {
			return nil, err
		}
		source, err := arg[*string](procedure, params, 2)
		if err != nil {
			return nil, err
		}
		psi, err := arg[*float64](procedure, params, 3)
		if err != nil {
			return nil, err
		}
		if source != nil {
			if !types.ValidPressureSource(*source) {
				return nil, failed(procedure, CodeBadArguments, "invalid source %s", *source)
			}
			st.source = *source
		}
		if psi != nil {
			st.pressure = *psi
		}
		reading := mies.PressureReading{Source: st.source, Pressure: st.pressure}
		h.notify(device, hs, host.NotifyPressureChanged, reading)
		return reading, nil
	case mies.ProcSetManualPressure:
		psi, err := arg[float64](procedure, params, 1)
		if err != nil {
			return nil, err
		}
		if !h.IgnoreManual {
			h.manual = psi
		}
		return nil, nil
	case mies.ProcGetManualPressure:
		return h.manual, nil
	}
	return nil, failed(procedure, CodeUnknownProcedure, "unknown procedure %s", procedure)
}

func (h *Host) lookup(procedure string, params []json.RawMessage, get func(key string) (interface{}, bool)) (interface{}, error) {
	folder, err := arg[string](procedure, params, 0)
	if err != nil {
		return nil, err
	}
	name, err := arg[string](procedure, params, 1)
	if err != nil {
		return nil, err
	}
	v, ok := get(folder + ":" + name)
	if !ok {
		return nil, failed(procedure, CodeBadArguments, "%s:%s not found", folder, name)
	}
	return v, nil
}

func (h *Host) writeField(device string, hs int, st *headstage, field string, value float64) {
	unit := mies.HostUnits[field]
	if old, ok := st.fields[field]; ok {
		unit = old.Unit
	} else if unit == "" {
		unit = "On/Off"
	}
	update := state.FieldUpdate{Unit: unit, Value: value}
	st.fields[field] = update
	h.notify(device, hs, host.NotifyClampStateChanged, map[string]state.FieldUpdate{field: update})
}

func (h *Host) latestPulse(device string) interface{} {
	if len(h.pulses) > 0 {
		frame := h.pulses[0]
		h.pulses = h.pulses[1:]
		return frame
	}
	if !h.tpEnabled || !h.SyntheticPulses {
		return nil
	}
	now := float64(time.Now().UnixNano()) / 1e9
	if now <= h.lastPulse {
		now = h.lastPulse + 1e-6
	}
	h.lastPulse = now
	active := make([]int, 0, len(h.headstages))
	for hs, st := range h.headstages {
		if st.active {
			active = append(active, hs)
		}
	}
	sort.Ints(active)
	var first []byte
	for _, hs := range active {
		st := h.headstages[hs]
		frame, err := h.cell.Frame(device, hs, st.mode, st.fields, now)
		if err != nil {
			log.Error("Failed to build test pulse: %s", err)
			return nil
		}
		// remaining active headstages follow on the next polls
		if first == nil {
			first = frame
		} else {
			h.pulses = append(h.pulses, frame)
		}
	}
	if first == nil {
		return nil
	}
	return first
}
