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

package mies

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/types"
	"jinr.ru/greenlab/go-mies/pkg/units"
)

type Options struct {
	CallTimeout    time.Duration
	PollInterval   time.Duration
	NoDataInterval time.Duration
	// StateDBPath of the state cache database, empty for a temporary file
	StateDBPath string
}

func (o *Options) setDefaults() {
	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.NoDataInterval == 0 {
		o.NoDataInterval = DefaultNoDataInterval
	}
}

// Bridge translates headstage level operations into host calls, mirrors
// the amplifier state and fans out host notifications as signals.
type Bridge struct {
	opts  Options
	host  *host.Bridge
	cache *state.Cache
	sigs  *Signals

	windowMu sync.Mutex
	window   string

	exiting   atomic.Bool
	tpEnabled atomic.Bool

	pulses   chan testpulse.Payload
	quit     chan struct{}
	loopDone chan struct{}

	pollMu   sync.Mutex
	pollStop chan struct{}
	pollDone chan struct{}

	closeOnce sync.Once
}

// NewBridge creates a bridge over transport and starts the notification loop
func NewBridge(transport host.Transport, opts Options) (*Bridge, error) {
	opts.setDefaults()
	cache, err := state.Open(opts.StateDBPath)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		opts:     opts,
		host:     host.NewBridge(transport, opts.CallTimeout),
		cache:    cache,
		sigs:     newSignals(),
		pulses:   make(chan testpulse.Payload),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

func (b *Bridge) Signals() *Signals {
	return b.sigs
}

// Cache returns the state cache. Callers must treat it as read only.
func (b *Bridge) Cache() *state.Cache {
	return b.cache
}

func (b *Bridge) Host() *host.Bridge {
	return b.host
}

func (b *Bridge) Exiting() bool {
	return b.exiting.Load()
}

// Close enters the exiting state: polling stops, host calls are rejected
// and pending signals are dropped.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.exiting.Store(true)
		b.stopPolling()
		close(b.quit)
		b.host.Quit()
		<-b.loopDone
		err = b.cache.Close()
	})
	return err
}

func decode[T any](procedure string, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, ErrUnexpectedResult{Procedure: procedure, Err: err}
	}
	return v, nil
}

func (b *Bridge) call(ctx context.Context, procedure string, args ...interface{}) (json.RawMessage, error) {
	if b.exiting.Load() {
		return nil, host.ErrHostExiting
	}
	return b.host.Call(ctx, procedure, args...)
}

// GetLockedDevices returns the names of the devices locked on the host.
// The first one becomes the active window.
func (b *Bridge) GetLockedDevices(ctx context.Context) ([]string, error) {
	raw, err := b.call(ctx, ProcGetLockedDevices)
	if err != nil {
		return nil, err
	}
	var devices []string
	if len(raw) > 0 && string(raw) != "null" {
		if devices, err = decode[[]string](ProcGetLockedDevices, raw); err != nil {
			return nil, err
		}
	}
	b.windowMu.Lock()
	if b.window == "" && len(devices) > 0 {
		b.window = devices[0]
		log.Info("Active window: %s", b.window)
	}
	b.windowMu.Unlock()
	return devices, nil
}

// ActiveWindow returns the cached active window, querying the host once if
// it is not known yet. Without locked devices it fails with ErrHostUnavailable.
func (b *Bridge) ActiveWindow(ctx context.Context) (string, error) {
	if w := b.CachedWindow(); w != "" {
		return w, nil
	}
	if _, err := b.GetLockedDevices(ctx); err != nil {
		return "", err
	}
	if w := b.CachedWindow(); w != "" {
		return w, nil
	}
	return "", host.ErrHostUnavailable
}

// CachedWindow returns the active window without querying the host
func (b *Bridge) CachedWindow() string {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()
	return b.window
}

func (b *Bridge) windowCall(ctx context.Context, procedure string, args ...interface{}) (json.RawMessage, error) {
	window, err := b.ActiveWindow(ctx)
	if err != nil {
		return nil, err
	}
	return b.call(ctx, procedure, append([]interface{}{window}, args...)...)
}

func (b *Bridge) SelectHeadstage(ctx context.Context, hs int) error {
	_, err := b.windowCall(ctx, ProcSelectHeadstage, hs)
	return err
}

func (b *Bridge) ActivateHeadstage(ctx context.Context, hs int, active bool) error {
	_, err := b.windowCall(ctx, ProcActivateHeadstage, hs, active)
	return err
}

func (b *Bridge) IsHeadstageActive(ctx context.Context, hs int) (bool, error) {
	raw, err := b.windowCall(ctx, ProcIsHeadstageActive, hs)
	if err != nil {
		return false, err
	}
	return decode[bool](ProcIsHeadstageActive, raw)
}

type ampState struct {
	Mode   int                          `json:"mode"`
	Fields map[string]state.FieldUpdate `json:"fields"`
}

// AmplifierState pulls the full amplifier state of a headstage from the host
// into the state cache and returns the cached fields in SI units.
func (b *Bridge) AmplifierState(ctx context.Context, hs int) (map[string]interface{}, error) {
	raw, err := b.windowCall(ctx, ProcGetAmpState, hs)
	if err != nil {
		return nil, err
	}
	st, err := decode[ampState](ProcGetAmpState, raw)
	if err != nil {
		return nil, err
	}
	mode, err := types.ModeFromIndex(st.Mode)
	if err != nil {
		return nil, err
	}
	if err := b.cache.AddHeadstage(hs); err != nil {
		return nil, err
	}
	if _, err := b.cache.Apply(hs, st.Fields); err != nil {
		return nil, err
	}
	if _, err := b.cache.SetMode(hs, mode); err != nil {
		return nil, err
	}
	return b.cache.Snapshot(hs)
}

// GetClampMode returns the last mode confirmed by the host
func (b *Bridge) GetClampMode(ctx context.Context, hs int) (types.ClampMode, error) {
	if mode := b.cache.Mode(hs); mode != types.ModeNil {
		return mode, nil
	}
	if _, err := b.AmplifierState(ctx, hs); err != nil {
		return types.ModeNil, err
	}
	return b.cache.Mode(hs), nil
}

// SetClampMode requests a mode change. The new mode is observable after the
// host confirms it with a notification.
func (b *Bridge) SetClampMode(ctx context.Context, hs int, mode types.ClampMode) error {
	if mode.Index() < 0 {
		return types.ErrUnknownClampMode{What: string(mode)}
	}
	_, err := b.windowCall(ctx, ProcChangeHeadstageMode, mode.Index(), hs)
	return err
}

// GetHolding returns the holding value of the current mode, or of override
// when it is not ModeNil. The value is 0 when holding is disabled.
func (b *Bridge) GetHolding(ctx context.Context, hs int, override types.ClampMode) (float64, error) {
	mode := override
	if mode == types.ModeNil {
		var err error
		if mode, err = b.GetClampMode(ctx, hs); err != nil {
			return 0, err
		}
	}
	return b.cache.Holding(hs, mode), nil
}

// SetHolding writes the holding value in the units of the current mode
func (b *Bridge) SetHolding(ctx context.Context, hs int, value float64) error {
	mode, err := b.GetClampMode(ctx, hs)
	if err != nil {
		return err
	}
	return b.SetHoldingForMode(ctx, hs, mode, value)
}

// SetHoldingForMode writes and enables the holding value of mode
func (b *Bridge) SetHoldingForMode(ctx context.Context, hs int, mode types.ClampMode, value float64) error {
	var field string
	switch mode {
	case types.ModeVC:
		field = state.HoldingPotential
	case types.ModeIC:
		field = state.BiasCurrent
	default:
		return ErrNoHolding{Mode: mode}
	}
	if err := b.writeAmp(ctx, hs, field, value); err != nil {
		return err
	}
	return b.writeAmpBool(ctx, hs, field+"Enable", true)
}

func (b *Bridge) writeAmp(ctx context.Context, hs int, field string, si float64) error {
	value, err := units.FromSI(si, HostUnits[field])
	if err != nil {
		return err
	}
	_, err = b.windowCall(ctx, ProcWriteToAmp, hs, field, value)
	return err
}

func (b *Bridge) writeAmpBool(ctx context.Context, hs int, field string, on bool) error {
	value := 0
	if on {
		value = 1
	}
	_, err := b.windowCall(ctx, ProcWriteToAmp, hs, field, value)
	return err
}

// WriteAmp writes an amplifier field given in SI units
func (b *Bridge) WriteAmp(ctx context.Context, hs int, field string, si float64) error {
	return b.writeAmp(ctx, hs, field, si)
}

func (b *Bridge) GetAutoBias(hs int) bool {
	enabled, _ := b.cache.AutoBias(hs)
	return enabled
}

func (b *Bridge) SetAutoBias(ctx context.Context, hs int, enable bool) error {
	return b.writeAmpBool(ctx, hs, state.AutoBiasEnable, enable)
}

// GetAutoBiasTarget returns the host auto-bias target potential in V
func (b *Bridge) GetAutoBiasTarget(hs int) float64 {
	_, target := b.cache.AutoBias(hs)
	return target
}

func (b *Bridge) SetAutoBiasTarget(ctx context.Context, hs int, target float64) error {
	return b.writeAmp(ctx, hs, state.AutoBiasVcom, target)
}

// EnableTestPulse toggles the host global test pulse
func (b *Bridge) EnableTestPulse(ctx context.Context, enable bool) *host.Future[json.RawMessage] {
	if b.exiting.Load() {
		return host.Failed[json.RawMessage](host.ErrHostExiting)
	}
	window, err := b.ActiveWindow(ctx)
	if err != nil {
		return host.Failed[json.RawMessage](err)
	}
	return b.host.Submit(ctx, ProcStartStopTestPulse, window, enable)
}

// TestPulseEnabled reports the last test pulse state confirmed by the host
func (b *Bridge) TestPulseEnabled() bool {
	return b.tpEnabled.Load()
}

// SetTestPulseParameters forwards test pulse parameters to the host
func (b *Bridge) SetTestPulseParameters(ctx context.Context, params map[string]interface{}) error {
	_, err := b.windowCall(ctx, ProcSetTestPulseParams, params)
	return err
}

func (b *Bridge) AutoPipetteOffset(ctx context.Context, hs int) error {
	_, err := b.windowCall(ctx, ProcAutoPipetteOffset, hs)
	return err
}

func (b *Bridge) AutoBridgeBalance(ctx context.Context, hs int) error {
	_, err := b.windowCall(ctx, ProcAutoBridgeBalance, hs)
	return err
}

func (b *Bridge) AutoCapComp(ctx context.Context, hs int) error {
	_, err := b.windowCall(ctx, ProcAutoCapComp, hs)
	return err
}

// PressureReading is a pressure state in host units
type PressureReading struct {
	Source   string  `json:"source"`
	Pressure float64 `json:"pressure"`
}

// GetPressureAndSource returns the pressure source and pressure in psi
func (b *Bridge) GetPressureAndSource(ctx context.Context, hs int) (PressureReading, error) {
	raw, err := b.windowCall(ctx, ProcGetPressureAndSource, hs)
	if err != nil {
		return PressureReading{}, err
	}
	return decode[PressureReading](ProcGetPressureAndSource, raw)
}

// SetPressureAndSource submits a pressure change. Nil arguments leave the
// corresponding value unchanged. The future resolves to the effective state.
func (b *Bridge) SetPressureAndSource(ctx context.Context, hs int, source *string, psi *float64) *host.Future[PressureReading] {
	if b.exiting.Load() {
		return host.Failed[PressureReading](host.ErrHostExiting)
	}
	window, err := b.ActiveWindow(ctx)
	if err != nil {
		return host.Failed[PressureReading](err)
	}
	f := b.host.Submit(ctx, ProcSetPressureAndSource, window, hs, source, psi)
	return host.Then(f, func(raw json.RawMessage) (PressureReading, error) {
		return decode[PressureReading](ProcSetPressureAndSource, raw)
	})
}

// SetManualPressure writes the manual pressure and waits until the host
// reports it back.
func (b *Bridge) SetManualPressure(ctx context.Context, psi float64) error {
	if _, err := b.windowCall(ctx, ProcSetManualPressure, psi); err != nil {
		return err
	}
	deadline := time.Now().Add(ManualPressureTimeout)
	for {
		current, err := b.GetManualPressure(ctx)
		if err != nil {
			return err
		}
		if math.Abs(current-psi) <= pressureTolerance {
			return nil
		}
		if time.Now().After(deadline) {
			return host.ErrHostTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(manualPressurePoll):
		}
	}
}

func (b *Bridge) GetManualPressure(ctx context.Context) (float64, error) {
	raw, err := b.windowCall(ctx, ProcGetManualPressure)
	if err != nil {
		return 0, err
	}
	return decode[float64](ProcGetManualPressure, raw)
}
