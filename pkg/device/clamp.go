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

package device

import (
	"context"
	"sync"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/device/ifc"
	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/signal"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

// Local test pulse parameters, not forwarded to the host
const (
	ParamAutoBiasTarget  = "autoBiasTarget"
	ParamAutoBiasEnabled = "autoBiasEnabled"
)

const DefaultBlockTimeout = 10 * time.Second

type ClampState map[string]interface{}

type HoldingEvent struct {
	Mode  types.ClampMode
	Value float64
}

// AutoBiasEvent carries the effective auto-bias state. Target is the target
// potential applied by the host, also when it is linked to the VC holding.
type AutoBiasEvent struct {
	Enabled bool
	Target  float64
}

// Clamp is the patch clamp of a single headstage
type Clamp struct {
	name         string
	hs           int
	bridge       ifc.Bridge
	pipeline     *testpulse.Pipeline
	history      *testpulse.History
	BlockTimeout time.Duration

	StateChanged      *signal.Signal[ClampState]
	HoldingChanged    *signal.Signal[HoldingEvent]
	TestPulseFinished *signal.Signal[*testpulse.Record]
	TestPulseEnabled  *signal.Signal[bool]
	AutoBiasChanged   *signal.Signal[AutoBiasEvent]

	mu           sync.Mutex
	params       map[string]interface{}
	linked       bool
	lastHolding  map[types.ClampMode]float64
	lastAutoBias AutoBiasEvent
	mock         map[string]float64
	last         *testpulse.Record
	limiter      *log.Limiter

	disconnect []func()
}

var _ ifc.Device = &Clamp{}

// NewClamp pulls the amplifier state of hs from the host and starts the test
// pulse pipeline of the headstage.
func NewClamp(ctx context.Context, name string, hs int, bridge ifc.Bridge, params map[string]interface{}) (*Clamp, error) {
	if hs < 0 {
		return nil, ErrInvalidHeadstage{Headstage: hs}
	}
	if _, err := bridge.AmplifierState(ctx, hs); err != nil {
		return nil, err
	}
	c := &Clamp{
		name:              name,
		hs:                hs,
		bridge:            bridge,
		history:           testpulse.NewHistory(),
		BlockTimeout:      DefaultBlockTimeout,
		StateChanged:      signal.New[ClampState]("state_changed"),
		HoldingChanged:    signal.New[HoldingEvent]("holding_changed"),
		TestPulseFinished: signal.New[*testpulse.Record]("test_pulse_finished"),
		TestPulseEnabled:  signal.New[bool]("test_pulse_enabled"),
		AutoBiasChanged:   signal.New[AutoBiasEvent]("auto_bias_changed"),
		params:            map[string]interface{}{},
		lastHolding:       map[types.ClampMode]float64{},
		limiter:           log.NewLimiter(testpulse.ErrorLogInterval),
	}
	for k, v := range params {
		c.params[k] = v
	}
	if v, ok := c.params[ParamAutoBiasTarget]; ok && v == nil {
		c.linked = true
	}
	cache := bridge.Cache()
	for _, mode := range []types.ClampMode{types.ModeVC, types.ModeIC} {
		c.lastHolding[mode] = cache.Holding(hs, mode)
	}
	enabled, target := cache.AutoBias(hs)
	c.lastAutoBias = AutoBiasEvent{Enabled: enabled, Target: target}

	c.pipeline = testpulse.NewPipeline(hs, bridge.CachedWindow, c.testPulseAnalyzed)
	c.connect()
	return c, nil
}

func (c *Clamp) connect() {
	sigs := c.bridge.Signals()
	id := sigs.ClampStateChanged.Connect(c.onStateChanged)
	c.disconnect = append(c.disconnect, func() { sigs.ClampStateChanged.Disconnect(id) })
	modeID := sigs.ClampModeChanged.Connect(c.onModeChanged)
	c.disconnect = append(c.disconnect, func() { sigs.ClampModeChanged.Disconnect(modeID) })
	tpID := sigs.TestPulseStateChanged.Connect(func(enabled bool) {
		c.TestPulseEnabled.Emit(enabled)
	})
	c.disconnect = append(c.disconnect, func() { sigs.TestPulseStateChanged.Disconnect(tpID) })
	readyID := sigs.TestPulseReady.Connect(c.pipeline.Push)
	c.disconnect = append(c.disconnect, func() { sigs.TestPulseReady.Disconnect(readyID) })
}

func (c *Clamp) Name() string {
	return c.name
}

func (c *Clamp) Headstage() int {
	return c.hs
}

// Close stops the test pulse pipeline and detaches from the bridge
func (c *Clamp) Close() error {
	for _, d := range c.disconnect {
		d()
	}
	c.disconnect = nil
	c.pipeline.Stop()
	return nil
}

func (c *Clamp) onStateChanged(sc mies.StateChange) {
	if sc.Headstage != c.hs || sc.Changes.Empty() {
		return
	}
	st := ClampState{}
	for _, name := range sc.Changes.Fields {
		value, err := state.Coerce(name, sc.Fields[name])
		if err != nil {
			continue
		}
		st[name] = value
	}
	c.StateChanged.Emit(st)
	if sc.Changes.HoldingVC {
		c.emitHolding(types.ModeVC)
	}
	if sc.Changes.HoldingIC {
		c.emitHolding(types.ModeIC)
	}
	if sc.Changes.AutoBias {
		c.emitAutoBias()
	}
}

func (c *Clamp) onModeChanged(mc mies.ModeChange) {
	if mc.Headstage != c.hs {
		return
	}
	c.StateChanged.Emit(ClampState{
		state.ModeKey: mc.Mode,
		"holding":     c.bridge.Cache().Holding(c.hs, mc.Mode),
	})
}

func (c *Clamp) emitHolding(mode types.ClampMode) {
	value := c.bridge.Cache().Holding(c.hs, mode)
	c.mu.Lock()
	if prev, ok := c.lastHolding[mode]; ok && prev == value {
		c.mu.Unlock()
		return
	}
	c.lastHolding[mode] = value
	c.mu.Unlock()
	c.HoldingChanged.Emit(HoldingEvent{Mode: mode, Value: value})
}

func (c *Clamp) emitAutoBias() {
	enabled, target := c.bridge.Cache().AutoBias(c.hs)
	ev := AutoBiasEvent{Enabled: enabled, Target: target}
	c.mu.Lock()
	if ev == c.lastAutoBias {
		c.mu.Unlock()
		return
	}
	c.lastAutoBias = ev
	c.mu.Unlock()
	c.AutoBiasChanged.Emit(ev)
}

func (c *Clamp) testPulseAnalyzed(record *testpulse.Record) {
	c.mu.Lock()
	if c.mock != nil {
		record.Analysis = record.Analysis.Copy(c.mock)
	}
	if err := c.history.Append(testpulse.NewRow(record.StartTime(), record.Analysis)); err != nil {
		c.mu.Unlock()
		c.limiter.Warning("Dropping test pulse of %s: %s", c.name, err)
		return
	}
	c.last = record
	c.mu.Unlock()
	c.TestPulseFinished.Emit(record)
}

// GetState returns the confirmed clamp mode
func (c *Clamp) GetState(ctx context.Context) (ClampState, error) {
	mode, err := c.GetMode(ctx)
	if err != nil {
		return nil, err
	}
	return ClampState{state.ModeKey: mode}, nil
}

// GetLastState returns the cached holding of mode
func (c *Clamp) GetLastState(mode types.ClampMode) ClampState {
	return ClampState{"holding": c.bridge.Cache().Holding(c.hs, mode)}
}

func (c *Clamp) GetMode(ctx context.Context) (types.ClampMode, error) {
	return c.bridge.GetClampMode(ctx, c.hs)
}

func (c *Clamp) SetMode(ctx context.Context, mode types.ClampMode) error {
	return c.bridge.SetClampMode(ctx, c.hs, mode)
}

// GetHolding returns the holding of mode in SI units, of the current mode for ModeNil
func (c *Clamp) GetHolding(ctx context.Context, mode types.ClampMode) (float64, error) {
	return c.bridge.GetHolding(ctx, c.hs, mode)
}

// SetHolding writes the holding of mode, of the current mode for ModeNil.
// A VC holding also becomes the auto-bias target when the target is linked.
func (c *Clamp) SetHolding(ctx context.Context, mode types.ClampMode, value float64) error {
	if mode == types.ModeNil {
		var err error
		if mode, err = c.GetMode(ctx); err != nil {
			return err
		}
	}
	if err := c.bridge.SetHoldingForMode(ctx, c.hs, mode, value); err != nil {
		return err
	}
	c.mu.Lock()
	linked := c.linked
	c.mu.Unlock()
	if mode == types.ModeVC && linked {
		return c.bridge.SetAutoBiasTarget(ctx, c.hs, value)
	}
	return nil
}

// EnableTestPulse toggles the host test pulse. With block it waits for the
// host acknowledgment.
func (c *Clamp) EnableTestPulse(ctx context.Context, enable, block bool) error {
	f := c.bridge.EnableTestPulse(ctx, enable)
	if block {
		_, err := f.ResultTimeout(c.BlockTimeout)
		return err
	}
	go func() {
		if _, err := f.Result(); err != nil {
			log.Warning("Failed to switch test pulse of %s: %s", c.name, err)
		}
	}()
	return nil
}

// SetTestPulseParameters stores params and forwards the host parameters
func (c *Clamp) SetTestPulseParameters(ctx context.Context, params map[string]interface{}) error {
	hostParams := map[string]interface{}{}
	for k, v := range params {
		if k == ParamAutoBiasTarget || k == ParamAutoBiasEnabled {
			continue
		}
		hostParams[k] = v
	}
	if len(hostParams) > 0 {
		if err := c.bridge.SetTestPulseParameters(ctx, hostParams); err != nil {
			return err
		}
	}
	c.mu.Lock()
	for k, v := range params {
		c.params[k] = v
	}
	c.mu.Unlock()
	return nil
}

func (c *Clamp) GetParameter(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.params[name]
	return v, ok
}

func (c *Clamp) GetAutoBias() bool {
	return c.bridge.GetAutoBias(c.hs)
}

func (c *Clamp) EnableAutoBias(ctx context.Context, enable bool) error {
	if err := c.bridge.SetAutoBias(ctx, c.hs, enable); err != nil {
		return err
	}
	c.mu.Lock()
	c.params[ParamAutoBiasEnabled] = enable
	c.mu.Unlock()
	return nil
}

// SetAutoBiasTarget sets an explicit target, or links the target to the VC
// holding when target is nil. Linking leaves the host target untouched until
// the next VC holding write.
func (c *Clamp) SetAutoBiasTarget(ctx context.Context, target *float64) error {
	if target == nil {
		c.mu.Lock()
		c.linked = true
		c.params[ParamAutoBiasTarget] = nil
		c.mu.Unlock()
		return nil
	}
	if err := c.bridge.SetAutoBiasTarget(ctx, c.hs, *target); err != nil {
		return err
	}
	c.mu.Lock()
	c.linked = false
	c.params[ParamAutoBiasTarget] = *target
	c.mu.Unlock()
	return nil
}

// GetAutoBiasTarget returns nil when the target is linked to the VC holding
func (c *Clamp) GetAutoBiasTarget() *float64 {
	c.mu.Lock()
	linked := c.linked
	c.mu.Unlock()
	if linked {
		return nil
	}
	target := c.bridge.GetAutoBiasTarget(c.hs)
	return &target
}

func (c *Clamp) AutoPipetteOffset(ctx context.Context) error {
	return c.bridge.AutoPipetteOffset(ctx, c.hs)
}

func (c *Clamp) AutoBridgeBalance(ctx context.Context) error {
	return c.bridge.AutoBridgeBalance(ctx, c.hs)
}

func (c *Clamp) AutoCapComp(ctx context.Context) error {
	return c.bridge.AutoCapComp(ctx, c.hs)
}

// TestPulseHistory returns a copy of the analysis history
func (c *Clamp) TestPulseHistory() []testpulse.Row {
	return c.history.Snapshot()
}

func (c *Clamp) ResetTestPulseHistory() {
	c.history.Reset()
}

// History exposes the analysis buffer for inspection
func (c *Clamp) History() *testpulse.History {
	return c.history
}

func (c *Clamp) LastTestPulse() *testpulse.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// MockTestPulseAnalysis merges overrides into every following analysis
func (c *Clamp) MockTestPulseAnalysis(overrides map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mock = make(map[string]float64, len(overrides))
	for k, v := range overrides {
		c.mock[k] = v
	}
}

func (c *Clamp) DisableMockTestPulseAnalysis() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mock = nil
}

// Fields returns the cached amplifier fields in SI units
func (c *Clamp) Fields() (map[string]interface{}, error) {
	return c.bridge.Cache().Snapshot(c.hs)
}

func (c *Clamp) TestPulseRunning() bool {
	return c.bridge.TestPulseEnabled()
}
