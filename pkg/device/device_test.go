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
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/journal"
	"jinr.ru/greenlab/go-mies/pkg/layers"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/signal"
	"jinr.ru/greenlab/go-mies/pkg/sim"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/types"
	"jinr.ru/greenlab/go-mies/pkg/units"
)

const wait = 2 * time.Second

func newBridge(t *testing.T, headstages ...int) (*mies.Bridge, *sim.Host) {
	h := sim.NewHost(sim.DefaultDevice, headstages...)
	b, err := mies.NewBridge(sim.NewTransport(h), mies.Options{
		CallTimeout:    wait,
		PollInterval:   10 * time.Millisecond,
		NoDataInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, h
}

func pipetteConfig(name string, hs int) config.Pipette {
	return config.Pipette{Name: name, Headstage: &hs}
}

type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func record[T any](s *signal.Signal[T]) *recorder[T] {
	r := &recorder[T]{}
	s.Connect(func(v T) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.values = append(r.values, v)
	})
	return r
}

func (r *recorder[T]) get() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T{}, r.values...)
}

func (r *recorder[T]) len() int {
	return len(r.get())
}

func TestPressureRoundTrip(t *testing.T) {
	b, _ := newBridge(t, 0)
	p, err := NewPressure(context.Background(), "P1_pressure", 0, b)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, types.SourceAtmosphere, p.GetSource())
	events := record(p.PressureChanged)

	source, pa := types.SourceRegulator, units.PSIToPa(1.0)
	require.NoError(t, p.SetPressure(context.Background(), &source, &pa))
	require.Eventually(t, func() bool { return events.len() > 0 }, wait, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got := events.get()
	require.Len(t, got, 1, "the echo of the host must not emit twice")
	assert.Equal(t, types.SourceRegulator, got[0].Source)
	assert.InDelta(t, 6894.76, got[0].Pressure, 1e-2)
	assert.Equal(t, types.SourceRegulator, p.GetSource())
	assert.InDelta(t, pa, p.GetPressure(), 1e-9)

	bogus := "vacuum"
	assert.Equal(t, ErrInvalidSource{Source: bogus}, p.SetPressure(context.Background(), &bogus, nil))
}

func TestPressureTimeout(t *testing.T) {
	b, h := newBridge(t, 0)
	p, err := NewPressure(context.Background(), "P1_pressure", 0, b)
	require.NoError(t, err)
	defer p.Close()
	p.Timeout = 100 * time.Millisecond
	events := record(p.PressureChanged)

	h.Set(func(h *sim.Host) { h.StallPressure = true })
	source, pa := types.SourceRegulator, units.PSIToPa(1.0)
	err = p.SetPressure(context.Background(), &source, &pa)
	assert.ErrorIs(t, err, host.ErrHostTimeout)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, events.len())
	assert.Equal(t, types.SourceAtmosphere, p.GetSource())

	// the stalled call is cancelled and the host stays usable
	h.Set(func(h *sim.Host) { h.StallPressure = false })
	require.NoError(t, p.SetPressure(context.Background(), &source, nil))
	assert.Equal(t, types.SourceRegulator, p.GetSource())
}

func TestAutoBiasLinkedToHolding(t *testing.T) {
	b, _ := newBridge(t, 0)
	ctx := context.Background()

	// holding and auto bias target start out different
	_, err := b.AmplifierState(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, b.SetHoldingForMode(ctx, 0, types.ModeVC, -0.050))
	require.Eventually(t, func() bool {
		v, _ := b.Cache().Float(0, state.HoldingPotential)
		return v > -0.0500001 && v < -0.0499999
	}, wait, 5*time.Millisecond)
	vcom, _ := b.Cache().Float(0, state.AutoBiasVcom)
	require.InDelta(t, -0.070, vcom, 1e-9)

	c, err := NewClamp(ctx, "P1_clamp", 0, b, nil)
	require.NoError(t, err)
	defer c.Close()
	events := record(c.AutoBiasChanged)

	require.NoError(t, c.SetAutoBiasTarget(ctx, nil))
	assert.Nil(t, c.GetAutoBiasTarget())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, events.len())
	require.NoError(t, c.SetHolding(ctx, types.ModeVC, -0.080))
	require.Eventually(t, func() bool { return events.len() > 0 }, wait, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got := events.get()
	require.Len(t, got, 1)
	assert.InDelta(t, -0.080, got[0].Target, 1e-12)
	assert.False(t, got[0].Enabled)
	assert.Nil(t, c.GetAutoBiasTarget())

	for _, v := range []float64{-0.06, -0.05, -0.075} {
		require.NoError(t, c.SetHolding(ctx, types.ModeVC, v))
		assert.Eventually(t, func() bool {
			target, _ := b.Cache().Float(0, state.AutoBiasVcom)
			return target > v-1e-9 && target < v+1e-9
		}, wait, 5*time.Millisecond)
	}

	// an explicit target unlinks the holding
	target := -0.07
	require.NoError(t, c.SetAutoBiasTarget(ctx, &target))
	require.NoError(t, c.SetHolding(ctx, types.ModeVC, -0.04))
	require.NotNil(t, c.GetAutoBiasTarget())
	assert.Eventually(t, func() bool {
		return *c.GetAutoBiasTarget() > -0.0700001 && *c.GetAutoBiasTarget() < -0.0699999
	}, wait, 5*time.Millisecond)
}

func TestHoldingChanged(t *testing.T) {
	b, _ := newBridge(t, 0)
	ctx := context.Background()
	c, err := NewClamp(ctx, "P1_clamp", 0, b, nil)
	require.NoError(t, err)
	defer c.Close()
	events := record(c.HoldingChanged)

	require.NoError(t, c.SetHolding(ctx, types.ModeNil, -0.05))
	require.NoError(t, c.SetHolding(ctx, types.ModeVC, -0.05))
	require.Eventually(t, func() bool { return events.len() > 0 }, wait, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	got := events.get()
	require.Len(t, got, 1)
	assert.Equal(t, types.ModeVC, got[0].Mode)
	assert.InDelta(t, -0.05, got[0].Value, 1e-12)

	v, err := c.GetHolding(ctx, types.ModeVC)
	require.NoError(t, err)
	assert.InDelta(t, -0.05, v, 1e-12)

	var noHolding mies.ErrNoHolding
	assert.ErrorAs(t, c.SetHolding(ctx, types.ModeI0, 0), &noHolding)
}

func TestModeChange(t *testing.T) {
	b, _ := newBridge(t, 0)
	ctx := context.Background()
	c, err := NewClamp(ctx, "P1_clamp", 0, b, nil)
	require.NoError(t, err)
	defer c.Close()
	states := record(c.StateChanged)

	require.NoError(t, c.SetMode(ctx, types.ModeIC))
	require.Eventually(t, func() bool { return states.len() > 0 }, wait, 5*time.Millisecond)
	st := states.get()[0]
	assert.Equal(t, types.ModeIC, st[state.ModeKey])
	assert.Equal(t, 0.0, st["holding"])

	mode, err := c.GetMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ModeIC, mode)
	got, err := c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, ClampState{state.ModeKey: types.ModeIC}, got)
}

func pulse(t *testing.T, device string, hs int, timestamp float64) testpulse.Payload {
	fields := map[string]state.FieldUpdate{
		state.HoldingPotential:       {Unit: "mV", Value: -70.0},
		state.HoldingPotentialEnable: {Unit: "On/Off", Value: 1.0},
	}
	frame, err := sim.DefaultCell().Frame(device, hs, types.ModeVC.Index(), fields, timestamp)
	require.NoError(t, err)
	tp, err := layers.DecodeTestPulseFrame(frame)
	require.NoError(t, err)
	return testpulse.Payload{Metadata: json.RawMessage(tp.Metadata), Data: tp.Data}
}

func TestTestPulseFiltering(t *testing.T) {
	b, _ := newBridge(t, 0, 1)
	c, err := NewClamp(context.Background(), "P1_clamp", 0, b, nil)
	require.NoError(t, err)
	defer c.Close()
	finished := record(c.TestPulseFinished)

	c.pipeline.Push(pulse(t, "Other_Dev", 0, 1.0))
	c.pipeline.Push(pulse(t, sim.DefaultDevice, 1, 2.0))
	c.pipeline.Push(pulse(t, sim.DefaultDevice, 0, 3.0))
	require.Eventually(t, func() bool { return finished.len() > 0 }, wait, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got := finished.get()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Headstage)
	assert.Equal(t, sim.DefaultDevice, got[0].Device)
	assert.Equal(t, 1, c.History().Len())
	assert.Same(t, got[0], c.LastTestPulse())
	assert.Contains(t, got[0].Analysis, testpulse.SteadyStateResistance)
}

func TestTestPulseHistoryAndMock(t *testing.T) {
	b, _ := newBridge(t, 0)
	c, err := NewClamp(context.Background(), "P1_clamp", 0, b, nil)
	require.NoError(t, err)
	defer c.Close()

	c.MockTestPulseAnalysis(map[string]float64{testpulse.Capacitance: 42e-12})
	for i := 0; i < 5; i++ {
		c.pipeline.Push(pulse(t, sim.DefaultDevice, 0, float64(10+i)))
	}
	require.Eventually(t, func() bool { return c.History().Len() == 5 }, wait, 5*time.Millisecond)
	rows := c.TestPulseHistory()
	for i, row := range rows {
		assert.Equal(t, float64(10+i), row.EventTime)
		assert.Equal(t, 42e-12, row.Get(testpulse.Capacitance))
	}

	// an older pulse does not enter the history
	c.DisableMockTestPulseAnalysis()
	c.pipeline.Push(pulse(t, sim.DefaultDevice, 0, 1.0))
	c.pipeline.Push(pulse(t, sim.DefaultDevice, 0, 20.0))
	require.Eventually(t, func() bool { return c.History().Len() == 6 }, wait, 5*time.Millisecond)
	last, _ := c.History().Last()
	assert.Equal(t, 20.0, last.EventTime)
	assert.NotEqual(t, 42e-12, last.Get(testpulse.Capacitance))

	c.ResetTestPulseHistory()
	assert.Zero(t, c.History().Len())
	assert.Equal(t, testpulse.InitialHistoryCapacity, c.History().Cap())
}

func TestTestPulseParameters(t *testing.T) {
	b, h := newBridge(t, 0)
	ctx := context.Background()
	c, err := NewClamp(ctx, "P1_clamp", 0, b, map[string]interface{}{ParamAutoBiasTarget: nil})
	require.NoError(t, err)
	defer c.Close()
	assert.Nil(t, c.GetAutoBiasTarget(), "a nil target in the config links to the holding")

	require.NoError(t, c.SetTestPulseParameters(ctx, map[string]interface{}{ParamAutoBiasEnabled: true}))
	assert.Zero(t, h.Calls(mies.ProcSetTestPulseParams))
	require.NoError(t, c.SetTestPulseParameters(ctx, map[string]interface{}{"amplitudeVC": 10.0}))
	assert.Equal(t, 1, h.Calls(mies.ProcSetTestPulseParams))
	v, ok := c.GetParameter("amplitudeVC")
	require.True(t, ok)
	assert.Equal(t, 10.0, v)

	require.NoError(t, c.EnableAutoBias(ctx, true))
	assert.Eventually(t, c.GetAutoBias, wait, 5*time.Millisecond)
}

func TestPipetteJournal(t *testing.T) {
	b, _ := newBridge(t, 0)
	ctx := context.Background()
	buf := &bytes.Buffer{}
	w := journal.NewWriter(buf)
	p, err := NewPipette(ctx, pipetteConfig("P1", 0), b, w)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "P1_clamp", p.Clamp().Name())
	assert.Equal(t, "P1_pressure", p.Pressure().Name())

	clock := time.Unix(100, 0)
	p.now = func() time.Time { return clock }
	events := record(p.NewEvent)

	require.NoError(t, p.SetActive(ctx, true))
	require.NoError(t, p.SetActive(ctx, true))
	assert.True(t, p.Active())
	p.SetState("bath")
	clock = time.Unix(99, 0)
	p.RecordMove(true, [3]float64{0, 0, 0})
	clock = time.Unix(101, 0)
	p.RecordMove(false, [3]float64{1, 2, 3})
	p.SetTarget([3]float64{4, 5, 6})
	assert.Equal(t, "bath", p.State())

	got := events.get()
	require.Len(t, got, 5)
	assert.Equal(t, journal.EventActiveChanged, got[0].Event)
	assert.Equal(t, 100.0, got[2].EventTime, "event times never decrease")
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].EventTime, got[i-1].EventTime)
	}

	l, err := journal.Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	d, ok := l.Device("P1")
	require.True(t, ok)
	assert.Equal(t, []journal.StateChangeRow{{EventTime: 100, State: "bath", OldState: ""}}, d.StateChanges)
	assert.Len(t, d.Positions, 2)
	assert.Len(t, d.Targets, 1)
}

func TestPipettePressureEvents(t *testing.T) {
	b, _ := newBridge(t, 0)
	ctx := context.Background()
	p, err := NewPipette(ctx, pipetteConfig("P1", 0), b, nil)
	require.NoError(t, err)
	defer p.Close()
	events := record(p.NewEvent)

	source := types.SourceUser
	require.NoError(t, p.Pressure().SetPressure(ctx, &source, nil))
	require.Eventually(t, func() bool { return events.len() > 0 }, wait, 5*time.Millisecond)
	e := events.get()[0]
	assert.Equal(t, journal.EventPressureChanged, e.Event)
	assert.Equal(t, types.SourceUser, e.Fields["source"])
}

func TestManager(t *testing.T) {
	b, _ := newBridge(t, 0, 1)
	ctx := context.Background()
	w := journal.NewWriter(&bytes.Buffer{})
	cfg := config.NewDefaultConfig()
	cfg.Pipettes = []*config.Pipette{}
	for _, pc := range []config.Pipette{pipetteConfig("P2", 1), pipetteConfig("P1", 0)} {
		pc := pc
		cfg.Pipettes = append(cfg.Pipettes, &pc)
	}
	m, err := NewManager(ctx, cfg, b, w)
	require.NoError(t, err)

	pipettes := m.Pipettes()
	require.Len(t, pipettes, 2)
	assert.Equal(t, "P1", pipettes[0].Name())
	assert.Equal(t, "P2", pipettes[1].Name())

	_, err = m.AddPipette(ctx, pipetteConfig("P3", 1))
	assert.Equal(t, ErrHeadstageInUse{Headstage: 1, Device: "P2"}, err)
	_, err = m.AddPipette(ctx, pipetteConfig("P4", 7))
	assert.Error(t, err)
	_, err = m.Pipette("P9")
	assert.Equal(t, ErrDeviceNotFound{Name: "P9"}, err)

	require.NoError(t, m.RemovePipette("P2"))
	_, err = m.AddPipette(ctx, pipetteConfig("P3", 1))
	require.NoError(t, err)

	m.Close()
	assert.Empty(t, m.Pipettes())
	assert.Error(t, w.Write(journal.NewEvent("P1", 1, journal.EventActiveChanged, nil)), "the last pipette closes the journal")
}

func TestInvalidHeadstage(t *testing.T) {
	b, _ := newBridge(t, 0)
	_, err := NewPipette(context.Background(), config.Pipette{Name: "P1"}, b, nil)
	assert.Equal(t, ErrInvalidHeadstage{Headstage: -1}, err)
}
