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

package sim_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/layers"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/sim"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

func serve(t *testing.T, h *sim.Host) *host.HTTPTransport {
	ts := httptest.NewServer(sim.NewServer(h).Handler())
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return host.NewHTTPTransport(u.Hostname(), port)
}

func TestCallOverHTTP(t *testing.T) {
	h := sim.NewHost(sim.DefaultDevice, 0)
	b := host.NewBridge(serve(t, h), 2*time.Second)
	t.Cleanup(b.Quit)
	ctx := context.Background()

	out, err := b.Execute(ctx, "print 1")
	require.NoError(t, err)
	assert.Equal(t, "executed: print 1", out)

	h.SetVariable("root:MIES", "count", 1.5)
	v, err := b.GetVariable(ctx, "root:MIES", "count")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	h.SetWave("root:MIES", "trace", host.Wave{Data: []float64{1, 2}, Scaling: []host.Scaling{{Slope: 0.1}}})
	wave, err := b.GetWave(ctx, "root:MIES", "trace")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, wave.Data)
	assert.Equal(t, 0.1, wave.Scaling[0].Slope)

	_, err = b.Call(ctx, "NoSuchProcedure")
	cf, ok := host.IsCallFailed(err)
	require.True(t, ok)
	assert.Equal(t, sim.CodeUnknownProcedure, cf.Code)
	assert.Equal(t, 1, h.Calls("NoSuchProcedure"))
}

func TestNotificationsOverHTTP(t *testing.T) {
	h := sim.NewHost(sim.DefaultDevice, 0)
	b := host.NewBridge(serve(t, h), 2*time.Second)
	t.Cleanup(b.Quit)

	_, err := b.Call(context.Background(), mies.ProcChangeHeadstageMode, sim.DefaultDevice, types.ModeIC.Index(), 0)
	require.NoError(t, err)
	select {
	case n := <-b.Notifications():
		assert.Equal(t, host.NotifyClampModeChanged, n.Type)
		assert.Equal(t, sim.DefaultDevice, n.Device)
		assert.Equal(t, 0, n.Headstage)
		assert.JSONEq(t, `{"mode": 1}`, string(n.Payload))
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no notification")
	}
}

func TestUnavailableOverHTTP(t *testing.T) {
	h := sim.NewHost(sim.DefaultDevice, 0)
	b := host.NewBridge(serve(t, h), 2*time.Second)
	t.Cleanup(b.Quit)
	ctx := context.Background()

	_, err := b.Execute(ctx, "a")
	require.NoError(t, err)

	h.Set(func(h *sim.Host) { h.Unavailable = true })
	_, err = b.Execute(ctx, "b")
	assert.ErrorIs(t, err, host.ErrHostUnavailable)

	h.Set(func(h *sim.Host) { h.Unavailable = false })
	_, err = b.Execute(ctx, "c")
	assert.NoError(t, err)
	assert.Equal(t, host.StateReady, b.State())
}

func TestMiesBridgeOverHTTP(t *testing.T) {
	h := sim.NewHost(sim.DefaultDevice, 0)
	b, err := mies.NewBridge(serve(t, h), mies.Options{CallTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	mode, err := b.GetClampMode(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ModeVC, mode)

	require.NoError(t, b.SetClampMode(ctx, 0, types.ModeIC))
	assert.Eventually(t, func() bool {
		return b.Cache().Mode(0) == types.ModeIC
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPulseSamples(t *testing.T) {
	cell := sim.DefaultCell()
	fields := map[string]state.FieldUpdate{
		state.HoldingPotential:       {Unit: "mV", Value: -70.0},
		state.HoldingPotentialEnable: {Unit: "On/Off", Value: 1.0},
	}

	vc := cell.Samples(types.ModeVC.Index(), fields)
	require.Len(t, vc, sim.PulseSamples)
	peak := vc[sim.PulseStart] - vc[0]
	assert.InDelta(t, sim.PulseAmplitudeVC/1e3/cell.AccessResistance*1e12, peak, 1e-6)
	assert.Equal(t, vc[0], vc[sim.PulseStart+sim.PulseDuration])

	ic := cell.Samples(types.ModeIC.Index(), fields)
	step := ic[sim.PulseStart] - ic[0]
	assert.InDelta(t, sim.PulseAmplitudeIC/1e12*cell.AccessResistance*1e3, step, 1e-9)

	i0 := cell.Samples(types.ModeI0.Index(), fields)
	assert.Equal(t, i0[0], i0[sim.PulseStart+10])
}

func TestPulseFrame(t *testing.T) {
	fields := map[string]state.FieldUpdate{
		state.HoldingPotential:       {Unit: "mV", Value: -70.0},
		state.HoldingPotentialEnable: {Unit: "On/Off", Value: 1.0},
	}
	frame, err := sim.DefaultCell().Frame(sim.DefaultDevice, 2, types.ModeVC.Index(), fields, 123.5)
	require.NoError(t, err)
	tp, err := layers.DecodeTestPulseFrame(frame)
	require.NoError(t, err)

	record, err := testpulse.MakeTestPulse(testpulse.Payload{Metadata: json.RawMessage(tp.Metadata), Data: tp.Data}, sim.DefaultDevice, 2)
	require.NoError(t, err)
	assert.Equal(t, 123.5, record.StartTime())
	assert.Equal(t, types.ModeVC, record.Mode)
	assert.Len(t, record.Primary.Samples, sim.PulseSamples)
	assert.InDelta(t, -0.07, record.Holding(), 1e-12)
}

func TestLatestPulseOrder(t *testing.T) {
	h := sim.NewHost(sim.DefaultDevice, 0, 1)
	ctx := context.Background()
	param := func(v interface{}) json.RawMessage {
		raw, _ := json.Marshal(v)
		return raw
	}
	for _, hs := range []int{1, 0} {
		_, err := h.Handle(ctx, mies.ProcActivateHeadstage, []json.RawMessage{param(sim.DefaultDevice), param(hs), param(true)})
		require.NoError(t, err)
	}
	_, err := h.Handle(ctx, mies.ProcStartStopTestPulse, []json.RawMessage{param(sim.DefaultDevice), param(true)})
	require.NoError(t, err)

	for _, want := range []int{0, 1} {
		v, err := h.Handle(ctx, mies.ProcGetLatestPulse, []json.RawMessage{param(sim.DefaultDevice)})
		require.NoError(t, err)
		frame, ok := v.([]byte)
		require.True(t, ok)
		tp, err := layers.DecodeTestPulseFrame(frame)
		require.NoError(t, err)
		md, err := testpulse.ParseMetadata(json.RawMessage(tp.Metadata))
		require.NoError(t, err)
		assert.Equal(t, want, *md.Properties.Headstage)
	}

	_, err = h.Handle(ctx, mies.ProcGetLockedDevices, nil)
	require.NoError(t, err)
	_, err = h.Handle(ctx, mies.ProcSelectHeadstage, []json.RawMessage{param("Nope"), param(0)})
	cf, ok := host.IsCallFailed(err)
	require.True(t, ok)
	assert.Equal(t, sim.CodeUnknownDevice, cf.Code)
}
