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

package testpulse

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jinr.ru/greenlab/go-mies/pkg/types"
)

const testDevice = "ITC18USB_Dev_0"

func payload(t *testing.T, mode int, device string, hs int, amplifier Amplifier, amplitude float64) Payload {
	md := &Metadata{
		Properties: Properties{
			Device:         Ptr(device),
			Headstage:      Ptr(hs),
			ClampMode:      Ptr(mode),
			SampleInterval: Ptr(0.005),
			PulseStart:     Ptr(9000.0),
			PulseDuration:  Ptr(2000.0),
			TimestampUTC:   Ptr(1700000000.5),
			ClampAmplitude: Q(amplitude, ""),
		},
		Amplifier: amplifier,
	}
	raw, err := md.Encode()
	require.NoError(t, err)
	return Payload{Metadata: raw, Data: EncodeSamples(make([]float64, 20000))}
}

func vcPayload(t *testing.T, device string, hs int) Payload {
	return payload(t, 0, device, hs, Amplifier{HoldingPotential: Q(-70, "mV")}, -5)
}

func TestMakeVoltageClampTestPulse(t *testing.T) {
	r, err := MakeTestPulse(vcPayload(t, testDevice, 0), testDevice, 0)
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, types.ModeVC, r.Mode)
	require.Len(t, r.Command.Samples, 20000)
	require.Len(t, r.Primary.Samples, 20000)
	for i, v := range r.Command.Samples {
		if i >= 9000 && i < 11000 {
			assert.InDelta(t, -0.005, v, 1e-15)
		} else {
			assert.Zero(t, v)
		}
	}
	for _, v := range r.Primary.Samples {
		assert.Zero(t, v)
	}
	assert.Equal(t, "V", r.Primary.Units)
	assert.Equal(t, "V", r.Command.Units)
	assert.InDelta(t, -0.07, r.Extras[HoldingPotentialKey], 1e-12)
	assert.InDelta(t, -0.07, r.Holding(), 1e-12)
	assert.InDelta(t, 5e-6, r.Primary.SamplePeriod, 1e-15)
	assert.Equal(t, 1700000000.5, r.StartTime())
	assert.Equal(t, r.Primary.StartTime, r.Command.StartTime)
}

func TestMakeCurrentClampTestPulse(t *testing.T) {
	amp := Amplifier{
		BiasCurrent:   Q(50, "pA"),
		BridgeBalance: Q(30, "MΩ"),
	}
	r, err := MakeTestPulse(payload(t, 1, testDevice, 0, amp, -100), testDevice, 0)
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, types.ModeIC, r.Mode)
	require.Len(t, r.Command.Samples, 20000)
	for i, v := range r.Command.Samples {
		if i >= 9000 && i < 11000 {
			assert.InDelta(t, -100e-12, v, 1e-24)
		} else {
			assert.Zero(t, v)
		}
	}
	assert.Equal(t, "A", r.Primary.Units)
	assert.Equal(t, "A", r.Command.Units)
	assert.InDelta(t, 5e-11, r.Extras[HoldingCurrentKey], 1e-20)
	assert.InDelta(t, 3e7, r.Extras[BridgeBalanceKey], 1e-6)
}

func TestMakeTestPulseFiltering(t *testing.T) {
	r, err := MakeTestPulse(vcPayload(t, "other_device", 0), testDevice, 0)
	assert.NoError(t, err)
	assert.Nil(t, r)

	r, err = MakeTestPulse(vcPayload(t, testDevice, 1), testDevice, 0)
	assert.NoError(t, err)
	assert.Nil(t, r)

	p := vcPayload(t, testDevice, 0)
	md, err := ParseMetadata(p.Metadata)
	require.NoError(t, err)
	md.Properties.SampleInterval = Ptr(0.0)
	p.Metadata, err = md.Encode()
	require.NoError(t, err)
	r, err = MakeTestPulse(p, testDevice, 0)
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestMakeTestPulseMalformed(t *testing.T) {
	_, err := MakeTestPulse(Payload{Metadata: []byte(`{"properties":{}}`)}, testDevice, 0)
	assert.Equal(t, ErrMalformedPayload{Key: "properties.device"}, err)

	// VC needs the holding potential
	_, err = MakeTestPulse(payload(t, 0, testDevice, 0, Amplifier{}, -5), testDevice, 0)
	assert.Equal(t, ErrMalformedPayload{Key: "amplifier.HoldingPotential"}, err)

	_, err = MakeTestPulse(Payload{Metadata: []byte(`not json`)}, testDevice, 0)
	assert.ErrorAs(t, err, &ErrMalformedPayload{})
}

func TestMakeTestPulseClampsIndices(t *testing.T) {
	p := vcPayload(t, testDevice, 0)
	p.Data = EncodeSamples(make([]float64, 10000))
	r, err := MakeTestPulse(p, testDevice, 0)
	require.NoError(t, err)
	assert.Equal(t, 9000, r.StartIndex)
	assert.Equal(t, 10000, r.StopIndex)
	assert.Len(t, r.Command.Samples, 10000)
}

func TestAnalyzeVoltageClamp(t *testing.T) {
	const (
		ra  = 10e6
		rm  = 100e6
		c   = 11e-12
		dv  = -0.01
		dt  = 1e-5
		bl  = -2e-11
		n   = 3000
		on  = 500
		off = 2500
	)
	tau := c * ra * rm / (ra + rm)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = bl
		if i >= on && i < off {
			t := float64(i-on) * dt
			samples[i] += dv/(ra+rm) + dv*(1/ra-1/(ra+rm))*math.Exp(-t/tau)
		}
	}
	r := &Record{
		Mode:       types.ModeVC,
		Primary:    Trace{Samples: samples, SamplePeriod: dt},
		StartIndex: on,
		StopIndex:  off,
		Amplitude:  dv,
		Extras:     map[string]float64{HoldingPotentialKey: -0.07},
	}
	a := Analyze(r)
	assert.InDelta(t, -0.07, a[BaselinePotential], 1e-12)
	assert.InDelta(t, bl, a[BaselineCurrent], 1e-20)
	assert.InEpsilon(t, ra, a[PeakResistance], 1e-6)
	assert.InEpsilon(t, ra+rm, a[SteadyStateResistance], 1e-6)
	assert.InEpsilon(t, tau, a[FitExpTau], 0.05)
	assert.InEpsilon(t, c, a[Capacitance], 0.05)
	assert.InDelta(t, float64(on)*dt, a[FitExpXOffset], 1e-12)
}

func TestAnalyzeCurrentClamp(t *testing.T) {
	const (
		rs  = 5e6
		rm  = 200e6
		c   = 1e-12
		di  = -50e-12
		dt  = 1e-5
		bl  = -0.065
		n   = 4000
		on  = 500
		off = 3500
	)
	tau := rm * c
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = bl
		if i >= on && i < off {
			t := float64(i-on) * dt
			samples[i] += di*rs + di*rm*(1-math.Exp(-t/tau))
		}
	}
	r := &Record{
		Mode:       types.ModeIC,
		Primary:    Trace{Samples: samples, SamplePeriod: dt},
		StartIndex: on,
		StopIndex:  off,
		Amplitude:  di,
		Extras:     map[string]float64{HoldingCurrentKey: 0},
	}
	a := Analyze(r)
	assert.InDelta(t, bl, a[BaselinePotential], 1e-12)
	assert.InEpsilon(t, rs, a[PeakResistance], 1e-6)
	assert.InEpsilon(t, rs+rm, a[SteadyStateResistance], 1e-6)
	assert.InEpsilon(t, tau, a[FitExpTau], 0.05)
	assert.InEpsilon(t, c, a[Capacitance], 0.05)
}

func TestAnalyzeFlatTrace(t *testing.T) {
	r, err := MakeTestPulse(vcPayload(t, testDevice, 0), testDevice, 0)
	require.NoError(t, err)
	a := Analyze(r)
	require.Len(t, a, len(AnalysisFields))
	assert.InDelta(t, -0.07, a[BaselinePotential], 1e-12)
	// a flat response has no resistance or fit
	assert.True(t, math.IsNaN(a[PeakResistance]))
	assert.True(t, math.IsNaN(a[FitExpTau]))
}

func TestHistoryGrowth(t *testing.T) {
	h := NewHistory()
	assert.Equal(t, InitialHistoryCapacity, h.Cap())
	for _, n := range []int{1, 1024, 1025, 3000} {
		h.Reset()
		for i := 0; i < n; i++ {
			require.NoError(t, h.Append(NewRow(float64(i), Analysis{BaselineCurrent: float64(i)})))
		}
		assert.Equal(t, n, h.Len())
		assert.GreaterOrEqual(t, h.Cap(), n)
		last, ok := h.Last()
		require.True(t, ok)
		assert.Equal(t, float64(n-1), last.Get(BaselineCurrent))
		assert.True(t, math.IsNaN(last.Get(Capacitance)))
	}
	h.Reset()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, InitialHistoryCapacity, h.Cap())
}

func TestHistoryOrder(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.Append(NewRow(2, nil)))
	require.NoError(t, h.Append(NewRow(2, nil)))
	assert.Equal(t, ErrHistoryOrder{Last: 2, Got: 1}, h.Append(NewRow(1, nil)))
	assert.Equal(t, 2, h.Len())
}

func TestPipeline(t *testing.T) {
	var mu sync.Mutex
	var records []*Record
	p := NewPipeline(0, func() string { return testDevice }, func(r *Record) {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, r)
	})
	defer p.Stop()

	p.Push(vcPayload(t, testDevice, 0))
	p.Push(vcPayload(t, testDevice, 3))
	p.Push(vcPayload(t, "other_device", 0))
	p.Push(Payload{Metadata: []byte(`{}`)})
	p.Push(vcPayload(t, testDevice, 0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) == 2
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, 0, r.Headstage)
		assert.NotNil(t, r.Analysis)
	}
}

func TestPipelineRecoversFromPanics(t *testing.T) {
	calls := make(chan struct{}, 2)
	first := true
	p := NewPipeline(0, func() string { return testDevice }, func(r *Record) {
		calls <- struct{}{}
		if first {
			first = false
			panic("handler failure")
		}
	})
	defer p.Stop()
	p.Push(vcPayload(t, testDevice, 0))
	p.Push(vcPayload(t, testDevice, 0))
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatal("worker stopped after a panic")
		}
	}
}
