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
	"math"

	"jinr.ru/greenlab/go-mies/pkg/layers"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

// Test pulse waveform
const (
	PulseSamples     = 2000
	PulseStart       = 500
	PulseDuration    = 1000
	PulseIntervalMs  = 0.01
	PulseAmplitudeVC = -10.0 // mV
	PulseAmplitudeIC = -50.0 // pA
)

// Cell is the equivalent circuit of a patched cell, in SI units
type Cell struct {
	AccessResistance   float64
	MembraneResistance float64
	Capacitance        float64
	RestingPotential   float64
	PipetteOffset      float64
}

func DefaultCell() Cell {
	return Cell{
		AccessResistance:   10e6,
		MembraneResistance: 200e6,
		Capacitance:        30e-12,
		RestingPotential:   -0.065,
		PipetteOffset:      0.003,
	}
}

func fieldValue(fields map[string]state.FieldUpdate, name string) float64 {
	if f, ok := fields[name]; ok {
		if v, ok := f.Value.(float64); ok {
			return v
		}
	}
	return 0
}

// Samples returns the recorded trace of a test pulse in host units: pA in
// VC, mV in IC and I=0.
func (c Cell) Samples(mode int, fields map[string]state.FieldUpdate) []float64 {
	samples := make([]float64, PulseSamples)
	dt := PulseIntervalMs / 1000
	ra, rm := c.AccessResistance, c.MembraneResistance

	if mode == types.ModeVC.Index() {
		holding := 0.0
		if fieldValue(fields, state.HoldingPotentialEnable) != 0 {
			holding = fieldValue(fields, state.HoldingPotential) / 1000
		}
		dv := PulseAmplitudeVC / 1000
		tau := c.Capacitance * ra * rm / (ra + rm)
		baseline := (holding - c.RestingPotential) / (ra + rm)
		for i := range samples {
			samples[i] = baseline
			if i >= PulseStart && i < PulseStart+PulseDuration {
				t := float64(i-PulseStart) * dt
				samples[i] += dv/(ra+rm) + dv*(1/ra-1/(ra+rm))*math.Exp(-t/tau)
			}
			samples[i] *= 1e12
		}
		return samples
	}

	bias := 0.0
	if fieldValue(fields, state.BiasCurrentEnable) != 0 {
		bias = fieldValue(fields, state.BiasCurrent) / 1e12
	}
	di := PulseAmplitudeIC / 1e12
	if mode == types.ModeI0.Index() {
		bias, di = 0, 0
	}
	series := ra
	if fieldValue(fields, state.BridgeBalanceEnable) != 0 {
		series -= fieldValue(fields, state.BridgeBalance) * 1e6
	}
	tau := rm * c.Capacitance
	baseline := c.RestingPotential + bias*rm
	for i := range samples {
		samples[i] = baseline
		if i >= PulseStart && i < PulseStart+PulseDuration {
			t := float64(i-PulseStart) * dt
			samples[i] += di*series + di*rm*(1-math.Exp(-t/tau))
		}
		samples[i] *= 1000
	}
	return samples
}

// Frame builds the binary test pulse frame returned by TP_GetLatestPulse
func (c Cell) Frame(device string, hs, mode int, fields map[string]state.FieldUpdate, timestamp float64) ([]byte, error) {
	amplitude := testpulse.Q(PulseAmplitudeVC, "mV")
	if mode != types.ModeVC.Index() {
		amplitude = testpulse.Q(PulseAmplitudeIC, "pA")
	}
	md := &testpulse.Metadata{
		Properties: testpulse.Properties{
			Device:         testpulse.Ptr(device),
			Headstage:      testpulse.Ptr(hs),
			ClampMode:      testpulse.Ptr(mode),
			SampleInterval: testpulse.Ptr(PulseIntervalMs),
			PulseStart:     testpulse.Ptr(float64(PulseStart)),
			PulseDuration:  testpulse.Ptr(float64(PulseDuration)),
			TimestampUTC:   testpulse.Ptr(timestamp),
			ClampAmplitude: amplitude,
		},
		Amplifier: testpulse.Amplifier{
			HoldingPotential: testpulse.Q(fieldValue(fields, state.HoldingPotential), "mV"),
			BiasCurrent:      testpulse.Q(fieldValue(fields, state.BiasCurrent), "pA"),
			BridgeBalance:    testpulse.Q(fieldValue(fields, state.BridgeBalance), "MΩ"),
		},
	}
	metadata, err := md.Encode()
	if err != nil {
		return nil, err
	}
	return layers.EncodeTestPulseFrame(metadata, testpulse.EncodeSamples(c.Samples(mode, fields)))
}
