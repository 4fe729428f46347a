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
	"jinr.ru/greenlab/go-mies/pkg/types"
)

// Extras keys
const (
	HoldingPotentialKey = "holding_potential"
	HoldingCurrentKey   = "holding_current"
	BridgeBalanceKey    = "bridge_balance"
)

// Trace is a uniformly sampled sequence in SI units
type Trace struct {
	Samples      []float64 `json:"samples"`
	StartTime    float64   `json:"startTime"`
	SamplePeriod float64   `json:"samplePeriod"`
	Units        string    `json:"units"`
}

// Time returns the time of sample i
func (t Trace) Time(i int) float64 {
	return t.StartTime + float64(i)*t.SamplePeriod
}

// Record is a patch clamp recording of a single test pulse
type Record struct {
	Device     string             `json:"device"`
	Headstage  int                `json:"headstage"`
	Mode       types.ClampMode    `json:"mode"`
	Command    Trace              `json:"command"`
	Primary    Trace              `json:"primary"`
	StartIndex int                `json:"startIndex"`
	StopIndex  int                `json:"stopIndex"`
	Amplitude  float64            `json:"amplitude"`
	Extras     map[string]float64 `json:"extras"`
	Analysis   Analysis           `json:"analysis,omitempty"`
}

// StartTime of the recording
func (r *Record) StartTime() float64 {
	return r.Primary.StartTime
}

// Holding returns the holding value of the recording in SI units
func (r *Record) Holding() float64 {
	if r.Mode == types.ModeVC {
		return r.Extras[HoldingPotentialKey]
	}
	return r.Extras[HoldingCurrentKey]
}

func required[T any](v *T, key string) (T, error) {
	if v == nil {
		var zero T
		return zero, ErrMalformedPayload{Key: key}
	}
	return *v, nil
}

func quantity(q *Quantity, key string) (float64, error) {
	if q == nil {
		return 0, ErrMalformedPayload{Key: key}
	}
	return required(q.Value, key+".value")
}

// MakeTestPulse builds a recording from a payload. It returns nil without
// error when the payload belongs to another window or headstage, or when
// the sample interval is zero.
func MakeTestPulse(p Payload, activeWindow string, headstage int) (*Record, error) {
	md, err := ParseMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	props := md.Properties

	device, err := required(props.Device, "properties.device")
	if err != nil {
		return nil, err
	}
	if device != activeWindow {
		return nil, nil
	}
	hs, err := required(props.Headstage, "properties.headstage")
	if err != nil {
		return nil, err
	}
	if hs != headstage {
		return nil, nil
	}
	interval, err := required(props.SampleInterval, "properties.sample interval DAC")
	if err != nil {
		return nil, err
	}
	if interval == 0 {
		return nil, nil
	}
	modeIndex, err := required(props.ClampMode, "properties.clamp mode")
	if err != nil {
		return nil, err
	}
	mode, err := types.ModeFromIndex(modeIndex)
	if err != nil {
		return nil, err
	}
	start, err := required(props.PulseStart, "properties.pulse start point DAC")
	if err != nil {
		return nil, err
	}
	duration, err := required(props.PulseDuration, "properties.pulse duration DAC")
	if err != nil {
		return nil, err
	}
	timestamp, err := required(props.TimestampUTC, "properties.timestampUTC")
	if err != nil {
		return nil, err
	}
	amplitude, err := quantity(props.ClampAmplitude, "properties.clamp amplitude")
	if err != nil {
		return nil, err
	}

	samples := Samples(p.Data)
	extras := map[string]float64{}
	var units string
	if mode == types.ModeVC {
		hp, err := quantity(md.Amplifier.HoldingPotential, "amplifier.HoldingPotential")
		if err != nil {
			return nil, err
		}
		for i := range samples {
			samples[i] /= 1e12
		}
		extras[HoldingPotentialKey] = hp / 1000
		amplitude /= 1000
		units = "V"
	} else {
		bc, err := quantity(md.Amplifier.BiasCurrent, "amplifier.BiasCurrent")
		if err != nil {
			return nil, err
		}
		bb, err := quantity(md.Amplifier.BridgeBalance, "amplifier.BridgeBalance")
		if err != nil {
			return nil, err
		}
		for i := range samples {
			samples[i] /= 1000
		}
		extras[HoldingCurrentKey] = bc / 1e12
		extras[BridgeBalanceKey] = bb * 1e6
		amplitude /= 1e12
		units = "A"
	}

	n := len(samples)
	startIndex := clampIndex(int(start), n)
	stopIndex := clampIndex(int(start)+int(duration), n)
	if stopIndex < startIndex {
		stopIndex = startIndex
	}
	command := make([]float64, n)
	for i := startIndex; i < stopIndex; i++ {
		command[i] = amplitude
	}

	period := interval / 1000
	return &Record{
		Device:    device,
		Headstage: hs,
		Mode:      mode,
		Command: Trace{
			Samples:      command,
			StartTime:    timestamp,
			SamplePeriod: period,
			Units:        units,
		},
		Primary: Trace{
			Samples:      samples,
			StartTime:    timestamp,
			SamplePeriod: period,
			Units:        units,
		},
		StartIndex: startIndex,
		StopIndex:  stopIndex,
		Amplitude:  amplitude,
		Extras:     extras,
	}, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
