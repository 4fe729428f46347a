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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// ErrMalformedPayload returned when test pulse metadata misses a required key
type ErrMalformedPayload struct {
	Key string
}

func (e ErrMalformedPayload) Error() string {
	return fmt.Sprintf("Malformed test pulse payload: missing %s", e.Key)
}

// Payload is a test pulse as delivered by the host: JSON metadata and
// little endian float32 samples.
type Payload struct {
	Metadata json.RawMessage
	Data     []byte
}

// Quantity is a value in host units
type Quantity struct {
	Value *float64 `json:"value"`
	Unit  string   `json:"unit,omitempty"`
}

type Properties struct {
	Device         *string   `json:"device"`
	Headstage      *int      `json:"headstage"`
	ClampMode      *int      `json:"clamp mode"`
	SampleInterval *float64  `json:"sample interval DAC"`
	PulseStart     *float64  `json:"pulse start point DAC"`
	PulseDuration  *float64  `json:"pulse duration DAC"`
	TimestampUTC   *float64  `json:"timestampUTC"`
	ClampAmplitude *Quantity `json:"clamp amplitude"`
}

type Amplifier struct {
	HoldingPotential *Quantity `json:"HoldingPotential,omitempty"`
	BiasCurrent      *Quantity `json:"BiasCurrent,omitempty"`
	BridgeBalance    *Quantity `json:"BridgeBalance,omitempty"`
}

// Metadata of a test pulse payload
type Metadata struct {
	Properties Properties `json:"properties"`
	Amplifier  Amplifier  `json:"amplifier"`
}

func ParseMetadata(raw json.RawMessage) (*Metadata, error) {
	md := &Metadata{}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload{Key: "metadata"}, err)
	}
	return md, nil
}

func (m *Metadata) Encode() (json.RawMessage, error) {
	return json.Marshal(m)
}

// Samples interprets raw bytes as little endian float32 samples
func Samples(data []byte) []float64 {
	n := len(data) / 4
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	}
	return samples
}

// EncodeSamples is the inverse of Samples
func EncodeSamples(samples []float64) []byte {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(s)))
	}
	return data
}

// Q returns a quantity in host units
func Q(value float64, unit string) *Quantity {
	return &Quantity{Value: &value, Unit: unit}
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
