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
	"jinr.ru/greenlab/go-mies/pkg/signal"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

type ModeChange struct {
	Headstage int
	Mode      types.ClampMode
}

// StateChange carries the fields of a clamp_state_changed notification in
// host units and what they changed in the state cache.
type StateChange struct {
	Headstage int
	Fields    map[string]state.FieldUpdate
	Changes   state.Changes
}

// HoldingChange carries a holding value in SI units
type HoldingChange struct {
	Headstage int
	Value     float64
}

// PressureChange carries an acknowledged pressure state in Pa
type PressureChange struct {
	Headstage int
	Source    string
	Pressure  float64
}

// Signals emitted by the bridge. Every signal is emitted on the bridge
// notification goroutine.
type Signals struct {
	ClampModeChanged        *signal.Signal[ModeChange]
	ClampStateChanged       *signal.Signal[StateChange]
	HoldingPotentialChanged *signal.Signal[HoldingChange]
	BiasCurrentChanged      *signal.Signal[HoldingChange]
	TestPulseStateChanged   *signal.Signal[bool]
	TestPulseReady          *signal.Signal[testpulse.Payload]
	PressureChanged         *signal.Signal[PressureChange]
}

func newSignals() *Signals {
	return &Signals{
		ClampModeChanged:        signal.New[ModeChange]("clamp_mode_changed"),
		ClampStateChanged:       signal.New[StateChange]("clamp_state_changed"),
		HoldingPotentialChanged: signal.New[HoldingChange]("holding_potential_changed"),
		BiasCurrentChanged:      signal.New[HoldingChange]("bias_current_changed"),
		TestPulseStateChanged:   signal.New[bool]("test_pulse_state_changed"),
		TestPulseReady:          signal.New[testpulse.Payload]("test_pulse_ready"),
		PressureChanged:         signal.New[PressureChange]("pressure_changed"),
	}
}
