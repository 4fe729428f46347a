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

package api

import (
	"math"

	"jinr.ru/greenlab/go-mies/pkg/testpulse"
)

// PipetteInfo describes a configured pipette
// swagger:model
type PipetteInfo struct {
	Name      string `json:"name"`
	Headstage int    `json:"headstage"`
	Active    bool   `json:"active"`
	State     string `json:"state,omitempty"`
}

// ClampInfo is the current clamp state of a pipette
// swagger:model
type ClampInfo struct {
	Mode           string                 `json:"mode"`
	Holding        float64                `json:"holding"`
	Fields         map[string]interface{} `json:"fields"`
	TestPulse      bool                   `json:"testPulse"`
	AutoBias       bool                   `json:"autoBias"`
	AutoBiasTarget *float64               `json:"autoBiasTarget"`
}

type ModeSetup struct {
	Mode string `json:"mode"`
}

// HoldingSetup sets the holding of a mode in SI units. An empty mode means the current mode.
type HoldingSetup struct {
	Mode  string  `json:"mode,omitempty"`
	Value float64 `json:"value"`
}

type Holding struct {
	Mode  string  `json:"mode"`
	Value float64 `json:"value"`
}

// AutoBiasSetup changes auto-bias. Linked resets the target to follow the VC holding.
type AutoBiasSetup struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Target  *float64 `json:"target,omitempty"`
	Linked  bool     `json:"linked,omitempty"`
}

type AutoBias struct {
	Enabled bool     `json:"enabled"`
	Target  *float64 `json:"target"`
}

// PressureSetup changes the pressure source and/or pressure (Pa)
type PressureSetup struct {
	Source   *string  `json:"source,omitempty"`
	Pressure *float64 `json:"pressure,omitempty"`
}

type Pressure struct {
	Source   string  `json:"source"`
	Pressure float64 `json:"pressure"`
}

type ActiveSetup struct {
	Active bool `json:"active"`
}

// HistoryRow is one analyzed test pulse. Values that could not be computed are null.
type HistoryRow struct {
	EventTime float64             `json:"eventTime"`
	Analysis  map[string]*float64 `json:"analysis"`
}

func newHistoryRow(row testpulse.Row) HistoryRow {
	out := HistoryRow{EventTime: row.EventTime, Analysis: map[string]*float64{}}
	for name, v := range row.Analysis() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out.Analysis[name] = nil
			continue
		}
		value := v
		out.Analysis[name] = &value
	}
	return out
}
