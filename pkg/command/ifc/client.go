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

package ifc

import (
	"jinr.ru/greenlab/go-mies/pkg/srv/api"
)

type ApiClient interface {
	Pipettes() ([]api.PipetteInfo, error)
	State(pipette string) (*api.ClampInfo, error)
	SetMode(pipette, mode string) error
	Holding(pipette, mode string) (*api.Holding, error)
	SetHolding(pipette, mode string, value float64) error
	AutoBias(pipette string) (*api.AutoBias, error)
	SetAutoBias(pipette string, setup *api.AutoBiasSetup) error
	Pressure(pipette string) (*api.Pressure, error)
	SetPressure(pipette string, source *string, pressure *float64) error
	SetActive(pipette string, active bool) error
	TestPulse(pipette, action string) error
	History(pipette string) ([]api.HistoryRow, error)
	ResetHistory(pipette string) error
}
