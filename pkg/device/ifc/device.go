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
	"context"
	"encoding/json"

	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/journal"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

// Bridge is the set of host operations the devices need
type Bridge interface {
	Signals() *mies.Signals
	Cache() *state.Cache
	CachedWindow() string
	ActiveWindow(ctx context.Context) (string, error)

	SelectHeadstage(ctx context.Context, hs int) error
	ActivateHeadstage(ctx context.Context, hs int, active bool) error
	IsHeadstageActive(ctx context.Context, hs int) (bool, error)

	AmplifierState(ctx context.Context, hs int) (map[string]interface{}, error)
	GetClampMode(ctx context.Context, hs int) (types.ClampMode, error)
	SetClampMode(ctx context.Context, hs int, mode types.ClampMode) error
	GetHolding(ctx context.Context, hs int, override types.ClampMode) (float64, error)
	SetHoldingForMode(ctx context.Context, hs int, mode types.ClampMode, value float64) error
	GetAutoBias(hs int) bool
	SetAutoBias(ctx context.Context, hs int, enable bool) error
	GetAutoBiasTarget(hs int) float64
	SetAutoBiasTarget(ctx context.Context, hs int, target float64) error

	EnableTestPulse(ctx context.Context, enable bool) *host.Future[json.RawMessage]
	TestPulseEnabled() bool
	SetTestPulseParameters(ctx context.Context, params map[string]interface{}) error
	AutoPipetteOffset(ctx context.Context, hs int) error
	AutoBridgeBalance(ctx context.Context, hs int) error
	AutoCapComp(ctx context.Context, hs int) error

	GetPressureAndSource(ctx context.Context, hs int) (mies.PressureReading, error)
	SetPressureAndSource(ctx context.Context, hs int, source *string, psi *float64) *host.Future[mies.PressureReading]
}

var _ Bridge = &mies.Bridge{}

// Journal receives the events of the devices
type Journal interface {
	Write(e journal.Event) error
}

type Device interface {
	Name() string
	Headstage() int
	Close() error
}
