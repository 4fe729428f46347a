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
	"context"
	"sync"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/device/ifc"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/signal"
	"jinr.ru/greenlab/go-mies/pkg/types"
	"jinr.ru/greenlab/go-mies/pkg/units"
)

const DefaultPressureTimeout = 5 * time.Second

// PressureEvent carries a pressure state in Pa
type PressureEvent struct {
	Source   string
	Pressure float64
}

// Pressure controls the pressure of a single headstage. Pressures are in Pa.
type Pressure struct {
	name    string
	hs      int
	bridge  ifc.Bridge
	Timeout time.Duration

	PressureChanged *signal.Signal[PressureEvent]

	mu       sync.Mutex
	source   string
	pressure float64

	disconnect func()
}

var _ ifc.Device = &Pressure{}

// NewPressure reads the current pressure state of hs from the host
func NewPressure(ctx context.Context, name string, hs int, bridge ifc.Bridge) (*Pressure, error) {
	if hs < 0 {
		return nil, ErrInvalidHeadstage{Headstage: hs}
	}
	reading, err := bridge.GetPressureAndSource(ctx, hs)
	if err != nil {
		return nil, err
	}
	p := &Pressure{
		name:            name,
		hs:              hs,
		bridge:          bridge,
		Timeout:         DefaultPressureTimeout,
		PressureChanged: signal.New[PressureEvent]("pressure_changed"),
		source:          reading.Source,
		pressure:        units.PSIToPa(reading.Pressure),
	}
	sigs := bridge.Signals()
	id := sigs.PressureChanged.Connect(func(pc mies.PressureChange) {
		if pc.Headstage == p.hs {
			p.commit(pc.Source, pc.Pressure)
		}
	})
	p.disconnect = func() { sigs.PressureChanged.Disconnect(id) }
	return p, nil
}

func (p *Pressure) Name() string {
	return p.name
}

func (p *Pressure) Headstage() int {
	return p.hs
}

func (p *Pressure) Close() error {
	if p.disconnect != nil {
		p.disconnect()
		p.disconnect = nil
	}
	return nil
}

// GetPressure returns the last acknowledged pressure in Pa
func (p *Pressure) GetPressure() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pressure
}

func (p *Pressure) GetSource() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// SetPressure submits a new source and/or pressure and waits for the host
// acknowledgment. Nil arguments keep the current value.
func (p *Pressure) SetPressure(ctx context.Context, source *string, pressure *float64) error {
	if source != nil && !types.ValidPressureSource(*source) {
		return ErrInvalidSource{Source: *source}
	}
	var psi *float64
	if pressure != nil {
		v := units.PaToPSI(*pressure)
		psi = &v
	}
	reading, err := p.bridge.SetPressureAndSource(ctx, p.hs, source, psi).ResultTimeout(p.Timeout)
	if err != nil {
		return err
	}
	p.commit(reading.Source, units.PSIToPa(reading.Pressure))
	return nil
}

func (p *Pressure) commit(source string, pressure float64) {
	p.mu.Lock()
	if source == p.source && pressure == p.pressure {
		p.mu.Unlock()
		return
	}
	p.source = source
	p.pressure = pressure
	p.mu.Unlock()
	p.PressureChanged.Emit(PressureEvent{Source: source, Pressure: pressure})
}
