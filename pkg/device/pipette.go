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
	"fmt"
	"math"
	"sync"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/device/ifc"
	"jinr.ru/greenlab/go-mies/pkg/journal"
	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/signal"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
)

// Pipette is a patch pipette: a clamp and a pressure device bound to the
// same headstage. It owns both and journals their events.
type Pipette struct {
	name   string
	hs     int
	cfg    config.Pipette
	bridge ifc.Bridge

	clamp    *Clamp
	pressure *Pressure
	journal  ifc.Journal

	NewEvent *signal.Signal[journal.Event]

	mu            sync.Mutex
	lastEventTime float64
	active        bool
	state         string
	autoBias      *AutoBiasEvent

	now        func() time.Time
	disconnect []func()
}

var _ ifc.Device = &Pipette{}

func ClampName(pipette string) string {
	return fmt.Sprintf("%s_clamp", pipette)
}

func PressureName(pipette string) string {
	return fmt.Sprintf("%s_pressure", pipette)
}

// NewPipette creates the clamp and pressure devices of a pipette. journal may be nil.
func NewPipette(ctx context.Context, cfg config.Pipette, bridge ifc.Bridge, j ifc.Journal) (*Pipette, error) {
	hs := cfg.HeadstageID()
	if hs < 0 {
		return nil, ErrInvalidHeadstage{Headstage: hs}
	}
	clamp, err := NewClamp(ctx, ClampName(cfg.Name), hs, bridge, cfg.TestPulse)
	if err != nil {
		return nil, err
	}
	pressure, err := NewPressure(ctx, PressureName(cfg.Name), hs, bridge)
	if err != nil {
		clamp.Close()
		return nil, err
	}
	p := &Pipette{
		name:     cfg.Name,
		hs:       hs,
		cfg:      cfg,
		bridge:   bridge,
		clamp:    clamp,
		pressure: pressure,
		journal:  j,
		NewEvent: signal.New[journal.Event]("new_event"),
		now:      time.Now,
	}
	p.connect()
	return p, nil
}

func (p *Pipette) connect() {
	c := p.clamp
	id := c.StateChanged.Connect(func(st ClampState) {
		p.EmitNewEvent(journal.EventClampStateChange, st)
	})
	p.disconnect = append(p.disconnect, func() { c.StateChanged.Disconnect(id) })

	holdingID := c.HoldingChanged.Connect(func(ev HoldingEvent) {
		p.EmitNewEvent(journal.EventHoldingChanged, map[string]interface{}{
			"mode":    ev.Mode,
			"holding": ev.Value,
		})
	})
	p.disconnect = append(p.disconnect, func() { c.HoldingChanged.Disconnect(holdingID) })

	autoBiasID := c.AutoBiasChanged.Connect(p.onAutoBiasChanged)
	p.disconnect = append(p.disconnect, func() { c.AutoBiasChanged.Disconnect(autoBiasID) })

	tpID := c.TestPulseFinished.Connect(func(r *testpulse.Record) {
		payload := make(map[string]interface{}, len(testpulse.AnalysisFields))
		for _, f := range testpulse.AnalysisFields {
			v, ok := r.Analysis[f]
			if !ok {
				v = math.NaN()
			}
			payload[f] = v
		}
		p.EmitNewEvent(journal.EventTestPulse, payload)
	})
	p.disconnect = append(p.disconnect, func() { c.TestPulseFinished.Disconnect(tpID) })

	enabledID := c.TestPulseEnabled.Connect(func(enabled bool) {
		p.EmitNewEvent(journal.EventTestPulseEnabled, map[string]interface{}{"enabled": enabled})
	})
	p.disconnect = append(p.disconnect, func() { c.TestPulseEnabled.Disconnect(enabledID) })

	pr := p.pressure
	pressureID := pr.PressureChanged.Connect(func(ev PressureEvent) {
		p.EmitNewEvent(journal.EventPressureChanged, map[string]interface{}{
			"source":   ev.Source,
			"pressure": ev.Pressure,
		})
	})
	p.disconnect = append(p.disconnect, func() { pr.PressureChanged.Disconnect(pressureID) })
}

func (p *Pipette) onAutoBiasChanged(ev AutoBiasEvent) {
	p.mu.Lock()
	tag := journal.EventAutoBiasTargetChanged
	if p.autoBias == nil || p.autoBias.Enabled != ev.Enabled {
		tag = journal.EventAutoBiasEnabled
	}
	p.autoBias = &ev
	p.mu.Unlock()
	p.EmitNewEvent(tag, map[string]interface{}{
		"enabled": ev.Enabled,
		"target":  ev.Target,
	})
}

func (p *Pipette) Name() string {
	return p.name
}

func (p *Pipette) Headstage() int {
	return p.hs
}

func (p *Pipette) Config() config.Pipette {
	return p.cfg
}

func (p *Pipette) Clamp() *Clamp {
	return p.clamp
}

func (p *Pipette) Pressure() *Pressure {
	return p.pressure
}

// Close destroys the clamp and pressure devices of the pipette
func (p *Pipette) Close() error {
	for _, d := range p.disconnect {
		d()
	}
	p.disconnect = nil
	perr := p.pressure.Close()
	if err := p.clamp.Close(); err != nil {
		return err
	}
	return perr
}

// EmitNewEvent builds the journal record of an event, writes it to the
// journal and emits it to the listeners. Event times never decrease.
func (p *Pipette) EmitNewEvent(tag string, payload map[string]interface{}) journal.Event {
	p.mu.Lock()
	t := float64(p.now().UnixNano()) / 1e9
	if t < p.lastEventTime {
		t = p.lastEventTime
	}
	p.lastEventTime = t
	e := journal.NewEvent(p.name, t, tag, payload)
	if p.journal != nil {
		if err := p.journal.Write(e); err != nil {
			log.Error("Failed to write %s event of %s: %s", tag, p.name, err)
		}
	}
	p.mu.Unlock()
	p.NewEvent.Emit(e)
	return e
}

// SetActive activates or deactivates the headstage on the host
func (p *Pipette) SetActive(ctx context.Context, active bool) error {
	if err := p.bridge.ActivateHeadstage(ctx, p.hs, active); err != nil {
		return err
	}
	p.mu.Lock()
	changed := p.active != active
	p.active = active
	p.mu.Unlock()
	if changed {
		p.EmitNewEvent(journal.EventActiveChanged, map[string]interface{}{"active": active})
	}
	return nil
}

func (p *Pipette) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SetSelected makes the headstage the selected one on the host
func (p *Pipette) SetSelected(ctx context.Context) error {
	return p.bridge.SelectHeadstage(ctx, p.hs)
}

// RecordMove journals the start or the end of a pipette move
func (p *Pipette) RecordMove(start bool, position [3]float64) journal.Event {
	tag := journal.EventMoveStop
	if start {
		tag = journal.EventMoveStart
	}
	return p.EmitNewEvent(tag, map[string]interface{}{"position": position})
}

func (p *Pipette) SetTarget(target [3]float64) journal.Event {
	return p.EmitNewEvent(journal.EventTargetChanged, map[string]interface{}{"target": target})
}

func (p *Pipette) SetPipetteTransform(globalPosition [3]float64) journal.Event {
	return p.EmitNewEvent(journal.EventPipetteTransformChanged, map[string]interface{}{"globalPosition": globalPosition})
}

// SetState records a change of the patch state machine
func (p *Pipette) SetState(newState string) journal.Event {
	p.mu.Lock()
	old := p.state
	p.state = newState
	p.mu.Unlock()
	return p.EmitNewEvent(journal.EventStateChange, map[string]interface{}{
		"state":     newState,
		"old_state": old,
	})
}

func (p *Pipette) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
