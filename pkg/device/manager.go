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
	"sort"
	"sync"

	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/device/ifc"
	"jinr.ru/greenlab/go-mies/pkg/journal"
	"jinr.ru/greenlab/go-mies/pkg/log"
)

// Manager owns the pipettes of a session and the session journal
type Manager struct {
	bridge  ifc.Bridge
	journal *journal.Writer

	mu       sync.RWMutex
	pipettes map[string]*Pipette
	byHS     map[int]string
}

// NewManager creates every pipette of cfg. w may be nil to disable the journal.
func NewManager(ctx context.Context, cfg *config.Config, bridge ifc.Bridge, w *journal.Writer) (*Manager, error) {
	m := &Manager{
		bridge:   bridge,
		journal:  w,
		pipettes: map[string]*Pipette{},
		byHS:     map[int]string{},
	}
	for _, p := range cfg.Pipettes {
		if _, err := m.AddPipette(ctx, *p); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// AddPipette creates a pipette. Headstages can not be shared.
func (m *Manager) AddPipette(ctx context.Context, cfg config.Pipette) (*Pipette, error) {
	hs := cfg.HeadstageID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if other, ok := m.byHS[hs]; ok {
		return nil, ErrHeadstageInUse{Headstage: hs, Device: other}
	}
	if _, ok := m.pipettes[cfg.Name]; ok {
		return nil, config.ErrInvalidConfig{What: "duplicate pipette name " + cfg.Name}
	}
	var j ifc.Journal
	if m.journal != nil {
		j = m.journal.Acquire()
	}
	p, err := NewPipette(ctx, cfg, m.bridge, j)
	if err != nil {
		if m.journal != nil {
			m.journal.Release()
		}
		return nil, err
	}
	m.pipettes[cfg.Name] = p
	m.byHS[hs] = cfg.Name
	log.Info("Pipette %s bound to headstage %d", cfg.Name, hs)
	return p, nil
}

// RemovePipette closes a pipette and releases its headstage
func (m *Manager) RemovePipette(name string) error {
	m.mu.Lock()
	p, ok := m.pipettes[name]
	if ok {
		delete(m.pipettes, name)
		delete(m.byHS, p.Headstage())
	}
	m.mu.Unlock()
	if !ok {
		return ErrDeviceNotFound{Name: name}
	}
	return m.release(p)
}

func (m *Manager) release(p *Pipette) error {
	err := p.Close()
	if m.journal != nil {
		if jerr := m.journal.Release(); jerr != nil && err == nil {
			err = jerr
		}
	}
	return err
}

func (m *Manager) Pipette(name string) (*Pipette, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipettes[name]
	if !ok {
		return nil, ErrDeviceNotFound{Name: name}
	}
	return p, nil
}

// Pipettes returns the pipettes sorted by name
func (m *Manager) Pipettes() []*Pipette {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Pipette, 0, len(m.pipettes))
	for _, p := range m.pipettes {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Close destroys every pipette
func (m *Manager) Close() {
	for _, p := range m.Pipettes() {
		if err := m.RemovePipette(p.Name()); err != nil {
			log.Warning("Error while closing pipette %s: %s", p.Name(), err)
		}
	}
}
