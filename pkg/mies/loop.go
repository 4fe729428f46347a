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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/layers"
	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/metrics"
	"jinr.ru/greenlab/go-mies/pkg/state"
	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/types"
	"jinr.ru/greenlab/go-mies/pkg/units"
)

type modePayload struct {
	Mode int `json:"mode"`
}

type testPulseStatePayload struct {
	Enabled bool `json:"enabled"`
}

// loop is the only goroutine emitting signals and mutating the state cache
// on behalf of notifications.
func (b *Bridge) loop() {
	defer close(b.loopDone)
	notifications := b.host.Notifications()
	for {
		select {
		case <-b.quit:
			return
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			b.handleNotification(n)
		case p := <-b.pulses:
			if b.exiting.Load() {
				continue
			}
			b.sigs.TestPulseReady.Emit(p)
		}
	}
}

func (b *Bridge) handleNotification(n host.Notification) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Notification handler failed for %s: %v", n.Type, r)
		}
	}()
	if b.exiting.Load() {
		metrics.NotificationsDropped.Inc()
		return
	}
	if w := b.CachedWindow(); w != "" && n.Device != "" && n.Device != w {
		log.Debug("Ignoring %s notification from %s", n.Type, n.Device)
		return
	}
	if err := b.dispatchNotification(n); err != nil {
		metrics.NotificationsDropped.Inc()
		log.Warning("Dropping %s notification of headstage %d: %s", n.Type, n.Headstage, err)
	}
}

func (b *Bridge) dispatchNotification(n host.Notification) error {
	switch n.Type {
	case host.NotifyClampModeChanged:
		p, err := decode[modePayload](n.Type, n.Payload)
		if err != nil {
			return err
		}
		mode, err := types.ModeFromIndex(p.Mode)
		if err != nil {
			return err
		}
		changed, err := b.cache.SetMode(n.Headstage, mode)
		if err != nil {
			return err
		}
		if changed {
			b.sigs.ClampModeChanged.Emit(ModeChange{Headstage: n.Headstage, Mode: mode})
		}
	case host.NotifyClampStateChanged:
		fields, err := decode[map[string]state.FieldUpdate](n.Type, n.Payload)
		if err != nil {
			return err
		}
		changes, err := b.cache.Apply(n.Headstage, fields)
		if err != nil {
			return err
		}
		b.sigs.ClampStateChanged.Emit(StateChange{Headstage: n.Headstage, Fields: fields, Changes: changes})
		if changes.HoldingVC {
			b.sigs.HoldingPotentialChanged.Emit(HoldingChange{
				Headstage: n.Headstage,
				Value:     b.cache.Holding(n.Headstage, types.ModeVC),
			})
		}
		if changes.HoldingIC {
			b.sigs.BiasCurrentChanged.Emit(HoldingChange{
				Headstage: n.Headstage,
				Value:     b.cache.Holding(n.Headstage, types.ModeIC),
			})
		}
	case host.NotifyTestPulseStateChanged:
		p, err := decode[testPulseStatePayload](n.Type, n.Payload)
		if err != nil {
			return err
		}
		if b.tpEnabled.Swap(p.Enabled) == p.Enabled {
			return nil
		}
		if p.Enabled {
			b.startPolling()
		} else {
			b.stopPolling()
		}
		b.sigs.TestPulseStateChanged.Emit(p.Enabled)
	case host.NotifyPressureChanged:
		p, err := decode[PressureReading](n.Type, n.Payload)
		if err != nil {
			return err
		}
		if !types.ValidPressureSource(p.Source) {
			return fmt.Errorf("invalid pressure source %q", p.Source)
		}
		pa := units.PSIToPa(p.Pressure)
		if _, err := b.cache.SetPressure(n.Headstage, p.Source, pa); err != nil {
			return err
		}
		b.sigs.PressureChanged.Emit(PressureChange{Headstage: n.Headstage, Source: p.Source, Pressure: pa})
	default:
		return fmt.Errorf("unknown notification type %q", n.Type)
	}
	return nil
}

func (b *Bridge) startPolling() {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()
	if b.pollStop != nil || b.exiting.Load() {
		return
	}
	b.pollStop = make(chan struct{})
	b.pollDone = make(chan struct{})
	go b.poll(b.pollStop, b.pollDone)
}

func (b *Bridge) stopPolling() {
	b.pollMu.Lock()
	stop, done := b.pollStop, b.pollDone
	b.pollStop, b.pollDone = nil, nil
	b.pollMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// poll samples the latest test pulse while the test pulse is enabled. It
// backs off to the no data interval when the host has nothing new.
func (b *Bridge) poll(stop, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	limiter := log.NewLimiter(testpulse.ErrorLogInterval)
	for {
		interval := b.opts.NoDataInterval
		payload, err := b.fetchPulse(ctx)
		switch {
		case err != nil:
			if errors.Is(err, host.ErrHostExiting) || ctx.Err() != nil {
				return
			}
			limiter.Warning("Failed to fetch test pulse: %s", err)
		case payload != nil:
			interval = b.opts.PollInterval
			select {
			case b.pulses <- *payload:
			case <-stop:
				return
			}
		}
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (b *Bridge) fetchPulse(ctx context.Context) (*testpulse.Payload, error) {
	raw, err := b.windowCall(ctx, ProcGetLatestPulse)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	frame, err := decode[[]byte](ProcGetLatestPulse, raw)
	if err != nil {
		return nil, err
	}
	tp, err := layers.DecodeTestPulseFrame(frame)
	if err != nil {
		return nil, err
	}
	return &testpulse.Payload{
		Metadata: json.RawMessage(tp.Metadata),
		Data:     tp.Data,
	}, nil
}
