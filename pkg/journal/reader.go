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

package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/timeseries"
)

// Use is a classification of events for indexing
type Use string

const (
	UseEvent            Use = "event"
	UsePosition         Use = "position"
	UsePressure         Use = "pressure"
	UsePipetteTransform Use = "pipette_transform"
	UseStateChange      Use = "state_change"
	UseAutoBiasTarget   Use = "auto_bias_target"
	UseTarget           Use = "target"
	UseTestPulse        Use = "test_pulse"
)

var usesByEvent = map[string][]Use{
	EventMoveStart:               {UseEvent, UsePosition},
	EventMoveStop:                {UseEvent, UsePosition},
	EventPressureChanged:         {UseEvent, UsePressure},
	EventPipetteTransformChanged: {UseEvent, UsePipetteTransform},
	EventStateChange:             {UseEvent, UseStateChange},
	EventAutoBiasEnabled:         {UseEvent, UseAutoBiasTarget},
	EventAutoBiasTargetChanged:   {UseEvent, UseAutoBiasTarget},
	EventTargetChanged:           {UseEvent, UseTarget},
	EventTestPulse:               {UseEvent, UseTestPulse},
}

// UsesFor returns the uses an event tag is indexed under
func UsesFor(event string) []Use {
	if uses, ok := usesByEvent[event]; ok {
		return uses
	}
	return []Use{UseEvent}
}

// PositionResolution of the per device position series in seconds
const PositionResolution = 1.0

var booleanFields = []string{"clean", "broken", "active", "enabled"}

type EventRow struct {
	EventTime float64
	Event     string
	IsTrue    bool
}

type PositionRow struct {
	EventTime float64
	X, Y, Z   float64
}

type PressureRow struct {
	EventTime float64
	Pressure  float64
	Source    string
}

type TransformRow struct {
	EventTime  float64
	GX, GY, GZ float64
}

type StateChangeRow struct {
	EventTime float64
	State     string
	OldState  string
}

type AutoBiasTargetRow struct {
	EventTime float64
	Target    float64
}

// DeviceLog holds the parsed records of one device, one slice per use
type DeviceLog struct {
	Events            []EventRow
	Positions         []PositionRow
	Pressures         []PressureRow
	PipetteTransforms []TransformRow
	StateChanges      []StateChangeRow
	AutoBiasTargets   []AutoBiasTargetRow
	Targets           []PositionRow
	TestPulses        []testpulse.Row
	// Track interpolates the pipette position over time
	Track *timeseries.Series[[3]float64]
}

// Len returns the number of records indexed under use
func (d *DeviceLog) Len(use Use) int {
	switch use {
	case UseEvent:
		return len(d.Events)
	case UsePosition:
		return len(d.Positions)
	case UsePressure:
		return len(d.Pressures)
	case UsePipetteTransform:
		return len(d.PipetteTransforms)
	case UseStateChange:
		return len(d.StateChanges)
	case UseAutoBiasTarget:
		return len(d.AutoBiasTargets)
	case UseTarget:
		return len(d.Targets)
	case UseTestPulse:
		return len(d.TestPulses)
	}
	return 0
}

// ErrMalformedLine returned for lines which are not JSON objects with the required keys
type ErrMalformedLine struct {
	Line int
	What string
}

func (e ErrMalformedLine) Error() string {
	return fmt.Sprintf("Malformed journal line %d: %s", e.Line, e.What)
}

type record struct {
	device    string
	eventTime float64
	event     string
	fields    map[string]interface{}
}

// Log is a parsed journal
type Log struct {
	devices map[string]*DeviceLog
	first   float64
	last    float64
	empty   bool
}

// Read parses the journal file at path
func Read(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func parseLines(r io.Reader) ([]record, error) {
	var records []record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), ",\r\n \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			return nil, ErrMalformedLine{Line: n, What: err.Error()}
		}
		device, ok := fields[DeviceKey].(string)
		if !ok {
			return nil, ErrMalformedLine{Line: n, What: "missing device"}
		}
		eventTime, ok := fields[EventTimeKey].(float64)
		if !ok {
			return nil, ErrMalformedLine{Line: n, What: "missing event_time"}
		}
		event, ok := fields[EventKey].(string)
		if !ok {
			return nil, ErrMalformedLine{Line: n, What: "missing event"}
		}
		records = append(records, record{device: device, eventTime: eventTime, event: event, fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Parse reads every record, then indexes the records of each device by use
func Parse(r io.Reader) (*Log, error) {
	records, err := parseLines(r)
	if err != nil {
		return nil, err
	}

	counts := map[string]map[Use]int{}
	for _, rec := range records {
		c, ok := counts[rec.device]
		if !ok {
			c = map[Use]int{}
			counts[rec.device] = c
		}
		for _, use := range UsesFor(rec.event) {
			c[use]++
		}
	}

	l := &Log{devices: map[string]*DeviceLog{}, empty: len(records) == 0}
	for device, c := range counts {
		l.devices[device] = &DeviceLog{
			Events:            make([]EventRow, 0, c[UseEvent]),
			Positions:         make([]PositionRow, 0, c[UsePosition]),
			Pressures:         make([]PressureRow, 0, c[UsePressure]),
			PipetteTransforms: make([]TransformRow, 0, c[UsePipetteTransform]),
			StateChanges:      make([]StateChangeRow, 0, c[UseStateChange]),
			AutoBiasTargets:   make([]AutoBiasTargetRow, 0, c[UseAutoBiasTarget]),
			Targets:           make([]PositionRow, 0, c[UseTarget]),
			TestPulses:        make([]testpulse.Row, 0, c[UseTestPulse]),
			Track:             timeseries.NewVector(true, PositionResolution),
		}
	}

	for i, rec := range records {
		if i == 0 || rec.eventTime < l.first {
			l.first = rec.eventTime
		}
		if i == 0 || rec.eventTime > l.last {
			l.last = rec.eventTime
		}
		d := l.devices[rec.device]
		for _, use := range UsesFor(rec.event) {
			if err := d.add(use, rec); err != nil {
				return nil, fmt.Errorf("device %s: %w", rec.device, err)
			}
		}
	}
	return l, nil
}

func (d *DeviceLog) add(use Use, rec record) error {
	t := rec.eventTime
	switch use {
	case UseEvent:
		d.Events = append(d.Events, EventRow{EventTime: t, Event: rec.event, IsTrue: isTrue(rec.fields)})
	case UsePosition:
		p := vector(rec.fields["position"])
		d.Positions = append(d.Positions, PositionRow{EventTime: t, X: p[0], Y: p[1], Z: p[2]})
		if err := d.Track.Set(t, p); err != nil {
			return err
		}
	case UsePressure:
		source, _ := rec.fields["source"].(string)
		d.Pressures = append(d.Pressures, PressureRow{EventTime: t, Pressure: number(rec.fields["pressure"]), Source: source})
	case UsePipetteTransform:
		g := vector(rec.fields["globalPosition"])
		d.PipetteTransforms = append(d.PipetteTransforms, TransformRow{EventTime: t, GX: g[0], GY: g[1], GZ: g[2]})
	case UseStateChange:
		st, _ := rec.fields["state"].(string)
		old, _ := rec.fields["old_state"].(string)
		d.StateChanges = append(d.StateChanges, StateChangeRow{EventTime: t, State: st, OldState: old})
	case UseAutoBiasTarget:
		target := number(rec.fields["target"])
		if enabled, ok := rec.fields["enabled"].(bool); ok && !enabled {
			target = math.NaN()
		}
		d.AutoBiasTargets = append(d.AutoBiasTargets, AutoBiasTargetRow{EventTime: t, Target: target})
	case UseTarget:
		p := vector(rec.fields["target"])
		d.Targets = append(d.Targets, PositionRow{EventTime: t, X: p[0], Y: p[1], Z: p[2]})
	case UseTestPulse:
		a := testpulse.Analysis{}
		for _, f := range testpulse.AnalysisFields {
			a[f] = number(rec.fields[f])
		}
		d.TestPulses = append(d.TestPulses, testpulse.NewRow(t, a))
	}
	return nil
}

func isTrue(fields map[string]interface{}) bool {
	present := false
	result := false
	for _, f := range booleanFields {
		v, ok := fields[f]
		if !ok {
			continue
		}
		present = true
		if b, ok := v.(bool); ok && b {
			result = true
		}
	}
	return !present || result
}

func number(v interface{}) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return math.NaN()
}

func vector(v interface{}) [3]float64 {
	out := [3]float64{math.NaN(), math.NaN(), math.NaN()}
	items, ok := v.([]interface{})
	if !ok {
		return out
	}
	for i := 0; i < len(items) && i < 3; i++ {
		out[i] = number(items[i])
	}
	return out
}

// Devices returns the device names sorted
func (l *Log) Devices() []string {
	names := make([]string, 0, len(l.devices))
	for name := range l.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Device returns the records of a device
func (l *Log) Device(name string) (*DeviceLog, bool) {
	d, ok := l.devices[name]
	return d, ok
}

// DeviceState is the reconstructed state of a device at some time
type DeviceState struct {
	Position *[3]float64
}

// State reconstructs every device state at time t
func (l *Log) State(t float64) map[string]DeviceState {
	result := make(map[string]DeviceState, len(l.devices))
	for name, d := range l.devices {
		st := DeviceState{}
		if p, ok := d.Track.At(t); ok {
			st.Position = &p
		}
		result[name] = st
	}
	return result
}

// FirstTime returns the earliest event time, NaN for an empty log
func (l *Log) FirstTime() float64 {
	if l.empty {
		return math.NaN()
	}
	return l.first
}

// LastTime returns the latest event time, NaN for an empty log
func (l *Log) LastTime() float64 {
	if l.empty {
		return math.NaN()
	}
	return l.last
}
