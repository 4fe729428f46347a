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
	"bytes"
	"encoding/json"
	"math"
	"sort"

	"jinr.ru/greenlab/go-mies/pkg/testpulse"
)

// Event tags
const (
	EventMoveStart               = "move_start"
	EventMoveStop                = "move_stop"
	EventPressureChanged         = "pressure_changed"
	EventPipetteTransformChanged = "pipette_transform_changed"
	EventStateChange             = "state_change"
	EventAutoBiasEnabled         = "auto_bias_enabled"
	EventAutoBiasTargetChanged   = "auto_bias_target_changed"
	EventTargetChanged           = "target_changed"
	EventTestPulse               = "test_pulse"
	EventClampStateChange        = "clamp_state_change"
	EventHoldingChanged          = "holding_changed"
	EventTestPulseEnabled        = "test_pulse_enabled"
	EventActiveChanged           = "active_changed"
)

// Required keys of every record
const (
	DeviceKey    = "device"
	EventTimeKey = "event_time"
	EventKey     = "event"
)

// Event is a journal record. Fields holds the event specific payload.
type Event struct {
	Device    string
	EventTime float64
	Event     string
	Fields    map[string]interface{}
}

// NewEvent builds an event, copying payload
func NewEvent(device string, eventTime float64, tag string, payload map[string]interface{}) Event {
	fields := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		fields[k] = v
	}
	return Event{Device: device, EventTime: eventTime, Event: tag, Fields: fields}
}

func (e Event) orderedKeys() []string {
	var keys []string
	seen := map[string]bool{DeviceKey: true, EventTimeKey: true, EventKey: true}
	if e.Event == EventTestPulse {
		for _, f := range testpulse.AnalysisFields {
			if _, ok := e.Fields[f]; ok {
				keys = append(keys, f)
				seen[f] = true
			}
		}
	}
	var rest []string
	for k := range e.Fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// MarshalJSON writes device, event_time and event first, then the analysis
// fields of test pulse records in schema order, then the remaining keys
// sorted. Non-finite numbers are written as null.
func (e Event) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	write := func(key string, value interface{}) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(sanitize(value))
		if err != nil {
			return err
		}
		buf.Write(v)
		return nil
	}
	if err := write(DeviceKey, e.Device); err != nil {
		return nil, err
	}
	if err := write(EventTimeKey, e.EventTime); err != nil {
		return nil, err
	}
	if err := write(EventKey, e.Event); err != nil {
		return nil, err
	}
	for _, k := range e.orderedKeys() {
		if err := write(k, e.Fields[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func sanitizeFloat(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func sanitize(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		return sanitizeFloat(t)
	case float32:
		return sanitizeFloat(float64(t))
	case [3]float64:
		return []interface{}{sanitizeFloat(t[0]), sanitizeFloat(t[1]), sanitizeFloat(t[2])}
	case []float64:
		out := make([]interface{}, len(t))
		for i, f := range t {
			out[i] = sanitizeFloat(f)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = sanitize(x)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, x := range t {
			out[k] = sanitize(x)
		}
		return out
	case testpulse.Analysis:
		out := make(map[string]interface{}, len(t))
		for k, x := range t {
			out[k] = sanitizeFloat(x)
		}
		return out
	}
	return v
}
