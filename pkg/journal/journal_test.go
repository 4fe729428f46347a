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
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jinr.ru/greenlab/go-mies/pkg/testpulse"
	"jinr.ru/greenlab/go-mies/pkg/timeseries"
)

func writeEvents(t *testing.T, events ...Event) *bytes.Buffer {
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	for _, e := range events {
		require.NoError(t, w.Write(e))
	}
	return buf
}

func TestReadback(t *testing.T) {
	buf := writeEvents(t,
		NewEvent("P1", 1.0, EventStateChange, map[string]interface{}{"state": "b", "old_state": "a"}),
		NewEvent("P1", 2.0, EventMoveStart, map[string]interface{}{"position": [3]float64{0, 0, 0}}),
		NewEvent("P1", 3.0, EventMoveStop, map[string]interface{}{"position": [3]float64{1, 2, 3}}),
	)
	l, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, l.Devices())

	d, ok := l.Device("P1")
	require.True(t, ok)
	assert.Equal(t, []StateChangeRow{{EventTime: 1.0, State: "b", OldState: "a"}}, d.StateChanges)
	assert.Len(t, d.Positions, 2)
	assert.Len(t, d.Events, 3)

	p, ok := d.Track.At(2.5)
	require.True(t, ok)
	assert.InDelta(t, 0.5, p[0], 1e-9)
	assert.InDelta(t, 1.0, p[1], 1e-9)
	assert.InDelta(t, 1.5, p[2], 1e-9)

	assert.Equal(t, 1.0, l.FirstTime())
	assert.Equal(t, 3.0, l.LastTime())
}

func TestOutOfOrderPositions(t *testing.T) {
	buf := writeEvents(t,
		NewEvent("P1", 2.0, EventMoveStart, map[string]interface{}{"position": [3]float64{0, 0, 0}}),
		NewEvent("P1", 1.5, EventMoveStop, map[string]interface{}{"position": [3]float64{1, 1, 1}}),
	)
	_, err := Parse(buf)
	var ooo timeseries.ErrOutOfOrderInsert
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, 1.5, ooo.Got)
}

func TestClassification(t *testing.T) {
	all := []Use{UseEvent, UsePosition, UsePressure, UsePipetteTransform,
		UseStateChange, UseAutoBiasTarget, UseTarget, UseTestPulse}
	cases := []struct {
		tag     string
		payload map[string]interface{}
		uses    []Use
	}{
		{"move_start", map[string]interface{}{"position": []float64{1, 2, 3}}, []Use{UseEvent, UsePosition}},
		{"move_stop", map[string]interface{}{"position": []float64{1, 2, 3}}, []Use{UseEvent, UsePosition}},
		{"pressure_changed", map[string]interface{}{"source": "user", "pressure": 10.0}, []Use{UseEvent, UsePressure}},
		{"pipette_transform_changed", map[string]interface{}{"globalPosition": []float64{1, 2, 3}}, []Use{UseEvent, UsePipetteTransform}},
		{"state_change", map[string]interface{}{"state": "bath", "old_state": "out"}, []Use{UseEvent, UseStateChange}},
		{"auto_bias_enabled", map[string]interface{}{"enabled": true, "target": -0.07}, []Use{UseEvent, UseAutoBiasTarget}},
		{"auto_bias_target_changed", map[string]interface{}{"enabled": true, "target": -0.06}, []Use{UseEvent, UseAutoBiasTarget}},
		{"target_changed", map[string]interface{}{"target": []float64{1, 2, 3}}, []Use{UseEvent, UseTarget}},
		{"test_pulse", map[string]interface{}{testpulse.Capacitance: 1e-11}, []Use{UseEvent, UseTestPulse}},
		{"clamp_state_change", map[string]interface{}{"mode": "VC"}, []Use{UseEvent}},
		{"holding_changed", map[string]interface{}{"mode": "VC", "holding": -0.07}, []Use{UseEvent}},
		{"test_pulse_enabled", map[string]interface{}{"enabled": false}, []Use{UseEvent}},
		{"active_changed", map[string]interface{}{"active": true}, []Use{UseEvent}},
		{"custom_event", map[string]interface{}{}, []Use{UseEvent}},
	}
	for _, c := range cases {
		assert.ElementsMatch(t, c.uses, UsesFor(c.tag), c.tag)

		buf := writeEvents(t, NewEvent("P1", 1.0, c.tag, c.payload))
		l, err := Parse(buf)
		require.NoError(t, err, c.tag)
		d, ok := l.Device("P1")
		require.True(t, ok, c.tag)

		want := map[Use]bool{}
		for _, use := range c.uses {
			want[use] = true
		}
		for _, use := range all {
			expected := 0
			if want[use] {
				expected = 1
			}
			assert.Equal(t, expected, d.Len(use), "%s in %s", c.tag, use)
		}
	}
}

func TestParsedPayloads(t *testing.T) {
	buf := writeEvents(t,
		NewEvent("P1", 1.0, EventPressureChanged, map[string]interface{}{"source": "regulator", "pressure": 6894.76}),
		NewEvent("P1", 2.0, EventAutoBiasEnabled, map[string]interface{}{"enabled": false, "target": -0.07}),
		NewEvent("P1", 3.0, EventAutoBiasTargetChanged, map[string]interface{}{"enabled": true, "target": -0.08}),
		NewEvent("P1", 4.0, EventTestPulse, map[string]interface{}{
			testpulse.Capacitance:    2e-11,
			testpulse.PeakResistance: math.NaN(),
		}),
		NewEvent("P1", 5.0, EventTestPulseEnabled, map[string]interface{}{"enabled": false}),
		NewEvent("P2", 5.0, EventTargetChanged, map[string]interface{}{"target": [3]float64{4, 5, 6}}),
	)
	l, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, l.Devices())

	d, _ := l.Device("P1")
	assert.Equal(t, []PressureRow{{EventTime: 1.0, Pressure: 6894.76, Source: "regulator"}}, d.Pressures)
	require.Len(t, d.AutoBiasTargets, 2)
	assert.True(t, math.IsNaN(d.AutoBiasTargets[0].Target), "disabled auto bias has no target")
	assert.Equal(t, -0.08, d.AutoBiasTargets[1].Target)

	require.Len(t, d.TestPulses, 1)
	assert.Equal(t, 2e-11, d.TestPulses[0].Get(testpulse.Capacitance))
	assert.True(t, math.IsNaN(d.TestPulses[0].Get(testpulse.PeakResistance)))
	assert.True(t, math.IsNaN(d.TestPulses[0].Get(testpulse.FitExpTau)))

	last := d.Events[len(d.Events)-1]
	assert.Equal(t, EventTestPulseEnabled, last.Event)
	assert.False(t, last.IsTrue)
	assert.True(t, d.Events[0].IsTrue, "events without boolean fields are true")

	p2, _ := l.Device("P2")
	assert.Equal(t, []PositionRow{{EventTime: 5.0, X: 4, Y: 5, Z: 6}}, p2.Targets)
}

func TestEventEncoding(t *testing.T) {
	e := NewEvent("P1", 1.5, EventTestPulse, map[string]interface{}{
		"extra":                  "x",
		testpulse.Capacitance:    math.Inf(1),
		testpulse.FitExpAmp:      1.0,
		testpulse.PeakResistance: 2.0,
	})
	raw, err := e.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t,
		`{"device":"P1","event_time":1.5,"event":"test_pulse","peakResistance":2,"fitExpAmp":1,"capacitance":null,"extra":"x"}`,
		string(raw))

	line := writeEvents(t, e).String()
	assert.True(t, strings.HasSuffix(line, "},\n"))
	assert.Equal(t, 1, strings.Count(line, "\n"))
}

func TestMalformedLines(t *testing.T) {
	_, err := Parse(strings.NewReader("{\"device\":\"P1\",\"event_time\":1,\"event\":\"x\"},\nnot json\n"))
	assert.Equal(t, 2, err.(ErrMalformedLine).Line)

	_, err = Parse(strings.NewReader(`{"event_time":1,"event":"x"}`))
	assert.IsType(t, ErrMalformedLine{}, err)

	l, err := Parse(strings.NewReader("\n\n"))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(l.FirstTime()))
	assert.Empty(t, l.Devices())
}

func TestWriterLifetime(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(w.Path()), FilePrefix))
	assert.True(t, strings.HasSuffix(w.Path(), FileSuffix))

	w.Acquire()
	w.Acquire()
	require.NoError(t, w.Write(NewEvent("P1", 1, EventActiveChanged, map[string]interface{}{"active": true})))
	require.NoError(t, w.Release())
	require.NoError(t, w.Write(NewEvent("P1", 2, EventActiveChanged, map[string]interface{}{"active": false})))
	require.NoError(t, w.Release())
	assert.ErrorIs(t, w.Write(NewEvent("P1", 3, EventActiveChanged, nil)), os.ErrClosed)
	require.NoError(t, w.Close())

	l, err := Read(w.Path())
	require.NoError(t, err)
	d, _ := l.Device("P1")
	require.Len(t, d.Events, 2)
	assert.True(t, d.Events[0].IsTrue)
	assert.False(t, d.Events[1].IsTrue)
}

func TestView(t *testing.T) {
	buf := writeEvents(t,
		NewEvent("P1", 2.0, EventMoveStart, map[string]interface{}{"position": [3]float64{0, 0, 0}}),
		NewEvent("P1", 3.0, EventMoveStop, map[string]interface{}{"position": [3]float64{1, 2, 3}}),
		NewEvent("P2", 2.5, EventStateChange, map[string]interface{}{"state": "bath"}),
	)
	l, err := Parse(buf)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	require.NoError(t, WriteSummary(out, l, 3))
	text := out.String()
	assert.Contains(t, text, "time range:")
	assert.Contains(t, text, "P1")
	assert.Contains(t, text, "P2")
	assert.Contains(t, text, "(1, 2, 3)")

	out.Reset()
	require.NoError(t, WriteState(out, l, 2.5))
	assert.Contains(t, out.String(), "(0.5, 1, 1.5)")
	assert.Contains(t, out.String(), "-")

	empty, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, WriteSummary(out, empty, 3))
	assert.Contains(t, out.String(), "empty log")
}
