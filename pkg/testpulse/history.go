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

package testpulse

import (
	"fmt"
	"math"
	"sync"
)

const InitialHistoryCapacity = 1024

// Row is a history entry: event time and analysis values in AnalysisFields order
type Row struct {
	EventTime float64
	Values    [9]float64
}

// Get returns the value of an analysis field or NaN for unknown fields
func (r Row) Get(field string) float64 {
	for i, f := range AnalysisFields {
		if f == field {
			return r.Values[i]
		}
	}
	return math.NaN()
}

// Analysis converts the row back into an analysis map
func (r Row) Analysis() Analysis {
	a := make(Analysis, len(AnalysisFields))
	for i, f := range AnalysisFields {
		a[f] = r.Values[i]
	}
	return a
}

// NewRow builds a row from an analysis. Missing or non-finite values are NaN.
func NewRow(eventTime float64, a Analysis) Row {
	row := Row{EventTime: eventTime}
	for i, f := range AnalysisFields {
		v, ok := a[f]
		if !ok {
			v = math.NaN()
		}
		row.Values[i] = finite(v)
	}
	return row
}

type ErrHistoryOrder struct {
	Last float64
	Got  float64
}

func (e ErrHistoryOrder) Error() string {
	return fmt.Sprintf("Test pulse history event time %v is before last %v", e.Got, e.Last)
}

// History is a growable buffer of analysis rows ordered by event time.
type History struct {
	mu   sync.RWMutex
	rows []Row
}

func NewHistory() *History {
	return &History{rows: make([]Row, 0, InitialHistoryCapacity)}
}

// Append adds a row, doubling the capacity when the buffer is full
func (h *History) Append(row Row) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.rows); n > 0 && row.EventTime < h.rows[n-1].EventTime {
		return ErrHistoryOrder{Last: h.rows[n-1].EventTime, Got: row.EventTime}
	}
	if len(h.rows) == cap(h.rows) {
		grown := make([]Row, len(h.rows), 2*cap(h.rows))
		copy(grown, h.rows)
		h.rows = grown
	}
	h.rows = append(h.rows, row)
	return nil
}

// Snapshot returns a copy of the stored rows
func (h *History) Snapshot() []Row {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Row, len(h.rows))
	copy(out, h.rows)
	return out
}

// Reset drops every row and returns to the initial capacity
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = make([]Row, 0, InitialHistoryCapacity)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rows)
}

func (h *History) Cap() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cap(h.rows)
}

// Last returns the most recent row
func (h *History) Last() (Row, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.rows) == 0 {
		return Row{}, false
	}
	return h.rows[len(h.rows)-1], true
}
