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

// Package timeseries indexes (time, value) records for lookup at arbitrary
// times, optionally with linear interpolation between neighbours.
package timeseries

import (
	"fmt"
	"math"
	"sort"
)

const DefaultResolution = 1.0

// MaxIndexBuckets bounds the bucket index. Lookups past the indexed range use
// binary search.
const MaxIndexBuckets = 1 << 16

// ErrOutOfOrderInsert returned when a record is older than the last stored one
type ErrOutOfOrderInsert struct {
	Last float64
	Got  float64
}

func (e ErrOutOfOrderInsert) Error() string {
	return fmt.Sprintf("Out of order insert: time %g is earlier than last stored time %g", e.Got, e.Last)
}

// Lerp blends a and b: s=0 gives a, s=1 gives b.
type Lerp[V any] func(a, b V, s float64) V

// Series is a monotone sequence of (t, v) records. index[i] holds the
// position of the first record at or after t0 + i*resolution.
type Series[V any] struct {
	resolution float64
	lerp       Lerp[V]
	times      []float64
	values     []V
	index      []int
}

// New creates a series without interpolation. Lookups return the value of
// the record at or before t.
func New[V any](resolution float64) *Series[V] {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Series[V]{resolution: resolution}
}

// NewInterpolated creates a series that blends neighbouring values with lerp.
func NewInterpolated[V any](resolution float64, lerp Lerp[V]) *Series[V] {
	s := New[V](resolution)
	s.lerp = lerp
	return s
}

// NewScalar creates a series of float64 values.
func NewScalar(interpolate bool, resolution float64) *Series[float64] {
	if !interpolate {
		return New[float64](resolution)
	}
	return NewInterpolated(resolution, LerpScalar)
}

// NewVector creates a series of fixed length 3-tuples, e.g. positions.
func NewVector(interpolate bool, resolution float64) *Series[[3]float64] {
	if !interpolate {
		return New[[3]float64](resolution)
	}
	return NewInterpolated(resolution, LerpVector)
}

// NewSlice creates a series of numeric slices blended element-wise.
// All stored slices are expected to have the same length.
func NewSlice(interpolate bool, resolution float64) *Series[[]float64] {
	if !interpolate {
		return New[[]float64](resolution)
	}
	return NewInterpolated(resolution, LerpSlice)
}

func LerpScalar(a, b float64, s float64) float64 {
	return a*(1-s) + b*s
}

func LerpVector(a, b [3]float64, s float64) [3]float64 {
	var out [3]float64
	for i := range out {
		out[i] = a[i]*(1-s) + b[i]*s
	}
	return out
}

func LerpSlice(a, b []float64, s float64) []float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = a[i]*(1-s) + b[i]*s
	}
	return out
}

// Interpolating reports whether lookups blend neighbouring values.
func (s *Series[V]) Interpolating() bool {
	return s.lerp != nil
}

func (s *Series[V]) Len() int {
	return len(s.times)
}

func (s *Series[V]) FirstTime() float64 {
	if len(s.times) == 0 {
		return math.NaN()
	}
	return s.times[0]
}

func (s *Series[V]) LastTime() float64 {
	if len(s.times) == 0 {
		return math.NaN()
	}
	return s.times[len(s.times)-1]
}

func (s *Series[V]) bucket(t float64) int {
	return int(math.Floor((t - s.times[0]) / s.resolution))
}

// Set appends the record (t, v). t must not be earlier than the last stored time.
func (s *Series[V]) Set(t float64, v V) error {
	n := len(s.times)
	if n > 0 && t < s.times[n-1] {
		return ErrOutOfOrderInsert{Last: s.times[n-1], Got: t}
	}
	s.times = append(s.times, t)
	s.values = append(s.values, v)
	if n == 0 {
		s.index = append(s.index[:0], 0)
		return nil
	}
	// every bucket opened by t starts at the new record
	if b := s.bucket(t); b < MaxIndexBuckets {
		for len(s.index) <= b {
			s.index = append(s.index, n)
		}
	}
	if last := s.index[len(s.index)-1]; last > len(s.times)-1 {
		panic(fmt.Sprintf("timeseries: index points past the end: %d > %d", last, len(s.times)-1))
	}
	return nil
}

// At returns the value at time t. The second result is false when the series
// is empty or t precedes the first record.
func (s *Series[V]) At(t float64) (V, bool) {
	var zero V
	n := len(s.times)
	if n == 0 || t < s.times[0] {
		return zero, false
	}
	if t >= s.times[n-1] {
		return s.values[n-1], true
	}

	var i int
	if b := s.bucket(t); b < len(s.index) {
		i = s.index[b]
		if i >= n {
			i = n - 1
		}
		for i > 0 && s.times[i] > t {
			i--
		}
		for i+1 < n && s.times[i+1] <= t {
			i++
		}
	} else {
		i = sort.Search(n, func(j int) bool { return s.times[j] > t }) - 1
	}

	if s.lerp == nil {
		return s.values[i], true
	}
	t1, t2 := s.times[i], s.times[i+1]
	if t2 == t1 {
		return s.values[i], true
	}
	frac := (t - t1) / (t2 - t1)
	frac = math.Max(0, math.Min(1, frac))
	return s.lerp(s.values[i], s.values[i+1], frac), true
}

// Records returns copies of the stored times and values.
func (s *Series[V]) Records() ([]float64, []V) {
	times := make([]float64, len(s.times))
	copy(times, s.times)
	values := make([]V, len(s.values))
	copy(values, s.values)
	return times, values
}
