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
	"math"

	"jinr.ru/greenlab/go-mies/pkg/types"
)

// Analysis fields in journal schema order. Units: V, A, Ω, Ω, -, s, -, s, F.
const (
	BaselinePotential     = "baselinePotential"
	BaselineCurrent       = "baselineCurrent"
	PeakResistance        = "peakResistance"
	SteadyStateResistance = "steadyStateResistance"
	FitExpAmp             = "fitExpAmp"
	FitExpTau             = "fitExpTau"
	FitExpYOffset         = "fitExpYOffset"
	FitExpXOffset         = "fitExpXOffset"
	Capacitance           = "capacitance"
)

var AnalysisFields = []string{
	BaselinePotential,
	BaselineCurrent,
	PeakResistance,
	SteadyStateResistance,
	FitExpAmp,
	FitExpTau,
	FitExpYOffset,
	FitExpXOffset,
	Capacitance,
}

// Analysis maps analysis field names to values. Values that could not be
// computed are NaN.
type Analysis map[string]float64

// Copy returns a copy of a merged with overrides
func (a Analysis) Copy(overrides map[string]float64) Analysis {
	c := make(Analysis, len(a)+len(overrides))
	for k, v := range a {
		c[k] = v
	}
	for k, v := range overrides {
		c[k] = v
	}
	return c
}

const steadyStateFraction = 0.2

func mean(s []float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

// Analyze measures baseline, resistances, the exponential relaxation of the
// response and the cell capacitance.
func Analyze(r *Record) Analysis {
	a := Analysis{}
	for _, f := range AnalysisFields {
		a[f] = math.NaN()
	}
	primary := r.Primary.Samples
	start, stop := r.StartIndex, r.StopIndex
	if start <= 0 || stop <= start || stop > len(primary) {
		return a
	}

	baseline := mean(primary[:start])
	pulse := primary[start:stop]

	peakIndex := 0
	peak := 0.0
	for i, v := range pulse {
		if d := v - baseline; math.Abs(d) > math.Abs(peak) {
			peak = d
			peakIndex = i
		}
	}
	ssLen := int(math.Ceil(float64(len(pulse)) * steadyStateFraction))
	ssLevel := mean(pulse[len(pulse)-ssLen:])
	steady := ssLevel - baseline

	// the current transient decays from its peak, the potential relaxes
	// from the first sample of the pulse
	fitStart := peakIndex
	if r.Mode != types.ModeVC {
		fitStart = 0
	}
	amp, tau := fitExp(pulse[fitStart:], ssLevel, r.Primary.SamplePeriod)
	a[FitExpAmp] = finite(amp)
	a[FitExpTau] = finite(tau)
	a[FitExpYOffset] = finite(ssLevel)
	a[FitExpXOffset] = finite(float64(start+fitStart) * r.Primary.SamplePeriod)

	if r.Mode == types.ModeVC {
		a[BaselinePotential] = finite(r.Extras[HoldingPotentialKey])
		a[BaselineCurrent] = finite(baseline)
		access := r.Amplitude / peak
		input := r.Amplitude / steady
		a[PeakResistance] = finite(access)
		a[SteadyStateResistance] = finite(input)
		membrane := input - access
		a[Capacitance] = finite(tau * (access + membrane) / (access * membrane))
	} else {
		a[BaselinePotential] = finite(baseline)
		a[BaselineCurrent] = finite(r.Extras[HoldingCurrentKey])
		access := (pulse[0] - baseline) / r.Amplitude
		input := steady / r.Amplitude
		a[PeakResistance] = finite(access)
		a[SteadyStateResistance] = finite(input)
		a[Capacitance] = finite(tau / (input - access))
	}
	return a
}

// fitExp fits y = yOffset + amp*exp(-t/tau) by linear regression on the
// log of the distance to yOffset. Samples on the far side of yOffset end the fit.
func fitExp(y []float64, yOffset, dt float64) (amp, tau float64) {
	nan := math.NaN()
	if len(y) < 3 || dt <= 0 {
		return nan, nan
	}
	sign := math.Copysign(1, y[0]-yOffset)
	var sx, sy, sxx, sxy float64
	n := 0
	for i, v := range y {
		d := (v - yOffset) * sign
		if d <= 0 {
			break
		}
		x := float64(i) * dt
		l := math.Log(d)
		sx += x
		sy += l
		sxx += x * x
		sxy += x * l
		n++
	}
	if n < 3 {
		return nan, nan
	}
	fn := float64(n)
	denom := fn*sxx - sx*sx
	if denom == 0 {
		return nan, nan
	}
	slope := (fn*sxy - sx*sy) / denom
	intercept := (sy - slope*sx) / fn
	if slope >= 0 {
		return nan, nan
	}
	return sign * math.Exp(intercept), -1 / slope
}
