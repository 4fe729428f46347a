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

// Package units evaluates the symbolic unit strings reported by the host
// (e.g. "mV", "pA", "MΩ") and converts between them and SI values.
package units

import (
	"fmt"
	"math"
	"strings"
)

const (
	// PaPerPSI is the exact conversion factor between psi and Pa used by the host.
	PaPerPSI = 6894.76

	// Special units which are not scaled.
	OnOff   = "On/Off"
	Percent = "%"
)

// ErrUnknownUnit returned when a unit string can not be evaluated
type ErrUnknownUnit struct {
	Unit string
}

func (e ErrUnknownUnit) Error() string {
	return fmt.Sprintf("Unknown unit: %q", e.Unit)
}

// prefixes maps SI prefixes to their decimal exponent
var prefixes = map[string]int{
	"T": 12,
	"G": 9,
	"M": 6,
	"k": 3,
	"":  0,
	"c": -2,
	"m": -3,
	"u": -6,
	"µ": -6,
	"μ": -6,
	"n": -9,
	"p": -12,
	"f": -15,
}

// base SI units recognized after an optional prefix, longest symbols first
var bases = []struct {
	symbol string
	base   string
}{
	{"Ohm", "Ω"},
	{"ohm", "Ω"},
	{"Hz", "Hz"},
	{"Pa", "Pa"},
	{"Ω", "Ω"},
	{"V", "V"},
	{"A", "A"},
	{"F", "F"},
	{"s", "s"},
	{"S", "S"},
	{"m", "m"},
}

// Unit is an evaluated unit string: value_SI = value * Scale.
type Unit struct {
	Symbol string
	Base   string
	Scale  float64
	// Exp is the decimal exponent of Scale for prefixed units
	Exp int
}

func (u Unit) toSI(value float64) float64 {
	switch {
	case u.Exp < 0:
		return value / math.Pow10(-u.Exp)
	case u.Exp > 0:
		return value * math.Pow10(u.Exp)
	}
	return value * u.Scale
}

func (u Unit) fromSI(value float64) float64 {
	switch {
	case u.Exp < 0:
		return value * math.Pow10(-u.Exp)
	case u.Exp > 0:
		return value / math.Pow10(u.Exp)
	}
	return value / u.Scale
}

// Parse evaluates a unit string such as "mV", "pA", "MΩ", "MOhm" or "pF".
// Dimensionless strings ("", "%", "On/Off") have scale 1.
func Parse(symbol string) (Unit, error) {
	s := strings.TrimSpace(symbol)
	switch s {
	case "", Percent, OnOff:
		return Unit{Symbol: symbol, Scale: 1}, nil
	case "psi":
		return Unit{Symbol: symbol, Base: "Pa", Scale: PaPerPSI}, nil
	}
	for _, b := range bases {
		if !strings.HasSuffix(s, b.symbol) {
			continue
		}
		exp, ok := prefixes[strings.TrimSuffix(s, b.symbol)]
		if !ok {
			continue
		}
		return Unit{Symbol: symbol, Base: b.base, Scale: math.Pow10(exp), Exp: exp}, nil
	}
	return Unit{}, ErrUnknownUnit{Unit: symbol}
}

// ToSI converts a value expressed in the given unit to SI.
func ToSI(value float64, symbol string) (float64, error) {
	u, err := Parse(symbol)
	if err != nil {
		return math.NaN(), err
	}
	return u.toSI(value), nil
}

// FromSI converts an SI value to the given unit.
func FromSI(value float64, symbol string) (float64, error) {
	u, err := Parse(symbol)
	if err != nil {
		return math.NaN(), err
	}
	return u.fromSI(value), nil
}

// PSIToPa converts psi to Pa.
func PSIToPa(psi float64) float64 {
	return psi * PaPerPSI
}

// PaToPSI converts Pa to psi.
func PaToPSI(pa float64) float64 {
	return pa / PaPerPSI
}
