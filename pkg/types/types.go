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

package types

import (
	"fmt"
)

// ClampMode is the amplifier mode of a headstage.
type ClampMode string

const (
	ModeVC  ClampMode = "VC"
	ModeIC  ClampMode = "IC"
	ModeI0  ClampMode = "I=0"
	ModeNil ClampMode = ""
)

var clampModes = []ClampMode{ModeVC, ModeIC, ModeI0}

// ErrUnknownClampMode returned when a mode name or host mode index is not recognized
type ErrUnknownClampMode struct {
	What string
}

func (e ErrUnknownClampMode) Error() string {
	return fmt.Sprintf("Unknown clamp mode: %s", e.What)
}

// ModeFromIndex maps the host clamp mode index (0=VC, 1=IC, 2=I=0) to a ClampMode.
func ModeFromIndex(i int) (ClampMode, error) {
	if i < 0 || i >= len(clampModes) {
		return ModeNil, ErrUnknownClampMode{What: fmt.Sprintf("%d", i)}
	}
	return clampModes[i], nil
}

// ParseClampMode validates a mode name.
func ParseClampMode(s string) (ClampMode, error) {
	for _, m := range clampModes {
		if string(m) == s {
			return m, nil
		}
	}
	return ModeNil, ErrUnknownClampMode{What: s}
}

// Index returns the host clamp mode index.
func (m ClampMode) Index() int {
	for i, mode := range clampModes {
		if mode == m {
			return i
		}
	}
	return -1
}

// IsVoltageClamp reports whether the holding value of the mode is a potential.
func (m ClampMode) IsVoltageClamp() bool {
	return m == ModeVC
}

// HoldingUnit is the SI unit of the holding value in this mode.
func (m ClampMode) HoldingUnit() string {
	if m.IsVoltageClamp() {
		return "V"
	}
	return "A"
}

// Pressure sources accepted by the host.
const (
	SourceAtmosphere = "atmosphere"
	SourceRegulator  = "regulator"
	SourceUser       = "user"
)

var PressureSources = []string{SourceAtmosphere, SourceRegulator, SourceUser}

// ValidPressureSource reports whether source is one of PressureSources.
func ValidPressureSource(source string) bool {
	for _, s := range PressureSources {
		if s == source {
			return true
		}
	}
	return false
}
