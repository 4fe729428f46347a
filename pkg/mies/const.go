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

import "time"

// Host procedures
const (
	ProcGetLockedDevices     = "GetListOfLockedDevices"
	ProcSelectHeadstage      = "DAP_SelectHeadstage"
	ProcActivateHeadstage    = "DAP_ActivateHeadstage"
	ProcIsHeadstageActive    = "DAP_IsHeadstageActive"
	ProcChangeHeadstageMode  = "DAP_ChangeHeadStageMode"
	ProcGetAmpState          = "AI_GetAmpState"
	ProcWriteToAmp           = "AI_WriteToAmp"
	ProcAutoPipetteOffset    = "AI_AutoPipetteOffset"
	ProcAutoBridgeBalance    = "AI_AutoBridgeBalance"
	ProcAutoCapComp          = "AI_AutoCapComp"
	ProcStartStopTestPulse   = "TPM_StartStopTestPulse"
	ProcGetLatestPulse       = "TP_GetLatestPulse"
	ProcSetTestPulseParams   = "TP_SetParameters"
	ProcGetPressureAndSource = "P_GetPressureAndSource"
	ProcSetPressureAndSource = "P_SetPressureAndSource"
	ProcSetManualPressure    = "P_SetManualPressure"
	ProcGetManualPressure    = "P_GetManualPressure"
)

// Host units of amplifier fields written through AI_WriteToAmp
var HostUnits = map[string]string{
	"HoldingPotential":     "mV",
	"BiasCurrent":          "pA",
	"BridgeBalance":        "MΩ",
	"PipetteOffsetVC":      "mV",
	"PipetteOffsetIC":      "mV",
	"WholeCellCap":         "pF",
	"CapNeut":              "pF",
	"AutoBiasVcom":         "mV",
	"AutoBiasVcomVariance": "mV",
	"AutoBiasIbiasmax":     "pA",
	"Correction":           "%",
}

const (
	DefaultCallTimeout    = 10 * time.Second
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultNoDataInterval = 2 * time.Second

	// ManualPressureTimeout bounds the echo check of SetManualPressure
	ManualPressureTimeout = time.Second
	manualPressurePoll    = 50 * time.Millisecond

	// manual pressure echo tolerance in psi
	pressureTolerance = 1e-6
)
