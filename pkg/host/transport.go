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

package host

import (
	"context"
	"encoding/json"
)

// Notification types pushed by the host
const (
	NotifyClampModeChanged      = "clamp_mode_changed"
	NotifyClampStateChanged     = "clamp_state_changed"
	NotifyTestPulseStateChanged = "test_pulse_state_changed"
	NotifyPressureChanged       = "pressure_changed"
)

// Notification is an unsolicited message from the host about a device/headstage.
type Notification struct {
	Type      string          `json:"type"`
	Device    string          `json:"device"`
	Headstage int             `json:"headstage"`
	Payload   json.RawMessage `json:"payload"`
}

// Transport is a channel to the host process. All methods except
// Notifications are called from the bridge dispatch goroutine only.
type Transport interface {
	// Connect (re)establishes the channel. Returns ErrHostUnavailable
	// if there is no host to connect to.
	Connect(ctx context.Context) error
	// Call invokes procedure on the host and returns its raw JSON result.
	// Broken channels are reported as *ErrTransport.
	Call(ctx context.Context, procedure string, args ...interface{}) (json.RawMessage, error)
	// Notifications delivers notifications. The channel survives reconnects.
	Notifications() <-chan Notification
	Close() error
}
