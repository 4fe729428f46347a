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
	"errors"
	"fmt"
)

var (
	// ErrHostUnavailable returned when there is no host process to connect to.
	// Callers must not retry blindly.
	ErrHostUnavailable = errors.New("Host unavailable")
	// ErrHostTimeout returned when a blocking call does not complete in time
	ErrHostTimeout = errors.New("Host call timed out")
	// ErrHostExiting returned for calls submitted after Quit
	ErrHostExiting = errors.New("Host bridge is exiting")
)

const (
	// CodeTransport is the code of ErrHostCallFailed raised after a failed reconnection
	CodeTransport = -1
)

// ErrHostCallFailed returned when the host executed the call and reported an error
type ErrHostCallFailed struct {
	Procedure string
	Code      int
	Message   string
}

func (e *ErrHostCallFailed) Error() string {
	return fmt.Sprintf("Host call %s failed with code %d: %s", e.Procedure, e.Code, e.Message)
}

// ErrTransport returned by transports when the channel to the host is broken.
// The bridge reconnects once when it sees this error.
type ErrTransport struct {
	What string
	Err  error
}

func (e *ErrTransport) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Transport error: %s: %s", e.What, e.Err)
	}
	return fmt.Sprintf("Transport error: %s", e.What)
}

func (e *ErrTransport) Unwrap() error {
	return e.Err
}

// IsCallFailed reports whether err is an ErrHostCallFailed and returns it
func IsCallFailed(err error) (*ErrHostCallFailed, bool) {
	var cf *ErrHostCallFailed
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}
