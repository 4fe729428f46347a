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

package device

import (
	"fmt"
)

// ErrInvalidSource returned when a pressure source is not one of the host sources
type ErrInvalidSource struct {
	Source string
}

func (e ErrInvalidSource) Error() string {
	return fmt.Sprintf("Invalid pressure source: %s", e.Source)
}

type ErrHeadstageInUse struct {
	Headstage int
	Device    string
}

func (e ErrHeadstageInUse) Error() string {
	return fmt.Sprintf("Headstage %d is already used by %s", e.Headstage, e.Device)
}

type ErrInvalidHeadstage struct {
	Headstage int
}

func (e ErrInvalidHeadstage) Error() string {
	return fmt.Sprintf("Invalid headstage: %d", e.Headstage)
}

type ErrDeviceNotFound struct {
	Name string
}

func (e ErrDeviceNotFound) Error() string {
	return fmt.Sprintf("Device not found: %s", e.Name)
}
