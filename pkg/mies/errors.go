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

import (
	"errors"
	"fmt"

	"jinr.ru/greenlab/go-mies/pkg/types"
)

var (
	ErrNotInitialized = errors.New("MIES bridge is not initialized")
	ErrTornDown       = errors.New("MIES bridge has been torn down")
)

// ErrNoHolding returned when a holding value is written in a mode without one
type ErrNoHolding struct {
	Mode types.ClampMode
}

func (e ErrNoHolding) Error() string {
	return fmt.Sprintf("No holding value in clamp mode %q", e.Mode)
}

type ErrUnexpectedResult struct {
	Procedure string
	Err       error
}

func (e ErrUnexpectedResult) Error() string {
	return fmt.Sprintf("Unexpected result of %s: %s", e.Procedure, e.Err)
}
