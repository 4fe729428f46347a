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
	"sync"

	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/log"
)

var (
	instanceMu sync.Mutex
	instance   *Bridge
	tornDown   bool
)

// Init creates the process wide bridge. Calling Init again returns the
// existing bridge; after Teardown it fails with ErrTornDown.
func Init(transport host.Transport, opts Options) (*Bridge, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if tornDown {
		return nil, ErrTornDown
	}
	if instance != nil {
		return instance, nil
	}
	b, err := NewBridge(transport, opts)
	if err != nil {
		return nil, err
	}
	instance = b
	return instance, nil
}

// Instance returns the process wide bridge
func Instance() (*Bridge, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if tornDown {
		return nil, ErrTornDown
	}
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// Teardown closes the process wide bridge. It is safe to call more than once.
func Teardown() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		if err := instance.Close(); err != nil {
			log.Warning("Error while closing MIES bridge: %s", err)
		}
		instance = nil
	}
	tornDown = true
}
