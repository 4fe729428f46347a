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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := NewDefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultPollInterval, c.Host.PollInterval.Duration)
	p, ok := c.Pipette(DefaultPipetteName)
	require.True(t, ok)
	assert.Equal(t, 0, p.HeadstageID())
	_, ok = c.Pipette("nope")
	assert.False(t, ok)
}

func TestPersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config")
	c := NewDefaultConfig()
	c.SetPath(path)
	hs := 3
	c.Pipettes = append(c.Pipettes, &Pipette{Name: "patch2", Headstage: &hs})
	c.Host.CallTimeout = Duration{1500 * time.Millisecond}
	require.NoError(t, c.Persist(false))

	err := c.Persist(false)
	var exists ErrConfigFileExists
	require.True(t, errors.As(err, &exists))
	assert.Equal(t, path, exists.Path)
	require.NoError(t, c.Persist(true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "callTimeout: 1.5s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded.Path())
	require.Len(t, loaded.Pipettes, 2)
	assert.Equal(t, 3, loaded.Pipettes[1].HeadstageID())
	assert.Equal(t, 1500*time.Millisecond, loaded.Host.CallTimeout.Duration)
}

func TestLoadDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(`
host:
  port: 9000
  pollInterval: 50ms
  noDataInterval: 1000000000
pipettes:
- name: a
  headstage: 1
`), 0644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, c.Host.Port)
	assert.Equal(t, 50*time.Millisecond, c.Host.PollInterval.Duration)
	assert.Equal(t, time.Second, c.Host.NoDataInterval.Duration)
	assert.Equal(t, DefaultCallTimeout, c.Host.CallTimeout.Duration)
	assert.Equal(t, DefaultApiPort, c.Api.Port)

	require.NoError(t, os.WriteFile(path, []byte("host:\n  pollInterval: soon\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	zero, one, negative := 0, 1, -1
	for name, pipettes := range map[string][]*Pipette{
		"unnamed":   {{Headstage: &zero}},
		"duplicate": {{Name: "a", Headstage: &zero}, {Name: "a", Headstage: &one}},
		"missing":   {{Name: "a"}},
		"negative":  {{Name: "a", Headstage: &negative}},
		"shared":    {{Name: "a", Headstage: &one}, {Name: "b", Headstage: &one}},
	} {
		t.Run(name, func(t *testing.T) {
			c := NewDefaultConfig()
			c.Pipettes = pipettes
			var invalid ErrInvalidConfig
			assert.True(t, errors.As(c.Validate(), &invalid))
		})
	}

	c := NewDefaultConfig()
	c.Host.Port = 0
	assert.Error(t, c.Validate())
}
