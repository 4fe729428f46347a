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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration written as a string like "200ms"
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	d.Duration = time.Duration(ns)
	return nil
}

type HostConfig struct {
	Address        string   `json:"address"`
	Port           int      `json:"port"`
	CallTimeout    Duration `json:"callTimeout"`
	PollInterval   Duration `json:"pollInterval"`
	NoDataInterval Duration `json:"noDataInterval"`
}

type ApiConfig struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Pipette is the device mapping of a patch pipette
type Pipette struct {
	Name              string                 `json:"name"`
	Headstage         *int                   `json:"headstage"`
	PipetteDevice     string                 `json:"pipetteDevice,omitempty"`
	SonicatorDevice   string                 `json:"sonicatorDevice,omitempty"`
	StateManagerClass string                 `json:"stateManagerClass,omitempty"`
	TestPulse         map[string]interface{} `json:"testPulse,omitempty"`
}

// HeadstageID returns the configured headstage, -1 when it is missing
func (p *Pipette) HeadstageID() int {
	if p.Headstage == nil {
		return -1
	}
	return *p.Headstage
}

type Config struct {
	LogLevel    string     `json:"logLevel"`
	LogDir      string     `json:"logDir"`
	StateDBPath string     `json:"stateDBPath"`
	Host        HostConfig `json:"host"`
	Api         ApiConfig  `json:"api"`
	Pipettes    []*Pipette `json:"pipettes"`
	filepath    string
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return filepath.Join(home, ConfigDir, ConfigFile)
}

func NewDefaultConfig() *Config {
	hs := 0
	return &Config{
		LogLevel: DefaultLogLevel,
		LogDir:   DefaultLogDir,
		Host: HostConfig{
			Address:        DefaultHostAddress,
			Port:           DefaultHostPort,
			CallTimeout:    Duration{DefaultCallTimeout},
			PollInterval:   Duration{DefaultPollInterval},
			NoDataInterval: Duration{DefaultNoDataInterval},
		},
		Api: ApiConfig{
			Address: DefaultApiAddress,
			Port:    DefaultApiPort,
		},
		Pipettes: []*Pipette{
			{
				Name:      DefaultPipetteName,
				Headstage: &hs,
			},
		},
		filepath: DefaultConfigPath(),
	}
}

func (c *Config) Path() string {
	return c.filepath
}

func (c *Config) SetPath(path string) {
	c.filepath = path
}

func (c *Config) Persist(overwrite bool) error {
	if _, err := os.Stat(c.filepath); err == nil && !overwrite {
		return ErrConfigFileExists{Path: c.filepath}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.filepath)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filepath, data, 0644)
}

func (c *Config) Load() error {
	data, err := os.ReadFile(c.filepath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	return c.Validate()
}

// Load reads the config file at path on top of the defaults
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	c.Pipettes = nil
	c.filepath = path
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the pipette mappings
func (c *Config) Validate() error {
	names := map[string]bool{}
	headstages := map[int]string{}
	for i, p := range c.Pipettes {
		if p.Name == "" {
			return ErrInvalidConfig{What: fmt.Sprintf("pipette %d has no name", i)}
		}
		if names[p.Name] {
			return ErrInvalidConfig{What: fmt.Sprintf("duplicate pipette name %s", p.Name)}
		}
		names[p.Name] = true
		if p.Headstage == nil {
			return ErrInvalidConfig{What: fmt.Sprintf("pipette %s: headstage is required", p.Name)}
		}
		if *p.Headstage < 0 {
			return ErrInvalidConfig{What: fmt.Sprintf("pipette %s: headstage must be >= 0", p.Name)}
		}
		if other, ok := headstages[*p.Headstage]; ok {
			return ErrInvalidConfig{What: fmt.Sprintf("pipettes %s and %s share headstage %d", other, p.Name, *p.Headstage)}
		}
		headstages[*p.Headstage] = p.Name
	}
	if c.Host.Port <= 0 {
		return ErrInvalidConfig{What: "host port must be positive"}
	}
	return nil
}

// Pipette returns the mapping of a pipette by name
func (c *Config) Pipette(name string) (*Pipette, bool) {
	for _, p := range c.Pipettes {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}
