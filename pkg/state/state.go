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

package state

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.etcd.io/bbolt"
	"sigs.k8s.io/yaml"

	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/types"
	"jinr.ru/greenlab/go-mies/pkg/units"
)

const (
	AmpBucketPrefix      = "amp_"
	PressureBucketPrefix = "pressure_"

	ModeKey           = "mode"
	PressureSourceKey = "source"
	PressureValueKey  = "pressure"
)

// Amplifier fields mirrored from the host
const (
	HoldingPotential       = "HoldingPotential"
	HoldingPotentialEnable = "HoldingPotentialEnable"
	BiasCurrent            = "BiasCurrent"
	BiasCurrentEnable      = "BiasCurrentEnable"
	BridgeBalance          = "BridgeBalance"
	BridgeBalanceEnable    = "BridgeBalanceEnable"
	PipetteOffsetVC        = "PipetteOffsetVC"
	PipetteOffsetIC        = "PipetteOffsetIC"
	WholeCellCap           = "WholeCellCap"
	Correction             = "Correction"
	RSCompChaining         = "RSCompChaining"
	CapNeut                = "CapNeut"
	CapNeutEnable          = "CapNeutEnable"
	AutoBiasEnable         = "AutoBiasEnable"
	AutoBiasVcom           = "AutoBiasVcom"
	AutoBiasVcomVariance   = "AutoBiasVcomVariance"
	AutoBiasIbiasmax       = "AutoBiasIbiasmax"
)

// FieldUpdate is a single field of a clamp_state_changed notification, in host units
type FieldUpdate struct {
	Unit  string      `json:"unit"`
	Value interface{} `json:"value"`
}

// Changes reports which derived values are affected by an update
type Changes struct {
	Fields    []string
	HoldingVC bool
	HoldingIC bool
	AutoBias  bool
}

func (c Changes) Empty() bool {
	return len(c.Fields) == 0
}

type ErrBadValue struct {
	Field string
	What  string
}

func (e ErrBadValue) Error() string {
	return fmt.Sprintf("Bad value for field %s: %s", e.Field, e.What)
}

// Cache mirrors amplifier and pressure state per headstage.
// Values are stored in SI units.
type Cache struct {
	DB       *bbolt.DB
	tempPath string
}

// Open opens the cache database at path. An empty path creates a temporary
// file which is removed by Close.
func Open(path string) (*Cache, error) {
	c := &Cache{}
	if path == "" {
		f, err := os.CreateTemp("", "go-mies-state-*.db")
		if err != nil {
			return nil, err
		}
		path = f.Name()
		f.Close()
		c.tempPath = path
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		if c.tempPath != "" {
			os.Remove(c.tempPath)
		}
		return nil, err
	}
	c.DB = db
	return c, nil
}

// Close closes the database
func (c *Cache) Close() error {
	err := c.DB.Close()
	if c.tempPath != "" {
		if rerr := os.Remove(c.tempPath); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func ampBucket(hs int) []byte {
	return []byte(fmt.Sprintf("%s%d", AmpBucketPrefix, hs))
}

func pressureBucket(hs int) []byte {
	return []byte(fmt.Sprintf("%s%d", PressureBucketPrefix, hs))
}

// AddHeadstage creates the buckets for a headstage
func (c *Cache) AddHeadstage(hs int) error {
	return c.DB.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(ampBucket(hs)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(pressureBucket(hs))
		return err
	})
}

// Coerce converts a host field value into the stored representation:
// bool for On/Off, float for percent, SI float otherwise.
func Coerce(field string, u FieldUpdate) (interface{}, error) {
	switch u.Unit {
	case units.OnOff:
		switch v := u.Value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "on", "true", "1":
				return true, nil
			case "off", "false", "0":
				return false, nil
			}
			return nil, ErrBadValue{Field: field, What: v}
		}
		f, err := toFloat(field, u.Value)
		if err != nil {
			return nil, err
		}
		return f != 0, nil
	case units.Percent:
		f, err := toFloat(field, u.Value)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	f, err := toFloat(field, u.Value)
	if err != nil {
		return nil, err
	}
	si, err := units.ToSI(f, u.Unit)
	if err != nil {
		return nil, err
	}
	return si, nil
}

func toFloat(field string, value interface{}) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case bool:
		if v {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, ErrBadValue{Field: field, What: v}
		}
		f = parsed
	default:
		return 0, ErrBadValue{Field: field, What: fmt.Sprintf("%T", value)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrBadValue{Field: field, What: "not finite"}
	}
	return f, nil
}

func encode(v interface{}) ([]byte, error) {
	return yaml.Marshal(v)
}

func decode(b []byte) (interface{}, error) {
	var v interface{}
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Apply stores a set of field updates for a headstage and reports the
// fields whose stored value actually changed.
func (c *Cache) Apply(hs int, fields map[string]FieldUpdate) (Changes, error) {
	changes := Changes{}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	err := c.DB.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(ampBucket(hs))
		if err != nil {
			return err
		}
		for _, name := range names {
			if name == ModeKey {
				continue
			}
			value, err := Coerce(name, fields[name])
			if err != nil {
				log.Warning("Skipping field %s of headstage %d: %s", name, hs, err)
				continue
			}
			encoded, err := encode(value)
			if err != nil {
				return err
			}
			if old := b.Get([]byte(name)); old != nil && string(old) == string(encoded) {
				continue
			}
			if err := b.Put([]byte(name), encoded); err != nil {
				return err
			}
			changes.Fields = append(changes.Fields, name)
			switch {
			case strings.HasPrefix(name, HoldingPotential):
				changes.HoldingVC = true
			case strings.HasPrefix(name, BiasCurrent):
				changes.HoldingIC = true
			case name == AutoBiasEnable || name == AutoBiasVcom:
				changes.AutoBias = true
			}
		}
		return nil
	})
	return changes, err
}

func (c *Cache) get(bucket []byte, key string) (interface{}, bool) {
	var raw []byte
	_ = c.DB.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = append([]byte{}, v...)
		}
		return nil
	})
	if raw == nil {
		return nil, false
	}
	v, err := decode(raw)
	if err != nil {
		log.Error("Corrupted state value %s/%s: %s", bucket, key, err)
		return nil, false
	}
	return v, true
}

func (c *Cache) put(bucket []byte, key string, value interface{}) (bool, error) {
	encoded, err := encode(value)
	if err != nil {
		return false, err
	}
	changed := false
	err = c.DB.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		if old := b.Get([]byte(key)); old != nil && string(old) == string(encoded) {
			return nil
		}
		changed = true
		return b.Put([]byte(key), encoded)
	})
	return changed, err
}

// Float returns a numeric field in SI units
func (c *Cache) Float(hs int, field string) (float64, bool) {
	v, ok := c.get(ampBucket(hs), field)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Bool returns an On/Off field
func (c *Cache) Bool(hs int, field string) (bool, bool) {
	v, ok := c.get(ampBucket(hs), field)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// SetMode stores the confirmed clamp mode and reports whether it changed
func (c *Cache) SetMode(hs int, mode types.ClampMode) (bool, error) {
	return c.put(ampBucket(hs), ModeKey, string(mode))
}

// Mode returns the last confirmed clamp mode or ModeNil
func (c *Cache) Mode(hs int) types.ClampMode {
	v, ok := c.get(ampBucket(hs), ModeKey)
	if !ok {
		return types.ModeNil
	}
	s, _ := v.(string)
	return types.ClampMode(s)
}

// Holding returns the holding value of mode in SI units; 0 when the
// corresponding enable field is false or unknown.
func (c *Cache) Holding(hs int, mode types.ClampMode) float64 {
	var field string
	switch mode {
	case types.ModeVC:
		field = HoldingPotential
	case types.ModeIC:
		field = BiasCurrent
	default:
		return 0
	}
	if enabled, _ := c.Bool(hs, field+"Enable"); !enabled {
		return 0
	}
	v, _ := c.Float(hs, field)
	return v
}

// AutoBias returns the host auto-bias enable flag and target potential
func (c *Cache) AutoBias(hs int) (bool, float64) {
	enabled, _ := c.Bool(hs, AutoBiasEnable)
	target, _ := c.Float(hs, AutoBiasVcom)
	return enabled, target
}

// Snapshot returns every stored field of a headstage
func (c *Cache) Snapshot(hs int) (map[string]interface{}, error) {
	raw := map[string][]byte{}
	if err := c.DB.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ampBucket(hs))
		if b == nil {
			return errors.New(fmt.Sprintf("Bucket not found: %s", ampBucket(hs)))
		}
		return b.ForEach(func(k, v []byte) error {
			raw[string(k)] = append([]byte{}, v...)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	result := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		value, err := decode(v)
		if err != nil {
			return nil, err
		}
		result[k] = value
	}
	return result, nil
}

// SetPressure commits an acknowledged pressure state and reports whether it changed
func (c *Cache) SetPressure(hs int, source string, pa float64) (bool, error) {
	srcChanged, err := c.put(pressureBucket(hs), PressureSourceKey, source)
	if err != nil {
		return false, err
	}
	valChanged, err := c.put(pressureBucket(hs), PressureValueKey, pa)
	if err != nil {
		return false, err
	}
	return srcChanged || valChanged, nil
}

// Pressure returns the last acknowledged pressure state in Pa
func (c *Cache) Pressure(hs int) (string, float64, bool) {
	src, ok := c.get(pressureBucket(hs), PressureSourceKey)
	if !ok {
		return "", 0, false
	}
	pa, ok := c.get(pressureBucket(hs), PressureValueKey)
	if !ok {
		return "", 0, false
	}
	s, _ := src.(string)
	f, _ := pa.(float64)
	return s, f, true
}
