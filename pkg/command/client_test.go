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

package command

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/device"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/sim"
	"jinr.ru/greenlab/go-mies/pkg/srv/api"
	"jinr.ru/greenlab/go-mies/pkg/types"
)

func newClient(t *testing.T) *ApiClient {
	h := sim.NewHost(sim.DefaultDevice, 0)
	cfg := config.NewDefaultConfig()
	cfg.Host.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Host.NoDataInterval = config.Duration{Duration: 20 * time.Millisecond}
	b, err := mies.NewBridge(sim.NewTransport(h), BridgeOptions(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr, err := device.NewManager(ctx, cfg, b, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	s, err := api.NewApiServer(ctx, cfg, mgr)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	cfg.Api.Address = u.Hostname()
	cfg.Api.Port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewApiClient(cfg)
}

func TestClientState(t *testing.T) {
	c := newClient(t)
	name := config.DefaultPipetteName

	infos, err := c.Pipettes()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, name, infos[0].Name)

	info, err := c.State(name)
	require.NoError(t, err)
	assert.Equal(t, "VC", info.Mode)
	assert.InDelta(t, -0.07, info.Holding, 1e-12)

	require.NoError(t, c.SetHolding(name, "", -0.06))
	assert.Eventually(t, func() bool {
		h, err := c.Holding(name, "VC")
		return err == nil && h.Value > -0.0600001 && h.Value < -0.0599999
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetMode(name, "IC"))
	assert.Eventually(t, func() bool {
		info, err := c.State(name)
		return err == nil && info.Mode == "IC"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = c.State("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Error(t, c.SetMode(name, "XX"))
}

func TestClientAutoBiasAndPressure(t *testing.T) {
	c := newClient(t)
	name := config.DefaultPipetteName

	enabled := true
	require.NoError(t, c.SetAutoBias(name, &api.AutoBiasSetup{Enabled: &enabled, Linked: true}))
	assert.Eventually(t, func() bool {
		ab, err := c.AutoBias(name)
		return err == nil && ab.Enabled && ab.Target == nil
	}, 2*time.Second, 10*time.Millisecond)

	target := -0.065
	require.NoError(t, c.SetAutoBias(name, &api.AutoBiasSetup{Target: &target}))
	ab, err := c.AutoBias(name)
	require.NoError(t, err)
	require.NotNil(t, ab.Target)

	source, pa := types.SourceRegulator, 1000.0
	require.NoError(t, c.SetPressure(name, &source, &pa))
	p, err := c.Pressure(name)
	require.NoError(t, err)
	assert.Equal(t, types.SourceRegulator, p.Source)
	assert.InDelta(t, 1000, p.Pressure, 1e-6)
}

func TestClientTestPulse(t *testing.T) {
	c := newClient(t)
	name := config.DefaultPipetteName

	require.NoError(t, c.SetActive(name, true))
	infos, err := c.Pipettes()
	require.NoError(t, err)
	assert.True(t, infos[0].Active)

	require.NoError(t, c.TestPulse(name, "start"))
	assert.Eventually(t, func() bool {
		rows, err := c.History(name)
		return err == nil && len(rows) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.TestPulse(name, "stop"))

	rows, err := c.History(name)
	require.NoError(t, err)
	assert.Contains(t, rows[0].Analysis, "steadyStateResistance")
	require.NoError(t, c.ResetHistory(name))
}
