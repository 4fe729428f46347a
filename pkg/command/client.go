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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/imroc/req"

	"jinr.ru/greenlab/go-mies/pkg/command/ifc"
	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/srv/api"
)

type ApiClient struct {
	*config.Config
	ApiPrefix string
}

var _ ifc.ApiClient = &ApiClient{}

func NewApiClient(cfg *config.Config) *ApiClient {
	return &ApiClient{
		Config:    cfg,
		ApiPrefix: fmt.Sprintf("http://%s:%d%s", cfg.Api.Address, cfg.Api.Port, api.ApiPrefix),
	}
}

func (c *ApiClient) pipetteUrl(pipette, path string) string {
	return fmt.Sprintf("%s/pipettes/%s/%s", c.ApiPrefix, url.PathEscape(pipette), path)
}

// check turns a non 200 response into an error carrying the server message
func check(r *req.Resp) error {
	if r.Response().StatusCode == http.StatusOK {
		return nil
	}
	msg := strings.TrimSpace(r.String())
	if msg == "" {
		return errors.New(r.Response().Status)
	}
	return fmt.Errorf("%s: %s", r.Response().Status, msg)
}

func (c *ApiClient) get(u string, v interface{}) error {
	r, err := req.Get(u)
	if err != nil {
		return err
	}
	if err := check(r); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return r.ToJSON(v)
}

func (c *ApiClient) post(u string, body interface{}) error {
	r, err := req.Post(u, req.BodyJSON(body))
	if err != nil {
		return err
	}
	return check(r)
}

// Pipettes lists the pipettes served by the bridge
func (c *ApiClient) Pipettes() ([]api.PipetteInfo, error) {
	var infos []api.PipetteInfo
	if err := c.get(c.ApiPrefix+"/pipettes", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *ApiClient) State(pipette string) (*api.ClampInfo, error) {
	info := &api.ClampInfo{}
	if err := c.get(c.pipetteUrl(pipette, "state"), info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *ApiClient) SetMode(pipette, mode string) error {
	return c.post(c.pipetteUrl(pipette, "mode"), &api.ModeSetup{Mode: mode})
}

// Holding returns the holding of mode, of the current mode when mode is empty
func (c *ApiClient) Holding(pipette, mode string) (*api.Holding, error) {
	u := c.pipetteUrl(pipette, "holding")
	if mode != "" {
		u += "?mode=" + url.QueryEscape(mode)
	}
	h := &api.Holding{}
	if err := c.get(u, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (c *ApiClient) SetHolding(pipette, mode string, value float64) error {
	return c.post(c.pipetteUrl(pipette, "holding"), &api.HoldingSetup{Mode: mode, Value: value})
}

func (c *ApiClient) AutoBias(pipette string) (*api.AutoBias, error) {
	ab := &api.AutoBias{}
	if err := c.get(c.pipetteUrl(pipette, "autobias"), ab); err != nil {
		return nil, err
	}
	return ab, nil
}

func (c *ApiClient) SetAutoBias(pipette string, setup *api.AutoBiasSetup) error {
	return c.post(c.pipetteUrl(pipette, "autobias"), setup)
}

func (c *ApiClient) Pressure(pipette string) (*api.Pressure, error) {
	p := &api.Pressure{}
	if err := c.get(c.pipetteUrl(pipette, "pressure"), p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetPressure sends a source and/or pressure in Pa. Nil keeps the current value.
func (c *ApiClient) SetPressure(pipette string, source *string, pressure *float64) error {
	return c.post(c.pipetteUrl(pipette, "pressure"), &api.PressureSetup{Source: source, Pressure: pressure})
}

func (c *ApiClient) SetActive(pipette string, active bool) error {
	return c.post(c.pipetteUrl(pipette, "active"), &api.ActiveSetup{Active: active})
}

// TestPulse starts or stops the test pulse, action is start or stop
func (c *ApiClient) TestPulse(pipette, action string) error {
	return c.get(c.pipetteUrl(pipette, "testpulse/"+action), nil)
}

func (c *ApiClient) History(pipette string) ([]api.HistoryRow, error) {
	var rows []api.HistoryRow
	if err := c.get(c.pipetteUrl(pipette, "history"), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *ApiClient) ResetHistory(pipette string) error {
	r, err := req.Delete(c.pipetteUrl(pipette, "history"))
	if err != nil {
		return err
	}
	return check(r)
}
