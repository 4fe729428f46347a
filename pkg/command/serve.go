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

	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/device"
	"jinr.ru/greenlab/go-mies/pkg/host"
	"jinr.ru/greenlab/go-mies/pkg/journal"
	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/mies"
	"jinr.ru/greenlab/go-mies/pkg/sim"
	"jinr.ru/greenlab/go-mies/pkg/srv/api"
)

// BridgeOptions builds the bridge options from the host configuration
func BridgeOptions(cfg *config.Config) mies.Options {
	return mies.Options{
		CallTimeout:    cfg.Host.CallTimeout.Duration,
		PollInterval:   cfg.Host.PollInterval.Duration,
		NoDataInterval: cfg.Host.NoDataInterval.Duration,
		StateDBPath:    cfg.StateDBPath,
	}
}

// StartBridgeServer connects to the host, creates the configured pipettes
// and serves the REST API until ctx is done.
func StartBridgeServer(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	transport := host.NewHTTPTransport(cfg.Host.Address, cfg.Host.Port)
	return serve(ctx, cfg, transport)
}

func serve(ctx context.Context, cfg *config.Config, transport host.Transport) error {
	bridge, err := mies.Init(transport, BridgeOptions(cfg))
	if err != nil {
		return err
	}
	defer mies.Teardown()

	window, err := bridge.ActiveWindow(ctx)
	if err != nil {
		return err
	}
	log.Info("MIES window: %s", window)

	w, err := journal.Create(cfg.LogDir)
	if err != nil {
		return err
	}
	defer w.Close()

	mgr, err := device.NewManager(ctx, cfg, bridge, w)
	if err != nil {
		return err
	}
	defer mgr.Close()

	s, err := api.NewApiServer(ctx, cfg, mgr)
	if err != nil {
		return err
	}
	return s.Run()
}

// StartSimulator serves a simulated host with the given headstages until ctx is done
func StartSimulator(ctx context.Context, cfg *config.Config, deviceName string, headstages []int) error {
	h := sim.NewHost(deviceName, headstages...)
	return sim.NewServer(h).ListenAndServe(ctx, cfg.Host.Address, cfg.Host.Port)
}
