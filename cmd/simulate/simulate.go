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

package simulate

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jinr.ru/greenlab/go-mies/pkg/command"
	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/sim"
)

func NewCommand(cfg *config.Config) *cobra.Command {
	var deviceName, address string
	var port int
	var headstages []int
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated MIES host",
		Long: "Run a simulated MIES host listening on the configured host address. " +
			"Headstages default to the configured pipettes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address != "" {
				cfg.Host.Address = address
			}
			if port != 0 {
				cfg.Host.Port = port
			}
			if len(headstages) == 0 {
				for _, p := range cfg.Pipettes {
					headstages = append(headstages, p.HeadstageID())
				}
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return command.StartSimulator(ctx, cfg, deviceName, headstages)
		},
	}
	cmd.Flags().StringVar(&deviceName, "device", sim.DefaultDevice, "Locked device name")
	cmd.Flags().IntSliceVar(&headstages, "headstage", nil, "Headstages of the device, may be repeated")
	cmd.Flags().StringVar(&address, "address", "", "Address to bind, the config host address by default")
	cmd.Flags().IntVar(&port, "port", 0, "Port to bind, the config host port by default")
	return cmd
}
