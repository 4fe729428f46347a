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

package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jinr.ru/greenlab/go-mies/pkg/command"
	"jinr.ru/greenlab/go-mies/pkg/config"
)

const (
	HostAddressOptionName = "host-address"
	HostPortOptionName    = "host-port"
	ApiAddressOptionName  = "api-address"
	ApiPortOptionName     = "api-port"
)

func NewCommand(cfg *config.Config) *cobra.Command {
	var hostAddress, apiAddress string
	var hostPort, apiPort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to a MIES host and serve the pipette API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostAddress != "" {
				cfg.Host.Address = hostAddress
			}
			if hostPort != 0 {
				cfg.Host.Port = hostPort
			}
			if apiAddress != "" {
				cfg.Api.Address = apiAddress
			}
			if apiPort != 0 {
				cfg.Api.Port = apiPort
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return command.StartBridgeServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&hostAddress, HostAddressOptionName, "", fmt.Sprintf("MIES host address. E.g. %s", config.DefaultHostAddress))
	cmd.Flags().IntVar(&hostPort, HostPortOptionName, 0, fmt.Sprintf("MIES host port. E.g. %d", config.DefaultHostPort))
	cmd.Flags().StringVar(&apiAddress, ApiAddressOptionName, "", fmt.Sprintf("API address to bind. E.g. %s", config.DefaultApiAddress))
	cmd.Flags().IntVar(&apiPort, ApiPortOptionName, 0, fmt.Sprintf("API port to bind. E.g. %d", config.DefaultApiPort))
	return cmd
}
