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

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"jinr.ru/greenlab/go-mies/cmd/completion"
	"jinr.ru/greenlab/go-mies/cmd/config"
	"jinr.ru/greenlab/go-mies/cmd/logview"
	"jinr.ru/greenlab/go-mies/cmd/pipette"
	"jinr.ru/greenlab/go-mies/cmd/serve"
	"jinr.ru/greenlab/go-mies/cmd/simulate"
	pkgconfig "jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/log"
)

const (
	LogLevelOptionName = "log-level"
	ConfigOptionName   = "config"
)

func NewRootCommand(out io.Writer) *cobra.Command {
	var logLevel string
	var configPath string
	cfg := pkgconfig.NewDefaultConfig()
	cmd := &cobra.Command{
		Use:          "go-mies",
		Short:        "Bridge between patch pipettes and a MIES acquisition host",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg.SetPath(configPath)
			}
			if err := cfg.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			log.Init(cmd.ErrOrStderr(), cfg.LogLevel)
			return nil
		},
	}
	cmd.SetOut(out)
	cmd.AddCommand(config.NewCommand(cfg))
	cmd.AddCommand(serve.NewCommand(cfg))
	cmd.AddCommand(simulate.NewCommand(cfg))
	cmd.AddCommand(pipette.NewCommand(cfg))
	cmd.AddCommand(logview.NewCommand())
	cmd.AddCommand(completion.NewCommand())
	cmd.PersistentFlags().StringVar(&logLevel, LogLevelOptionName, "", fmt.Sprintf("Log level. %s", log.HelpLevels))
	cmd.PersistentFlags().StringVar(&configPath, ConfigOptionName, "", fmt.Sprintf("Config file path (default %s)", pkgconfig.DefaultConfigPath()))
	return cmd
}
