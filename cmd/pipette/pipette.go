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

package pipette

import (
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"jinr.ru/greenlab/go-mies/pkg/command"
	"jinr.ru/greenlab/go-mies/pkg/config"
	"jinr.ru/greenlab/go-mies/pkg/srv/api"
)

func NewCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipette",
		Short: "Query and control pipettes through the API server",
	}
	cmd.AddCommand(NewListCommand(cfg))
	cmd.AddCommand(NewStateCommand(cfg))
	cmd.AddCommand(NewModeCommand(cfg))
	cmd.AddCommand(NewHoldingCommand(cfg))
	cmd.AddCommand(NewAutoBiasCommand(cfg))
	cmd.AddCommand(NewPressureCommand(cfg))
	cmd.AddCommand(NewActivateCommand(cfg))
	cmd.AddCommand(NewTestPulseCommand(cfg))
	cmd.AddCommand(NewHistoryCommand(cfg))
	return cmd
}

func printYAML(out io.Writer, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func NewListCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipettes",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := command.NewApiClient(cfg).Pipettes()
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), infos)
		},
	}
}

func NewStateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "state <pipette>",
		Short: "Show the clamp state of a pipette",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := command.NewApiClient(cfg).State(args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), info)
		},
	}
}

func NewModeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "mode <pipette> VC|IC|I=0",
		Short:     "Set the clamp mode",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"VC", "IC", "I=0"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return command.NewApiClient(cfg).SetMode(args[0], args[1])
		},
	}
}

func NewHoldingCommand(cfg *config.Config) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "holding <pipette> [value]",
		Short: "Show or set the holding in SI units (V or A)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := command.NewApiClient(cfg)
			if len(args) == 2 {
				value, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return err
				}
				return client.SetHolding(args[0], mode, value)
			}
			h, err := client.Holding(args[0], mode)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), h)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Clamp mode, the current mode by default")
	return cmd
}

func NewAutoBiasCommand(cfg *config.Config) *cobra.Command {
	var enable, disable, linked bool
	var target float64
	cmd := &cobra.Command{
		Use:   "autobias <pipette>",
		Short: "Show or change auto-bias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := command.NewApiClient(cfg)
			setup := &api.AutoBiasSetup{Linked: linked}
			if enable || disable {
				setup.Enabled = &enable
			}
			if cmd.Flags().Changed("target") {
				setup.Target = &target
			}
			if setup.Enabled == nil && setup.Target == nil && !setup.Linked {
				ab, err := client.AutoBias(args[0])
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), ab)
			}
			return client.SetAutoBias(args[0], setup)
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable auto-bias")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable auto-bias")
	cmd.Flags().Float64Var(&target, "target", 0, "Auto-bias target potential in V")
	cmd.Flags().BoolVar(&linked, "linked", false, "Follow the VC holding potential")
	return cmd
}

func NewPressureCommand(cfg *config.Config) *cobra.Command {
	var source string
	var pressure float64
	cmd := &cobra.Command{
		Use:   "pressure <pipette>",
		Short: "Show or set the pressure source and pressure in Pa",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := command.NewApiClient(cfg)
			var s *string
			var p *float64
			if cmd.Flags().Changed("source") {
				s = &source
			}
			if cmd.Flags().Changed("pressure") {
				p = &pressure
			}
			if s == nil && p == nil {
				reading, err := client.Pressure(args[0])
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), reading)
			}
			return client.SetPressure(args[0], s, p)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Pressure source: atmosphere, regulator or user")
	cmd.Flags().Float64Var(&pressure, "pressure", 0, "Pressure in Pa")
	return cmd
}

func NewActivateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <pipette> true|false",
		Short: "Activate or deactivate the headstage of a pipette",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := strconv.ParseBool(args[1])
			if err != nil {
				return err
			}
			return command.NewApiClient(cfg).SetActive(args[0], active)
		},
	}
}

func NewTestPulseCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "testpulse <pipette> start|stop",
		Short:     "Start or stop the test pulse",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"start", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return command.NewApiClient(cfg).TestPulse(args[0], args[1])
		},
	}
}

func NewHistoryCommand(cfg *config.Config) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "history <pipette>",
		Short: "Show the analyzed test pulse history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := command.NewApiClient(cfg)
			if reset {
				return client.ResetHistory(args[0])
			}
			rows, err := client.History(args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear the history")
	return cmd
}
