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

package logview

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"jinr.ru/greenlab/go-mies/pkg/journal"
)

const (
	DefaultSamples = 10
)

func NewCommand() *cobra.Command {
	var at float64
	var samples int
	var images []string
	cmd := &cobra.Command{
		Use:     "view-multi-patch-log <path>",
		Aliases: []string{"view_multi_patch_log"},
		Short:   "Show devices, record counts and positions of a multipatch log",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := journal.Read(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", filepath.Base(args[0]))
			if cmd.Flags().Changed("at") {
				return journal.WriteState(out, l, at)
			}
			if err := journal.WriteSummary(out, l, samples); err != nil {
				return err
			}
			for _, image := range images {
				fi, err := os.Stat(image)
				if err != nil {
					return err
				}
				t := float64(fi.ModTime().UnixNano()) / float64(time.Second)
				fmt.Fprintf(out, "\npinned image %s at %.3f\n", image, t)
				if err := journal.WriteState(out, l, t); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&at, "at", 0, "Print device positions at this unix time only")
	cmd.Flags().IntVar(&samples, "samples", DefaultSamples, "Number of position samples over the log time range")
	cmd.Flags().StringArrayVar(&images, "image", nil, "Pinned image to overlay at its modification time, may be repeated")
	return cmd
}
