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

package journal

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"
)

var allUses = []Use{
	UseEvent, UsePosition, UsePressure, UsePipetteTransform,
	UseStateChange, UseAutoBiasTarget, UseTarget, UseTestPulse,
}

func formatPosition(p *[3]float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("(%.6g, %.6g, %.6g)", p[0], p[1], p[2])
}

// WriteSummary prints the devices of a log with their record counts per use
// and the position track sampled at samples evenly spaced times.
func WriteSummary(out io.Writer, l *Log, samples int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	first, last := l.FirstTime(), l.LastTime()
	if math.IsNaN(first) {
		fmt.Fprintln(tw, "empty log")
		return tw.Flush()
	}
	fmt.Fprintf(tw, "time range:\t%.3f .. %.3f\t(%.1f s)\n", first, last, last-first)

	fmt.Fprint(tw, "device")
	for _, use := range allUses {
		fmt.Fprintf(tw, "\t%s", use)
	}
	fmt.Fprintln(tw)
	for _, name := range l.Devices() {
		d, _ := l.Device(name)
		fmt.Fprint(tw, name)
		for _, use := range allUses {
			fmt.Fprintf(tw, "\t%d", d.Len(use))
		}
		fmt.Fprintln(tw)
	}

	if samples > 0 {
		fmt.Fprintln(tw)
		fmt.Fprint(tw, "time")
		for _, name := range l.Devices() {
			fmt.Fprintf(tw, "\t%s", name)
		}
		fmt.Fprintln(tw)
		for i := 0; i < samples; i++ {
			t := first
			if samples > 1 {
				t += (last - first) * float64(i) / float64(samples-1)
			}
			writeStateRow(tw, l, t)
		}
	}
	return tw.Flush()
}

func writeStateRow(tw io.Writer, l *Log, t float64) {
	st := l.State(t)
	fmt.Fprintf(tw, "%.3f", t)
	for _, name := range l.Devices() {
		fmt.Fprintf(tw, "\t%s", formatPosition(st[name].Position))
	}
	fmt.Fprintln(tw)
}

// WriteState prints every device position at time t
func WriteState(out io.Writer, l *Log, t float64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "time")
	for _, name := range l.Devices() {
		fmt.Fprintf(tw, "\t%s", name)
	}
	fmt.Fprintln(tw)
	writeStateRow(tw, l, t)
	return tw.Flush()
}
