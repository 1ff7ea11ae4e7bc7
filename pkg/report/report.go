// Package report renders the outcome of a one-shot run for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"netprobe/pkg/geo"
	"netprobe/pkg/probe"
	"netprobe/pkg/runner"
)

// Supported formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Report is what a one-shot run prints. Geo is nil when the lookup failed.
type Report struct {
	Geo *geo.Record       `json:"geo" yaml:"geo"`
	Run *runner.RunResult `json:"run" yaml:"run"`
}

// Write renders r to w in the given format.
func Write(w io.Writer, format string, r Report) error {
	switch format {
	case FormatText, "":
		return writeText(w, r)
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report as JSON: %w", err)
		}
		return nil
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report as YAML: %w", err)
		}
		if err := encoder.Close(); err != nil {
			return fmt.Errorf("failed to flush YAML report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeText(w io.Writer, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	if r.Geo != nil {
		operator := r.Geo.Org
		if operator == "" {
			operator = geo.FallbackOperator
		}
		fmt.Fprintf(tw, "Address\t%s\n", geo.FormatAddress(r.Geo.IP))
		fmt.Fprintf(tw, "Operator\t%s\n", operator)
		fmt.Fprintf(tw, "Position\t%s\n", geo.FormatPosition(r.Geo))
	} else {
		fmt.Fprintf(tw, "Address\t%s\n", geo.FallbackAddress)
	}

	if run := r.Run; run != nil {
		fmt.Fprintf(tw, "Run\t%s\n", run.ID)

		ping := fmt.Sprintf("%d ms\t(%d/%d probes", run.Ping.MeanMs, run.Ping.Succeeded, run.Ping.Succeeded+run.Ping.Failed)
		if run.Ping.Colo != "" {
			ping += ", colo " + run.Ping.Colo
		}
		fmt.Fprintf(tw, "Ping\t%s)\n", ping)

		fmt.Fprintf(tw, "Download\t%s\n", throughputLine(run.Download))
		fmt.Fprintf(tw, "Upload\t%s\n", throughputLine(run.Upload))

		if run.Aborted {
			fmt.Fprintf(tw, "Status\taborted\n")
		}
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func throughputLine(t probe.ThroughputResult) string {
	if !t.Stats.Valid() {
		return fmt.Sprintf("N/A\t(no samples, %d failures)", t.Failures)
	}

	line := fmt.Sprintf("%.2f Mbps\t(min %.2f, avg %.2f, %d samples", t.Stats.Max, t.Stats.Min, t.Stats.Avg, t.Stats.Count)
	if t.Tier != "" {
		line += ", tier " + t.Tier
	}
	return line + fmt.Sprintf(", %d failures)", t.Failures)
}
