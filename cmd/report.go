package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/history"
)

// reportCmd summarizes persisted reallocation records as an activation
// frequency table
var reportCmd = &cobra.Command{
	Use:   "report <dir|file>",
	Short: "Summarize persisted reallocation history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path, err := resolveReportPath(args[0])
		if err != nil {
			logrus.Fatalf("Could not locate reallocation records: %v", err)
		}
		if err := writeReport(os.Stdout, path); err != nil {
			logrus.Fatalf("Could not render report: %v", err)
		}
	},
}

// resolveReportPath accepts either a record file or a directory; for a
// directory it picks the most recently written history document.
func resolveReportPath(arg string) (string, error) {
	info, err := os.Stat(arg)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return arg, nil
	}

	matches, err := filepath.Glob(filepath.Join(arg, "reallocation_history_*.toml"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no reallocation history files in %s", arg)
	}

	newest := matches[0]
	var newestMod time.Time
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		if fi.ModTime().After(newestMod) {
			newest = m
			newestMod = fi.ModTime()
		}
	}
	return newest, nil
}

// loadSummary reads either record form. Frequency files carry the summary
// directly; history files are aggregated on the fly and also yield the
// bisection bound.
func loadSummary(path string) (*history.FrequencySummary, int, error) {
	if strings.HasPrefix(filepath.Base(path), "reallocation_frequency_") {
		summary, err := history.ReadFrequency(path)
		return summary, 0, err
	}
	h, err := history.ReadHistory(path)
	if err != nil {
		return nil, 0, err
	}
	return history.Frequency(h), h.MaxAlpha, nil
}

// writeReport prints the activation counts per adapter site, layers
// ascending and projections in site order within each layer.
func writeReport(w io.Writer, path string) error {
	summary, maxAlpha, err := loadSummary(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Total reallocations: %d\n", summary.TotalReallocations)
	if maxAlpha > 0 {
		fmt.Fprintf(w, "Max alpha: %d\n", maxAlpha)
	}
	if len(summary.Counts) == 0 {
		return nil
	}
	fmt.Fprintln(w)

	layers := make([]int, 0, len(summary.Counts))
	for layer := range summary.Counts {
		layers = append(layers, layer)
	}
	sort.Ints(layers)

	var rows [][]string
	for _, layer := range layers {
		counts := summary.Counts[layer]
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			oi, oj := projectionOrder(names[i]), projectionOrder(names[j])
			if oi != oj {
				return oi < oj
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			rows = append(rows, []string{strconv.Itoa(layer), name, strconv.Itoa(counts[name])})
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LAYER", "PROJECTION", "ACTIVATIONS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	return nil
}

// projectionOrder ranks known adapter sites by their fixed hash; names
// from foreign files sort after them.
func projectionOrder(name string) int {
	p, err := realloc.ParseProjection(name)
	if err != nil {
		return len(realloc.LoraProjections) + len(realloc.ShortcutProjections)
	}
	return p.Hash()
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
