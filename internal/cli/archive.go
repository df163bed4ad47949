package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telemetry-tap/internal/archive"
	"github.com/telhawk-systems/telemetry-tap/internal/config"
	"github.com/telhawk-systems/telemetry-tap/internal/output"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect the telemetry file archive",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived dates",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := archiveDir(cmd)
		if err != nil {
			return err
		}
		r := archive.NewReader(dir)
		dates, err := r.Partitions()
		if err != nil {
			return err
		}

		type partition struct {
			Date  string `json:"date" yaml:"date"`
			Files int    `json:"files" yaml:"files"`
		}
		parts := make([]partition, 0, len(dates))
		for _, d := range dates {
			files, err := r.Files(d)
			if err != nil {
				return err
			}
			parts = append(parts, partition{Date: d, Files: len(files)})
		}

		p := printerFor(cmd)
		format, _ := cmd.Flags().GetString("output")
		return p.Render(format, parts, func() {
			if len(parts) == 0 {
				p.Warn("No archived telemetry in %s", dir)
				return
			}
			table := output.NewTable("DATE", "FILES")
			for _, part := range parts {
				table.AddRow(part.Date, strconv.Itoa(part.Files))
			}
			table.Render(p)
		})
	},
}

var archiveSummarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize archived telemetry",
	Example: `  tap archive summarize
  tap archive summarize --date 20250115 --user alice --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := archiveDir(cmd)
		if err != nil {
			return err
		}
		date, _ := cmd.Flags().GetString("date")
		user, _ := cmd.Flags().GetString("user")

		summary, err := archive.Summarize(archive.NewReader(dir), archive.Filter{Date: date, User: user})
		if err != nil {
			return err
		}

		p := printerFor(cmd)
		format, _ := cmd.Flags().GetString("output")
		return p.Render(format, summaryView(summary), func() { printSummary(p, summary) })
	},
}

func init() {
	for _, c := range []*cobra.Command{archiveListCmd, archiveSummarizeCmd} {
		c.Flags().String("dir", "", "archive directory (default: archive.base_dir from config)")
		outputFlag(c)
		archiveCmd.AddCommand(c)
	}
	archiveSummarizeCmd.Flags().String("date", "", "only this partition (YYYYMMDD)")
	archiveSummarizeCmd.Flags().String("user", "", "only this user")

	rootCmd.AddCommand(archiveCmd)
}

func archiveDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", err
	}
	return cfg.Archive.BaseDir, nil
}

type summaryOutput struct {
	archive.Summary `yaml:",inline"`
	AcceptanceRate  float64 `json:"acceptance_rate" yaml:"acceptance_rate"`
}

func summaryView(s *archive.Summary) summaryOutput {
	return summaryOutput{Summary: *s, AcceptanceRate: s.AcceptanceRate()}
}

func printSummary(p *output.Printer, s *archive.Summary) {
	p.Info("Telemetry summary")
	p.Info("  Total events:  %d", s.Events)
	p.Info("  Unique users:  %d", len(s.Users))
	p.Info("  Connections:   %d", s.Connections)
	p.Info("  Files read:    %d", s.Read.Files)
	if s.Read.Malformed > 0 {
		p.Warn("%d malformed lines skipped", s.Read.Malformed)
	}
	if s.Events == 0 {
		return
	}

	fmt.Fprintln(p.Out)
	table := output.NewTable("COMPLETIONS", "COUNT", "AVG LINES", "AVG CHARS")
	table.AddRow("shown", strconv.FormatInt(s.Shown.Count, 10),
		strconv.FormatFloat(s.Shown.AvgLines(), 'f', 1, 64), strconv.FormatFloat(s.Shown.AvgChars(), 'f', 1, 64))
	table.AddRow("accepted", strconv.FormatInt(s.Accepted.Count, 10),
		strconv.FormatFloat(s.Accepted.AvgLines(), 'f', 1, 64), strconv.FormatFloat(s.Accepted.AvgChars(), 'f', 1, 64))
	table.Render(p)
	p.Info("  Acceptance rate: %.1f%%", s.AcceptanceRate())

	for _, section := range []struct {
		title  string
		counts map[string]int64
	}{
		{"USER", s.Users},
		{"EVENT TYPE", s.EventTypes},
		{"DATE", s.Dates},
		{"LANGUAGE", s.Languages},
		{"EDITOR", s.Editors},
	} {
		if len(section.counts) == 0 {
			continue
		}
		fmt.Fprintln(p.Out)
		table := output.NewTable(section.title, "EVENTS")
		for _, kv := range sortedCounts(section.counts) {
			table.AddRow(kv.key, strconv.FormatInt(kv.n, 10))
		}
		table.Render(p)
	}
}

type count struct {
	key string
	n   int64
}

// sortedCounts orders by count descending, then key.
func sortedCounts(m map[string]int64) []count {
	out := make([]count, 0, len(m))
	for k, n := range m {
		out = append(out, count{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}
