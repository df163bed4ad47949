// Package output renders command results for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Formats accepted by Printer.Render.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ANSI attributes
const (
	reset   = "\033[0m"
	fgRed   = 31
	fgGreen = 32
	fgYel   = 33
	fgCyan  = 36
	fgWhite = 37
	bold    = 1
)

// Printer writes messages and documents. Color is dropped when the
// destination is not a terminal or NO_COLOR is set.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	color bool
}

// New returns a printer over out and errOut.
func New(out, errOut io.Writer) *Printer {
	return &Printer{Out: out, Err: errOut, color: colorEnabled(out)}
}

// Stdout prints to the process streams.
func Stdout() *Printer {
	return New(os.Stdout, os.Stderr)
}

func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (p *Printer) paint(s string, attrs ...int) string {
	if !p.color || len(attrs) == 0 {
		return s
	}
	codes := make([]string, len(attrs))
	for i, a := range attrs {
		codes[i] = fmt.Sprint(a)
	}
	return "\033[" + strings.Join(codes, ";") + "m" + s + reset
}

func (p *Printer) Success(format string, a ...interface{}) {
	fmt.Fprintln(p.Out, p.paint("✓ "+fmt.Sprintf(format, a...), fgGreen, bold))
}

func (p *Printer) Error(format string, a ...interface{}) {
	fmt.Fprintln(p.Err, p.paint("✗ "+fmt.Sprintf(format, a...), fgRed, bold))
}

func (p *Printer) Info(format string, a ...interface{}) {
	fmt.Fprintln(p.Out, p.paint(fmt.Sprintf(format, a...), fgCyan))
}

func (p *Printer) Warn(format string, a ...interface{}) {
	fmt.Fprintln(p.Out, p.paint("⚠ "+fmt.Sprintf(format, a...), fgYel))
}

// JSON writes v indented.
func (p *Printer) JSON(v interface{}) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// YAML writes v as a YAML document.
func (p *Printer) YAML(v interface{}) error {
	enc := yaml.NewEncoder(p.Out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// Render writes v as JSON or YAML, or calls table for the table format.
func (p *Printer) Render(format string, v interface{}, table func()) error {
	switch format {
	case FormatJSON:
		return p.JSON(v)
	case FormatYAML:
		return p.YAML(v)
	case FormatTable, "":
		table()
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// Table is a left-aligned text table.
type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{
		headers: headers,
		rows:    [][]string{},
	}
}

func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

// Render writes the table through p.
func (t *Table) Render(p *Printer) {
	// Calculate column widths
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var line strings.Builder
	for i, header := range t.headers {
		fmt.Fprintf(&line, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(p.Out, p.paint(strings.TrimRight(line.String(), " "), fgWhite, bold))

	line.Reset()
	for i := range t.headers {
		line.WriteString(strings.Repeat("-", widths[i]) + "  ")
	}
	fmt.Fprintln(p.Out, strings.TrimRight(line.String(), " "))

	for _, row := range t.rows {
		line.Reset()
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			fmt.Fprintf(&line, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(p.Out, strings.TrimRight(line.String(), " "))
	}
}
