// Package output renders dispatchctl command results as tables, JSON,
// or YAML.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Format selects how command results are rendered.
type Format string

const (
	// FormatTable renders results as aligned columns.
	FormatTable Format = "table"
	// FormatJSON renders results as indented JSON.
	FormatJSON Format = "json"
	// FormatYAML renders results as YAML.
	FormatYAML Format = "yaml"
)

// ParseFormat parses the value of the --output flag. An empty string
// means the table default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

// Printer writes status lines, optionally with ANSI color.
type Printer struct {
	out   io.Writer
	color bool
}

// NewPrinter returns a Printer writing to out. When color is false the
// messages are printed plain.
func NewPrinter(out io.Writer, color bool) *Printer {
	return &Printer{out: out, color: color}
}

// Success prints msg in green when color is enabled.
func (p *Printer) Success(msg string) {
	p.line("\033[32m", msg)
}

// Error prints msg in red when color is enabled.
func (p *Printer) Error(msg string) {
	p.line("\033[31m", msg)
}

func (p *Printer) line(code, msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.out, "%s%s\033[0m\n", code, msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}
