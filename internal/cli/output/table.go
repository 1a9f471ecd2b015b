package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by result types that know their own
// tabular layout.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
}

// PrintTable renders data as borderless aligned columns, kubectl style.
func PrintTable(w io.Writer, data TableRenderer) error {
	t := newPlainTable(w)
	t.SetAutoFormatHeaders(true)
	t.SetHeader(data.Headers())
	for _, row := range data.Rows() {
		t.Append(row)
	}
	t.Render()
	return nil
}

// KeyValueTable renders label/value pairs as two aligned columns,
// used for single-resource views.
func KeyValueTable(w io.Writer, pairs [][2]string) error {
	t := newPlainTable(w)
	for _, pair := range pairs {
		t.Append([]string{pair[0], pair[1]})
	}
	t.Render()
	return nil
}

func newPlainTable(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

// TableData is an ad-hoc TableRenderer built row by row.
type TableData struct {
	headers []string
	rows    [][]string
}

// NewTableData returns an empty TableData with the given column headers.
func NewTableData(headers ...string) *TableData {
	return &TableData{headers: headers}
}

// AddRow appends one row.
func (t *TableData) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *TableData) Headers() []string { return t.headers }

func (t *TableData) Rows() [][]string { return t.rows }
