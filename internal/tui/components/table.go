package components

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/evertras/bubble-table/table"

	"github.com/allbin/picobridge/internal/tui/colors"
)

// Column is one column of a static table
type Column struct {
	Key   string
	Title string
	Width int
}

// RenderTable draws rows once for plain command output, no interaction
func RenderTable(columns []Column, rows []map[string]any) string {
	cols := make([]table.Column, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, table.NewColumn(c.Key, c.Title, c.Width))
	}

	data := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		data = append(data, table.NewRow(table.RowData(r)))
	}

	return table.New(cols).
		WithRows(data).
		BorderRounded().
		HeaderStyle(lipgloss.NewStyle().Bold(true).Foreground(colors.Mauve)).
		WithBaseStyle(lipgloss.NewStyle().Foreground(colors.Text).BorderForeground(colors.Surface2).Align(lipgloss.Left)).
		View()
}
