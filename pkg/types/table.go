package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// Cell is one value of an in-memory table. Values are kept in their
// textual form; per-field coercion happens during validation.
type Cell struct {
	Raw  string
	Null bool
}

// NullCell returns an empty cell.
func NullCell() Cell {
	return Cell{Null: true}
}

// StringCell returns a non-null cell holding raw.
func StringCell(raw string) Cell {
	return Cell{Raw: raw}
}

func (c Cell) String() string {
	if c.Null {
		return "NULL"
	}
	return c.Raw
}

// Table is an in-memory tabular dataset with ordered columns and rows.
// Rows are addressed 1-based in findings; index 0 of Rows is row 1.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]Cell
}

// NewTable creates an empty table with the given column order.
func NewTable(name string, columns []string) *Table {
	return &Table{Name: name, Columns: columns}
}

// AppendRow adds a row. The row must have one cell per column.
func (t *Table) AppendRow(row []Cell) error {
	if len(row) != len(t.Columns) {
		return errors.Errorf("row has %d cells, table %q has %d columns", len(row), t.Name, len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// RowCount reports the number of data rows.
func (t *Table) RowCount() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of a column, or -1 if absent.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the table declares the column.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// Column returns all cells of a column in row order.
func (t *Table) Column(name string) ([]Cell, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, errors.Errorf("table %q has no column %q", t.Name, name)
	}
	cells := make([]Cell, len(t.Rows))
	for i, row := range t.Rows {
		cells[i] = row[idx]
	}
	return cells, nil
}

// Cell returns the cell at 1-based row index for the named column.
func (t *Table) Cell(row int, column string) (Cell, error) {
	idx := t.ColumnIndex(column)
	if idx < 0 {
		return Cell{}, errors.Errorf("table %q has no column %q", t.Name, column)
	}
	if row < 1 || row > len(t.Rows) {
		return Cell{}, errors.Errorf("row %d out of range for table %q (%d rows)", row, t.Name, len(t.Rows))
	}
	return t.Rows[row-1][idx], nil
}

func (t *Table) String() string {
	return fmt.Sprintf("Table(%s: %d columns, %d rows)", t.Name, len(t.Columns), len(t.Rows))
}
