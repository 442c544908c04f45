package expr

import (
	"math"
	"strconv"
	"time"

	"github.com/sagedata/sage/pkg/types"
)

// Kind discriminates evaluation values.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindTime
	KindSeries
	KindList
	KindTable
	KindFrame // the bare `df` identifier before indexing
)

// Value is the result of evaluating an expression or subexpression.
// A Value is either a scalar (null, bool, number, string, time), a
// Series of scalars (one per input row), a literal list, or a table
// reference produced while navigating df['logical_name'].
type Value struct {
	Kind   Kind
	Bool   bool
	Num    float64
	Str    string
	Time   time.Time
	Elems  []Value
	Origin string // logical table name a series was read from
	Table  *types.Table
}

// Null returns the null scalar.
func Null() Value { return Value{Kind: KindNull} }

// Boolean returns a bool scalar.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Number returns a numeric scalar.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// String returns a string scalar.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// TimeValue returns a timestamp scalar.
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// Series returns a vector of scalars read from the named table.
func Series(origin string, elems []Value) Value {
	return Value{Kind: KindSeries, Elems: elems, Origin: origin}
}

// List returns a literal list value.
func List(items []Value) Value { return Value{Kind: KindList, Elems: items} }

// TableRef wraps a table for df['name'] navigation.
func TableRef(t *types.Table) Value { return Value{Kind: KindTable, Table: t} }

// IsSeries reports whether the value is a per-row vector.
func (v Value) IsSeries() bool { return v.Kind == KindSeries }

// Truthy converts a scalar to its boolean verdict. Null is false.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num != 0 && !math.IsNaN(v.Num)
	case KindString:
		return v.Str != ""
	case KindTime:
		return true
	default:
		return false
	}
}

// CellValue converts a table cell to a scalar. Numeric-looking text
// becomes a number so arithmetic rules behave the way the rule author
// expects; everything else stays a string.
func CellValue(c types.Cell) Value {
	if c.Null {
		return Null()
	}
	if f, err := strconv.ParseFloat(c.Raw, 64); err == nil {
		return Number(f)
	}
	return String(c.Raw)
}

// ColumnSeries reads a whole column as a series.
func ColumnSeries(t *types.Table, column string) (Value, error) {
	cells, err := t.Column(column)
	if err != nil {
		return Value{}, err
	}
	elems := make([]Value, len(cells))
	for i, c := range cells {
		elems[i] = CellValue(c)
	}
	return Series(t.Name, elems), nil
}

// equalScalars implements == with null-never-equal semantics.
func equalScalars(a, b Value) bool {
	if a.Kind == KindNull || b.Kind == KindNull {
		return false
	}
	switch {
	case a.Kind == KindNumber && b.Kind == KindNumber:
		return a.Num == b.Num
	case a.Kind == KindString && b.Kind == KindString:
		return a.Str == b.Str
	case a.Kind == KindBool && b.Kind == KindBool:
		return a.Bool == b.Bool
	case a.Kind == KindTime && b.Kind == KindTime:
		return a.Time.Equal(b.Time)
	}
	return false
}

// compareScalars returns -1/0/1 and false when the operands are not
// ordered (null, non-finite numbers, mixed kinds). Infinities count as
// unordered so a zero divisor cannot satisfy an inequality.
func compareScalars(a, b Value) (int, bool) {
	switch {
	case a.Kind == KindNumber && b.Kind == KindNumber:
		if !isFinite(a.Num) || !isFinite(b.Num) {
			return 0, false
		}
		switch {
		case a.Num < b.Num:
			return -1, true
		case a.Num > b.Num:
			return 1, true
		}
		return 0, true
	case a.Kind == KindString && b.Kind == KindString:
		switch {
		case a.Str < b.Str:
			return -1, true
		case a.Str > b.Str:
			return 1, true
		}
		return 0, true
	case a.Kind == KindTime && b.Kind == KindTime:
		switch {
		case a.Time.Before(b.Time):
			return -1, true
		case a.Time.After(b.Time):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// scalarKey builds a map key for duplicated()/nunique(). Kinds are
// prefixed so the number 1 and the string "1" stay distinct.
func scalarKey(v Value) string {
	switch v.Kind {
	case KindNumber:
		return "n:" + strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return "s:" + v.Str
	case KindBool:
		return "b:" + strconv.FormatBool(v.Bool)
	case KindTime:
		return "t:" + v.Time.Format(time.RFC3339Nano)
	default:
		return "null"
	}
}

// Render formats a scalar for display in findings.
func (v Value) Render() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindTime:
		return v.Time.Format("2006-01-02 15:04:05")
	default:
		return ""
	}
}
