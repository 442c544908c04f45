package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedata/sage/pkg/types"
)

func makeTable(t *testing.T, name string, columns []string, rows [][]string) *types.Table {
	t.Helper()
	table := types.NewTable(name, columns)
	for _, row := range rows {
		cells := make([]types.Cell, len(columns))
		for i, raw := range row {
			if raw == "" {
				cells[i] = types.NullCell()
				continue
			}
			cells[i] = types.StringCell(raw)
		}
		require.NoError(t, table.AppendRow(cells))
	}
	return table
}

func evalVector(t *testing.T, src string, env *Env) []bool {
	t.Helper()
	expr, err := Compile(src, false)
	require.NoError(t, err)
	verdicts, _, err := expr.EvalVector(env)
	require.NoError(t, err)
	return verdicts
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	for _, src := range []string{
		"df['a'",
		"df['a'] ==",
		"1 + ",
		"df['a'].isin(",
	} {
		_, err := Compile(src, false)
		assert.Error(t, err, "expression %q should not compile", src)
	}
}

func TestArithmeticRowRule(t *testing.T) {
	table := makeTable(t, "ventas",
		[]string{"cantidad", "precio_unitario", "total"},
		[][]string{
			{"2", "10", "20"},
			{"3", "5", "16"},
		})
	env := &Env{Table: table}

	verdicts := evalVector(t, "df['total'] == df['cantidad'] * df['precio_unitario']", env)
	assert.Equal(t, []bool{true, false}, verdicts)
}

func TestComparisonAgainstNullIsFalse(t *testing.T) {
	table := makeTable(t, "t", []string{"a"}, [][]string{{"1"}, {""}})
	env := &Env{Table: table}

	assert.Equal(t, []bool{true, false}, evalVector(t, "df['a'] == 1", env))
	assert.Equal(t, []bool{false, true}, evalVector(t, "df['a'] != 1", env))
	assert.Equal(t, []bool{false, false}, evalVector(t, "df['a'] > 100", env))
}

func TestArithmeticWithNonNumericYieldsNull(t *testing.T) {
	table := makeTable(t, "t", []string{"a"}, [][]string{{"abc"}, {"2"}})
	env := &Env{Table: table}

	// null propagates: the comparison against the result is false
	assert.Equal(t, []bool{false, true}, evalVector(t, "df['a'] * 2 == 4", env))
}

func TestDivisionByZeroFailsComparisons(t *testing.T) {
	table := makeTable(t, "t", []string{"a", "b"}, [][]string{
		{"1", "0"},
		{"-1", "0"},
		{"0", "0"},
		{"8", "2"},
	})
	env := &Env{Table: table}

	// non-finite quotients are unordered: no inequality accepts them
	assert.Equal(t, []bool{false, false, false, true}, evalVector(t, "df['a'] / df['b'] > 0", env))
	assert.Equal(t, []bool{false, false, false, false}, evalVector(t, "df['a'] / df['b'] < 0", env))
	assert.Equal(t, []bool{false, false, false, true}, evalVector(t, "df['a'] / df['b'] >= 4", env))
}

func TestNullPredicates(t *testing.T) {
	table := makeTable(t, "t", []string{"a"}, [][]string{{"x"}, {""}})
	env := &Env{Table: table}

	assert.Equal(t, []bool{true, false}, evalVector(t, "df['a'].notnull()", env))
	assert.Equal(t, []bool{true, false}, evalVector(t, "df['a'].notna()", env))
	assert.Equal(t, []bool{false, true}, evalVector(t, "df['a'].isnull()", env))
	assert.Equal(t, []bool{false, true}, evalVector(t, "df['a'].isna()", env))
}

func TestIsinLiteralList(t *testing.T) {
	table := makeTable(t, "t", []string{"estado"}, [][]string{{"activo"}, {"Activo"}, {"baja"}})
	env := &Env{Table: table}

	verdicts := evalVector(t, "df['estado'].isin(['activo', 'baja'])", env)
	assert.Equal(t, []bool{true, false, true}, verdicts)
}

func TestIsinAcrossTables(t *testing.T) {
	ventas := makeTable(t, "ventas", []string{"customer_id"}, [][]string{{"C1"}, {"C2"}})
	clientes := makeTable(t, "clientes", []string{"customer_id"}, [][]string{{"C1"}})
	env := &Env{Tables: map[string]*types.Table{"ventas": ventas, "clientes": clientes}}

	expr, err := Compile("df['ventas']['customer_id'].isin(df['clientes']['customer_id'])", false)
	require.NoError(t, err)
	verdicts, origin, err := expr.EvalVector(env)
	require.NoError(t, err)
	assert.Equal(t, "ventas", origin)
	assert.Equal(t, []bool{true, false}, verdicts)
}

func TestDuplicatedKeepFirst(t *testing.T) {
	table := makeTable(t, "t", []string{"codigo"}, [][]string{{"A"}, {"B"}, {"A"}, {""}})
	env := &Env{Table: table}

	verdicts := evalVector(t, "~df['codigo'].duplicated()", env)
	assert.Equal(t, []bool{true, true, false, true}, verdicts)
}

func TestDuplicatedNullsAreNotDuplicates(t *testing.T) {
	table := makeTable(t, "t", []string{"a"}, [][]string{{""}, {""}, {"x"}})
	env := &Env{Table: table}

	verdicts := evalVector(t, "df['a'].duplicated()", env)
	assert.Equal(t, []bool{false, false, false}, verdicts)
}

func TestStringMethods(t *testing.T) {
	table := makeTable(t, "t", []string{"email"}, [][]string{
		{"a@example.com"},
		{"nope"},
	})
	env := &Env{Table: table}

	assert.Equal(t, []bool{true, false}, evalVector(t, "df['email'].str.contains('@')", env))
	assert.Equal(t, []bool{true, false}, evalVector(t, `df['email'].str.match(r'.*@.*\..*')`, env))
	assert.Equal(t, []bool{true, false}, evalVector(t, "df['email'].str.len() > 5", env))
}

func TestStrMatchIsAnchored(t *testing.T) {
	table := makeTable(t, "t", []string{"code"}, [][]string{{"AB12"}, {"xAB12"}})
	env := &Env{Table: table}

	assert.Equal(t, []bool{true, false}, evalVector(t, `df['code'].str.match(r'AB\d+')`, env))
}

func TestShapeAndAggregates(t *testing.T) {
	table := makeTable(t, "t", []string{"monto"}, [][]string{{"10"}, {"30"}, {"20"}})
	env := &Env{Table: table}

	for _, tt := range []struct {
		src  string
		want bool
	}{
		{"df.shape[0] > 0", true},
		{"df.shape[0] == 3", true},
		{"df['monto'].sum() == 60", true},
		{"df['monto'].min() == 10", true},
		{"df['monto'].max() == 30", true},
		{"df['monto'].mean() == 20", true},
		{"df['monto'].nunique() == 3", true},
		{"(df['monto'] > 0).all()", true},
		{"(df['monto'] > 25).any()", true},
		{"(df['monto'] > 100).any()", false},
	} {
		expr, err := Compile(tt.src, false)
		require.NoError(t, err, tt.src)
		got, err := expr.EvalScalar(env)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestEmptyTableShape(t *testing.T) {
	table := makeTable(t, "t", []string{"a"}, nil)
	env := &Env{Table: table}

	expr, err := Compile("df.shape[0] > 0", false)
	require.NoError(t, err)
	got, err := expr.EvalScalar(env)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestToDatetimeCoerce(t *testing.T) {
	table := makeTable(t, "t", []string{"fecha"}, [][]string{
		{"2024-03-01"},
		{"not a date"},
	})
	env := &Env{Table: table}

	// coerce turns the unparseable value into null, notna catches it
	verdicts := evalVector(t, "pd.to_datetime(df['fecha'], errors='coerce').notna()", env)
	assert.Equal(t, []bool{true, false}, verdicts)
}

func TestTimestampNow(t *testing.T) {
	table := makeTable(t, "t", []string{"fecha"}, [][]string{{"2020-01-02"}, {"2030-01-02"}})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	env := &Env{Table: table, Now: now}

	verdicts := evalVector(t, "pd.to_datetime(df['fecha']) <= pd.Timestamp.now()", env)
	assert.Equal(t, []bool{true, false}, verdicts)
}

func TestLogicalOperators(t *testing.T) {
	table := makeTable(t, "t", []string{"a", "b"}, [][]string{
		{"1", "1"},
		{"1", "0"},
		{"0", "0"},
	})
	env := &Env{Table: table}

	assert.Equal(t, []bool{true, false, false}, evalVector(t, "(df['a'] == 1) & (df['b'] == 1)", env))
	assert.Equal(t, []bool{true, true, false}, evalVector(t, "(df['a'] == 1) | (df['b'] == 1)", env))
	assert.Equal(t, []bool{false, true, true}, evalVector(t, "~((df['a'] == 1) & (df['b'] == 1))", env))
	assert.Equal(t, []bool{true, false, false}, evalVector(t, "df['a'] == 1 and df['b'] == 1", env))
	assert.Equal(t, []bool{true, true, false}, evalVector(t, "df['a'] == 1 or df['b'] == 1", env))
}

func TestPrecedenceFlag(t *testing.T) {
	table := makeTable(t, "t", []string{"a", "b"}, [][]string{{"1", "2"}})
	env := &Env{Table: table}

	// default mode: & binds looser than ==, so the unparenthesized form works
	expr, err := Compile("df['a'] == 1 & df['b'] == 2", false)
	require.NoError(t, err)
	verdicts, _, err := expr.EvalVector(env)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, verdicts)

	// pandas mode: & binds tighter, the same source groups as a == (1&b) == 2
	expr, err = Compile("df['a'] == 1 & df['b'] == 2", true)
	require.NoError(t, err)
	verdicts, _, err = expr.EvalVector(env)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, verdicts)

	// parenthesized form means the same thing in both modes
	for _, pandas := range []bool{false, true} {
		expr, err = Compile("(df['a'] == 1) & (df['b'] == 2)", pandas)
		require.NoError(t, err)
		verdicts, _, err = expr.EvalVector(env)
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, verdicts)
	}
}

func TestScalarBroadcast(t *testing.T) {
	table := makeTable(t, "t", []string{"a"}, [][]string{{"1"}, {"2"}})
	env := &Env{Table: table}

	verdicts := evalVector(t, "1 < 2", env)
	assert.Equal(t, []bool{true, true}, verdicts)
}

func TestUnknownColumnIsAnError(t *testing.T) {
	table := makeTable(t, "t", []string{"a"}, [][]string{{"1"}})
	env := &Env{Table: table}

	expr, err := Compile("df['missing'] == 1", false)
	require.NoError(t, err)
	_, _, err = expr.EvalVector(env)
	assert.Error(t, err)
}

func TestParseDateLayouts(t *testing.T) {
	for _, ok := range []string{
		"2024-03-01",
		"2024/03/01",
		"20240301",
		"01/03/2024",
		"2024-03-01T10:20:30",
		"2024-03-01 10:20:30",
	} {
		_, parsed := ParseDate(ok)
		assert.True(t, parsed, ok)
	}
	for _, bad := range []string{"", "yesterday", "2024-13-40", "1/2/3/4"} {
		_, parsed := ParseDate(bad)
		assert.False(t, parsed, bad)
	}
}
