package expr

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sagedata/sage/pkg/types"
)

// Env is the evaluation context of one expression. Table is the
// current catalog's table (nil at package scope); Tables maps logical
// names to loaded tables for cross-catalog rules; Now is the reference
// time used by date helpers.
type Env struct {
	Table  *types.Table
	Tables map[string]*types.Table
	Now    time.Time
}

func (env *Env) referenceTime() time.Time {
	if env.Now.IsZero() {
		return time.Now()
	}
	return env.Now
}

// Expression is a compiled predicate. Compilation is done once at
// schema load time; evaluation is pure and safe for concurrent use.
type Expression struct {
	Source           string
	PandasPrecedence bool
	root             Node
}

// Compile parses source into an evaluable expression.
func Compile(src string, pandasPrecedence bool) (*Expression, error) {
	root, err := Parse(src, pandasPrecedence)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid expression %q", src)
	}
	return &Expression{Source: src, PandasPrecedence: pandasPrecedence, root: root}, nil
}

// Eval evaluates the expression and returns the raw value.
func (e *Expression) Eval(env *Env) (Value, error) {
	return eval(e.root, env)
}

// EvalVector evaluates in vector mode: one verdict per row. A scalar
// result is broadcast over the current table. The returned origin is
// the logical name of the table the verdicts index into.
func (e *Expression) EvalVector(env *Env) ([]bool, string, error) {
	v, err := eval(e.root, env)
	if err != nil {
		return nil, "", err
	}
	if v.IsSeries() {
		verdicts := make([]bool, len(v.Elems))
		for i, elem := range v.Elems {
			verdicts[i] = elem.Truthy()
		}
		return verdicts, v.Origin, nil
	}
	if env.Table == nil {
		return nil, "", errors.Errorf("expression %q returned a scalar where a vector was required", e.Source)
	}
	verdicts := make([]bool, env.Table.RowCount())
	for i := range verdicts {
		verdicts[i] = v.Truthy()
	}
	return verdicts, env.Table.Name, nil
}

// EvalScalar evaluates in scalar mode: a vector result is reduced
// with all().
func (e *Expression) EvalScalar(env *Env) (bool, error) {
	v, err := eval(e.root, env)
	if err != nil {
		return false, err
	}
	if v.IsSeries() {
		for _, elem := range v.Elems {
			if !elem.Truthy() {
				return false, nil
			}
		}
		return true, nil
	}
	return v.Truthy(), nil
}

func eval(node Node, env *Env) (Value, error) {
	switch n := node.(type) {
	case *NumberLit:
		return Number(n.Value), nil
	case *StringLit:
		return String(n.Value), nil
	case *BoolLit:
		return Boolean(n.Value), nil
	case *NullLit:
		return Null(), nil
	case *ListLit:
		items := make([]Value, len(n.Items))
		for i, item := range n.Items {
			v, err := eval(item, env)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items), nil
	case *Ident:
		return evalIdent(n, env)
	case *Index:
		return evalIndex(n, env)
	case *Attr:
		return evalAttr(n, env)
	case *Call:
		return evalCall(n, env)
	case *Unary:
		return evalUnary(n, env)
	case *Binary:
		return evalBinary(n, env)
	}
	return Value{}, errors.Errorf("unsupported expression node %T", node)
}

func evalIdent(n *Ident, env *Env) (Value, error) {
	switch n.Name {
	case "df":
		return Value{Kind: KindFrame}, nil
	case "pd", "np":
		// namespaces only make sense as call prefixes
		return Value{Kind: KindFrame, Str: n.Name}, nil
	}
	return Value{}, errors.Errorf("unknown name %q", n.Name)
}

func evalIndex(n *Index, env *Env) (Value, error) {
	base, err := eval(n.X, env)
	if err != nil {
		return Value{}, err
	}
	key, err := eval(n.Key, env)
	if err != nil {
		return Value{}, err
	}

	switch base.Kind {
	case KindFrame:
		if key.Kind != KindString {
			return Value{}, errors.New("df[...] requires a quoted name")
		}
		// Column of the current table wins; otherwise a logical
		// table name at package scope.
		if env.Table != nil && env.Table.HasColumn(key.Str) {
			return ColumnSeries(env.Table, key.Str)
		}
		if t, ok := env.Tables[key.Str]; ok {
			return TableRef(t), nil
		}
		if env.Table != nil {
			return Value{}, errors.Errorf("column %q not found in table %q", key.Str, env.Table.Name)
		}
		return Value{}, errors.Errorf("unknown catalog %q", key.Str)
	case KindTable:
		if key.Kind != KindString {
			return Value{}, errors.New("table indexing requires a quoted column name")
		}
		if !base.Table.HasColumn(key.Str) {
			return Value{}, errors.Errorf("column %q not found in table %q", key.Str, base.Table.Name)
		}
		return ColumnSeries(base.Table, key.Str)
	case KindList:
		if key.Kind != KindNumber {
			return Value{}, errors.New("list indexing requires a number")
		}
		idx := int(key.Num)
		if idx < 0 || idx >= len(base.Elems) {
			return Value{}, errors.Errorf("index %d out of range", idx)
		}
		return base.Elems[idx], nil
	}
	return Value{}, errors.New("value does not support indexing")
}

func evalAttr(n *Attr, env *Env) (Value, error) {
	// df.shape / df['tbl'].shape -> [rows, cols]
	if n.Name == "shape" {
		base, err := eval(n.X, env)
		if err != nil {
			return Value{}, err
		}
		var t *types.Table
		switch base.Kind {
		case KindFrame:
			t = env.Table
		case KindTable:
			t = base.Table
		}
		if t == nil {
			return Value{}, errors.New("shape requires a table")
		}
		return List([]Value{
			Number(float64(t.RowCount())),
			Number(float64(len(t.Columns))),
		}), nil
	}
	return Value{}, errors.Errorf("unknown attribute %q", n.Name)
}

func evalUnary(n *Unary, env *Env) (Value, error) {
	operand, err := eval(n.X, env)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case TokenTilde, TokenNot:
		return mapElems(operand, func(v Value) Value {
			return Boolean(!v.Truthy())
		}), nil
	case TokenMinus:
		return mapElems(operand, func(v Value) Value {
			if v.Kind != KindNumber {
				return Null()
			}
			return Number(-v.Num)
		}), nil
	}
	return Value{}, errors.Errorf("unsupported unary operator %s", n.Op)
}

func evalBinary(n *Binary, env *Env) (Value, error) {
	left, err := eval(n.X, env)
	if err != nil {
		return Value{}, err
	}
	right, err := eval(n.Y, env)
	if err != nil {
		return Value{}, err
	}

	switch n.Op {
	case TokenPlus, TokenMinus, TokenStar, TokenSlash:
		return zipElems(left, right, func(a, b Value) Value {
			return arith(n.Op, a, b)
		})
	case TokenEq:
		return zipElems(left, right, func(a, b Value) Value {
			return Boolean(equalScalars(a, b))
		})
	case TokenNe:
		return zipElems(left, right, func(a, b Value) Value {
			// null compares unequal to everything, itself included
			if a.Kind == KindNull || b.Kind == KindNull {
				return Boolean(true)
			}
			return Boolean(!equalScalars(a, b))
		})
	case TokenLt, TokenLe, TokenGt, TokenGe:
		return zipElems(left, right, func(a, b Value) Value {
			cmp, ok := compareScalars(a, b)
			if !ok {
				return Boolean(false)
			}
			switch n.Op {
			case TokenLt:
				return Boolean(cmp < 0)
			case TokenLe:
				return Boolean(cmp <= 0)
			case TokenGt:
				return Boolean(cmp > 0)
			default:
				return Boolean(cmp >= 0)
			}
		})
	case TokenAmp, TokenAnd:
		return zipElems(left, right, func(a, b Value) Value {
			return Boolean(a.Truthy() && b.Truthy())
		})
	case TokenPipe, TokenOr:
		return zipElems(left, right, func(a, b Value) Value {
			return Boolean(a.Truthy() || b.Truthy())
		})
	}
	return Value{}, errors.Errorf("unsupported operator %s", n.Op)
}

// arith applies one arithmetic operator to scalars. Non-numeric
// operands yield null. Division by zero yields a non-finite value;
// both are unordered, so any downstream comparison comes out false.
func arith(op TokenKind, a, b Value) Value {
	if a.Kind != KindNumber || b.Kind != KindNumber {
		return Null()
	}
	switch op {
	case TokenPlus:
		return Number(a.Num + b.Num)
	case TokenMinus:
		return Number(a.Num - b.Num)
	case TokenStar:
		return Number(a.Num * b.Num)
	case TokenSlash:
		return Number(a.Num / b.Num)
	}
	return Null()
}

// mapElems applies f elementwise, broadcasting over scalars.
func mapElems(v Value, f func(Value) Value) Value {
	if !v.IsSeries() {
		return f(v)
	}
	out := make([]Value, len(v.Elems))
	for i, elem := range v.Elems {
		out[i] = f(elem)
	}
	return Series(v.Origin, out)
}

// zipElems applies f pairwise with scalar broadcast. Two series must
// have equal length.
func zipElems(a, b Value, f func(x, y Value) Value) (Value, error) {
	switch {
	case a.IsSeries() && b.IsSeries():
		if len(a.Elems) != len(b.Elems) {
			return Value{}, errors.Errorf("series length mismatch: %d vs %d", len(a.Elems), len(b.Elems))
		}
		out := make([]Value, len(a.Elems))
		for i := range a.Elems {
			out[i] = f(a.Elems[i], b.Elems[i])
		}
		origin := a.Origin
		if origin == "" {
			origin = b.Origin
		}
		return Series(origin, out), nil
	case a.IsSeries():
		out := make([]Value, len(a.Elems))
		for i := range a.Elems {
			out[i] = f(a.Elems[i], b)
		}
		return Series(a.Origin, out), nil
	case b.IsSeries():
		out := make([]Value, len(b.Elems))
		for i := range b.Elems {
			out[i] = f(a, b.Elems[i])
		}
		return Series(b.Origin, out), nil
	default:
		return f(a, b), nil
	}
}

func evalCall(n *Call, env *Env) (Value, error) {
	switch fn := n.Fn.(type) {
	case *Ident:
		switch fn.Name {
		case "to_datetime":
			return callToDatetime(n, env)
		case "now", "today":
			return TimeValue(env.referenceTime()), nil
		}
		return Value{}, errors.Errorf("unknown function %q", fn.Name)

	case *Attr:
		// pd.to_datetime(...), pd.Timestamp(...), pd.Timestamp.now()
		if root, ok := fn.X.(*Ident); ok && (root.Name == "pd" || root.Name == "np") {
			switch fn.Name {
			case "to_datetime":
				return callToDatetime(n, env)
			case "Timestamp":
				return callTimestamp(n, env)
			case "isnan", "isnull":
				arg, err := evalSingleArg(n, env)
				if err != nil {
					return Value{}, err
				}
				return mapElems(arg, func(v Value) Value {
					return Boolean(v.Kind == KindNull || (v.Kind == KindNumber && math.IsNaN(v.Num)))
				}), nil
			}
			return Value{}, errors.Errorf("unknown function pd.%s", fn.Name)
		}
		if inner, ok := fn.X.(*Attr); ok {
			// pd.Timestamp.now()
			if root, ok := inner.X.(*Ident); ok && root.Name == "pd" && inner.Name == "Timestamp" && fn.Name == "now" {
				return TimeValue(env.referenceTime()), nil
			}
			// series.str.<method>(...)
			if inner.Name == "str" {
				recv, err := eval(inner.X, env)
				if err != nil {
					return Value{}, err
				}
				return callStrMethod(fn.Name, recv, n, env)
			}
		}
		// series/table method call
		recv, err := eval(fn.X, env)
		if err != nil {
			return Value{}, err
		}
		return callMethod(fn.Name, recv, n, env)
	}
	return Value{}, errors.New("expression is not callable")
}

func evalSingleArg(n *Call, env *Env) (Value, error) {
	if len(n.Args) != 1 {
		return Value{}, errors.New("expected exactly one argument")
	}
	return eval(n.Args[0], env)
}

func callToDatetime(n *Call, env *Env) (Value, error) {
	// errors='coerce' is accepted and is also the only behavior:
	// unparseable values become null.
	arg, err := evalSingleArg(n, env)
	if err != nil {
		return Value{}, err
	}
	return mapElems(arg, func(v Value) Value {
		switch v.Kind {
		case KindTime:
			return v
		case KindString:
			if t, ok := ParseDate(v.Str); ok {
				return TimeValue(t)
			}
			return Null()
		case KindNumber:
			// eight-digit numeric dates come out of CSV columns as numbers
			if t, ok := ParseDate(v.Render()); ok {
				return TimeValue(t)
			}
			return Null()
		default:
			return Null()
		}
	}), nil
}

func callTimestamp(n *Call, env *Env) (Value, error) {
	arg, err := evalSingleArg(n, env)
	if err != nil {
		return Value{}, err
	}
	if arg.Kind != KindString {
		return Value{}, errors.New("pd.Timestamp requires a quoted date")
	}
	t, ok := ParseDate(arg.Str)
	if !ok {
		return Value{}, errors.Errorf("invalid timestamp %q", arg.Str)
	}
	return TimeValue(t), nil
}

func callStrMethod(name string, recv Value, n *Call, env *Env) (Value, error) {
	switch name {
	case "contains":
		arg, err := evalSingleArg(n, env)
		if err != nil {
			return Value{}, err
		}
		if arg.Kind != KindString {
			return Value{}, errors.New("str.contains requires a string argument")
		}
		return mapElems(recv, func(v Value) Value {
			if v.Kind != KindString {
				return Boolean(false)
			}
			return Boolean(strings.Contains(v.Str, arg.Str))
		}), nil
	case "match":
		arg, err := evalSingleArg(n, env)
		if err != nil {
			return Value{}, err
		}
		if arg.Kind != KindString {
			return Value{}, errors.New("str.match requires a pattern argument")
		}
		pattern := arg.Str
		if !strings.HasPrefix(pattern, "^") {
			pattern = "^(?:" + pattern + ")"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Value{}, errors.Wrapf(err, "invalid pattern %q", arg.Str)
		}
		return mapElems(recv, func(v Value) Value {
			if v.Kind != KindString {
				return Boolean(false)
			}
			return Boolean(re.MatchString(v.Str))
		}), nil
	case "len":
		return mapElems(recv, func(v Value) Value {
			if v.Kind != KindString {
				return Null()
			}
			return Number(float64(len([]rune(v.Str))))
		}), nil
	}
	return Value{}, errors.Errorf("unknown string method %q", name)
}

func callMethod(name string, recv Value, n *Call, env *Env) (Value, error) {
	switch name {
	case "notnull", "notna":
		return mapElems(recv, func(v Value) Value {
			return Boolean(v.Kind != KindNull)
		}), nil
	case "isnull", "isna":
		return mapElems(recv, func(v Value) Value {
			return Boolean(v.Kind == KindNull)
		}), nil
	case "isin":
		arg, err := evalSingleArg(n, env)
		if err != nil {
			return Value{}, err
		}
		if arg.Kind != KindList && !arg.IsSeries() {
			return Value{}, errors.New("isin requires a list or a column")
		}
		members := arg.Elems
		return mapElems(recv, func(v Value) Value {
			if v.Kind == KindNull {
				return Boolean(false)
			}
			for _, m := range members {
				if equalScalars(v, m) {
					return Boolean(true)
				}
			}
			return Boolean(false)
		}), nil
	case "duplicated":
		return callDuplicated(recv, n, env)
	case "nunique":
		if !recv.IsSeries() {
			return Value{}, errors.New("nunique requires a column")
		}
		seen := map[string]struct{}{}
		for _, v := range recv.Elems {
			if v.Kind == KindNull {
				continue
			}
			seen[scalarKey(v)] = struct{}{}
		}
		return Number(float64(len(seen))), nil
	case "all":
		if !recv.IsSeries() {
			return Boolean(recv.Truthy()), nil
		}
		for _, v := range recv.Elems {
			if !v.Truthy() {
				return Boolean(false), nil
			}
		}
		return Boolean(true), nil
	case "any":
		if !recv.IsSeries() {
			return Boolean(recv.Truthy()), nil
		}
		for _, v := range recv.Elems {
			if v.Truthy() {
				return Boolean(true), nil
			}
		}
		return Boolean(false), nil
	case "min", "max", "sum", "mean":
		return reduceNumeric(name, recv)
	}
	return Value{}, errors.Errorf("unknown method %q", name)
}

func callDuplicated(recv Value, n *Call, env *Env) (Value, error) {
	if !recv.IsSeries() {
		return Value{}, errors.New("duplicated requires a column")
	}
	keepFirst := true // pandas default keep='first'
	for _, kw := range n.Kwargs {
		if kw.Name != "keep" {
			return Value{}, errors.Errorf("unknown keyword %q for duplicated", kw.Name)
		}
		v, err := eval(kw.Value, env)
		if err != nil {
			return Value{}, err
		}
		switch {
		case v.Kind == KindBool && !v.Bool:
			keepFirst = false
		case v.Kind == KindString && v.Str == "first":
			keepFirst = true
		default:
			return Value{}, errors.Errorf("unsupported keep value %s", v.Render())
		}
	}

	counts := map[string]int{}
	for _, v := range recv.Elems {
		if v.Kind == KindNull {
			continue
		}
		counts[scalarKey(v)]++
	}
	seen := map[string]bool{}
	out := make([]Value, len(recv.Elems))
	for i, v := range recv.Elems {
		// nulls are never duplicates of each other
		if v.Kind == KindNull {
			out[i] = Boolean(false)
			continue
		}
		key := scalarKey(v)
		if keepFirst {
			out[i] = Boolean(seen[key])
			seen[key] = true
		} else {
			out[i] = Boolean(counts[key] > 1)
		}
	}
	return Series(recv.Origin, out), nil
}

func reduceNumeric(name string, recv Value) (Value, error) {
	if !recv.IsSeries() {
		return Value{}, errors.Errorf("%s requires a column", name)
	}
	var nums []float64
	var times []time.Time
	for _, v := range recv.Elems {
		switch v.Kind {
		case KindNumber:
			nums = append(nums, v.Num)
		case KindTime:
			times = append(times, v.Time)
		}
	}
	if len(times) > 0 && (name == "min" || name == "max") {
		best := times[0]
		for _, t := range times[1:] {
			if (name == "min" && t.Before(best)) || (name == "max" && t.After(best)) {
				best = t
			}
		}
		return TimeValue(best), nil
	}
	if len(nums) == 0 {
		if name == "sum" {
			return Number(0), nil
		}
		return Null(), nil
	}
	switch name {
	case "sum", "mean":
		total := 0.0
		for _, f := range nums {
			total += f
		}
		if name == "sum" {
			return Number(total), nil
		}
		return Number(total / float64(len(nums))), nil
	case "min", "max":
		best := nums[0]
		for _, f := range nums[1:] {
			if (name == "min" && f < best) || (name == "max" && f > best) {
				best = f
			}
		}
		return Number(best), nil
	}
	return Value{}, errors.Errorf("unknown reduction %q", name)
}
