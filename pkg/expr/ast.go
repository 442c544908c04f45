package expr

// Node is an expression AST node. New operators are additions to this
// AST and the evaluator, not new parsers.
type Node interface {
	node()
}

// NumberLit is a numeric literal.
type NumberLit struct {
	Value float64
}

// StringLit is a quoted or raw string literal.
type StringLit struct {
	Value string
}

// BoolLit is True or False.
type BoolLit struct {
	Value bool
}

// NullLit is None.
type NullLit struct{}

// ListLit is a bracketed literal list, e.g. ['A', 'B'].
type ListLit struct {
	Items []Node
}

// Ident is a bare name: df, pd, now, shape.
type Ident struct {
	Name string
}

// Index is x[key]: column access, table lookup, or shape[0].
type Index struct {
	X   Node
	Key Node
}

// Attr is x.name: method or namespace access (df['a'].str, pd.to_datetime).
type Attr struct {
	X    Node
	Name string
}

// Kwarg is a keyword argument inside a call, e.g. keep=False.
type Kwarg struct {
	Name  string
	Value Node
}

// Call is fn(args..., kwargs...).
type Call struct {
	Fn     Node
	Args   []Node
	Kwargs []Kwarg
}

// Unary is an operator with one operand: ~x, not x, -x.
type Unary struct {
	Op TokenKind
	X  Node
}

// Binary is an operator with two operands.
type Binary struct {
	Op TokenKind
	X  Node
	Y  Node
}

func (*NumberLit) node() {}
func (*StringLit) node() {}
func (*BoolLit) node()   {}
func (*NullLit) node()   {}
func (*ListLit) node()   {}
func (*Ident) node()     {}
func (*Index) node()     {}
func (*Attr) node()      {}
func (*Call) node()      {}
func (*Unary) node()     {}
func (*Binary) node()    {}
