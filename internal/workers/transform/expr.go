package transform

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"

	"dossier/internal/tabular"
)

// exprEngine compiles filter and derive expressions once per expression
// and column-type signature. Expressions are plain Go, evaluated by an
// embedded interpreter against generated row bindings. No packages are
// exposed to the interpreter, so a plan cannot reach the filesystem or
// network through a query string.
type exprEngine struct {
	mu    sync.Mutex
	cache map[string]*compiledExpr
}

func newExprEngine() *exprEngine {
	return &exprEngine{cache: make(map[string]*compiledExpr)}
}

// compiledExpr guards its interpreter: yaegi programs are not safe for
// concurrent evaluation.
type compiledExpr struct {
	mu sync.Mutex
	fn func(map[string]interface{}) interface{}
}

func (c *compiledExpr) eval(row map[string]interface{}) (out interface{}, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("expression panicked: %v", r)
		}
	}()
	return c.fn(row), nil
}

// binding ties a referenced column to the accessor the generated code
// wraps it in.
type binding struct {
	name string
	kind string
}

func (e *exprEngine) compile(expr string, t *tabular.Table) (*compiledExpr, error) {
	refs, err := referencedColumns(expr, t)
	if err != nil {
		return nil, err
	}
	key := cacheKey(expr, refs)

	e.mu.Lock()
	if prog, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return prog, nil
	}
	e.mu.Unlock()

	prog, err := buildProgram(expr, refs)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()
	return prog, nil
}

// referencedColumns parses the expression and keeps the identifiers that
// name table columns. Numeric columns bind as float64, booleans as bool,
// everything else (timestamps included) as its string form, which keeps
// RFC 3339 comparisons ordered.
func referencedColumns(expr string, t *tabular.Table) ([]binding, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	kinds := make(map[string]string, len(t.Columns))
	for _, cs := range t.Schema() {
		if !token.IsIdentifier(cs.Name) {
			continue
		}
		switch cs.Type {
		case tabular.TypeInteger, tabular.TypeFloat:
			kinds[cs.Name] = "float"
		case tabular.TypeBoolean:
			kinds[cs.Name] = "bool"
		default:
			kinds[cs.Name] = "string"
		}
	}
	seen := make(map[string]bool)
	var refs []binding
	ast.Inspect(node, func(n ast.Node) bool {
		ident, ok := n.(*ast.Ident)
		if !ok || seen[ident.Name] {
			return true
		}
		kind, isColumn := kinds[ident.Name]
		if !isColumn {
			return true
		}
		seen[ident.Name] = true
		refs = append(refs, binding{name: ident.Name, kind: kind})
		return true
	})
	sort.Slice(refs, func(i, j int) bool { return refs[i].name < refs[j].name })
	return refs, nil
}

func cacheKey(expr string, refs []binding) string {
	var b strings.Builder
	b.WriteString(expr)
	for _, ref := range refs {
		b.WriteByte('\x00')
		b.WriteString(ref.name)
		b.WriteByte('=')
		b.WriteString(ref.kind)
	}
	return b.String()
}

const exprHelpers = `func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
`

var helperFor = map[string]string{
	"float":  "asFloat",
	"bool":   "asBool",
	"string": "asString",
}

// buildProgram generates a tiny package around the expression and hands
// it to a fresh interpreter. The expression was already validated by
// parser.ParseExpr, so it cannot smuggle statements into the body.
func buildProgram(expr string, refs []binding) (*compiledExpr, error) {
	var b strings.Builder
	b.WriteString("package expr\n\n")
	b.WriteString(exprHelpers)
	b.WriteString("\nfunc Eval(row map[string]interface{}) interface{} {\n")
	for _, ref := range refs {
		fmt.Fprintf(&b, "\t%s := %s(row[%q])\n", ref.name, helperFor[ref.kind], ref.name)
		fmt.Fprintf(&b, "\t_ = %s\n", ref.name)
	}
	fmt.Fprintf(&b, "\treturn %s\n}\n", expr)

	i := interp.New(interp.Options{})
	if _, err := i.Eval(b.String()); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	v, err := i.Eval("expr.Eval")
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) interface{})
	if !ok {
		return nil, errors.New("expression did not compile to a row function")
	}
	return &compiledExpr{fn: fn}, nil
}
