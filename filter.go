package geoview

import (
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru"
)

const filterCacheSize = 1024

// Filter is a compiled CEL expression evaluated against a feature.
// Variables: id (string), properties (map), geometry_type (string),
// zoom (double).
type Filter struct {
	expr string
	prg  cel.Program
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match reports whether the feature passes the filter. A nil filter
// matches everything; evaluation errors such as a missing property
// count as a mismatch.
func (f *Filter) Match(feature *Feature, zoom float64) bool {
	if f == nil {
		return true
	}
	props := feature.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	out, _, err := f.prg.Eval(map[string]interface{}{
		"id":            feature.ID,
		"properties":    props,
		"geometry_type": feature.GeometryType(),
		"zoom":          zoom,
	})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

type filterCompiler struct {
	env      *cel.Env
	programs *lru.Cache
}

func newFilterCompiler() (*filterCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("geometry_type", cel.StringType),
		cel.Variable("zoom", cel.DoubleType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	programs, err := lru.New(filterCacheSize)
	if err != nil {
		return nil, err
	}
	return &filterCompiler{
		env:      env,
		programs: programs,
	}, nil
}

func (c *filterCompiler) len() int {
	return c.programs.Len()
}

// compile returns nil for an empty expression.
func (c *filterCompiler) compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if len(expr) == 0 {
		return nil, nil
	}
	if cached, ok := c.programs.Get(expr); ok {
		return cached.(*Filter), nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, invalidf("filter", "compile %q: %v", expr, issues.Err())
	}
	// dyn is allowed since property values are untyped
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, invalidf("filter", "%q evaluates to %s, not bool", expr, out)
	}
	prg, err := c.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, invalidf("filter", "program %q: %v", expr, err)
	}
	f := &Filter{expr: expr, prg: prg}
	c.programs.Add(expr, f)
	return f, nil
}
