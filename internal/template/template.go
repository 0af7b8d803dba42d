// Package template renders HCL template strings against a value context.
// Rendering is lenient: references that cannot be resolved evaluate to the
// empty string instead of failing, which lets configuration reference
// probe results and vars that may not exist on every machine.
package template

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// funcs is the function table available inside every template. jsondecode
// is the JSON-parsing filter used to pick fields out of command output
// that happens to be JSON.
var funcs = map[string]function.Function{
	"jsondecode": stdlib.JSONDecodeFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"trimspace":  stdlib.TrimSpaceFunc,
	"lower":      stdlib.LowerFunc,
	"upper":      stdlib.UpperFunc,
}

// Render evaluates src as an HCL template against vars. Unresolved
// variable references render as empty strings; only malformed template
// syntax or a failing function call is an error.
func Render(src string, vars map[string]cty.Value) (string, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return "", fmt.Errorf("invalid template %q: %s", src, diags.Error())
	}

	return EvalExpr(expr, vars)
}

// EvalExpr evaluates an already-parsed HCL expression with the same
// lenient semantics as Render. A nil expression renders as "".
func EvalExpr(expr hcl.Expression, vars map[string]cty.Value) (string, error) {
	if expr == nil {
		return "", nil
	}
	evalCtx := &hcl.EvalContext{
		Variables: backfill(expr.Variables(), vars),
		Functions: funcs,
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return "", fmt.Errorf("expression: %s", diags.Error())
	}
	return Stringify(val), nil
}

// Stringify converts an evaluated template value to its string form.
// Unknown or null values become ""; non-string values that cannot be
// converted directly are JSON-encoded.
func Stringify(val cty.Value) string {
	if val.IsNull() || !val.IsWhollyKnown() {
		return ""
	}
	if s, err := convert.Convert(val, cty.String); err == nil {
		return s.AsString()
	}
	if data, err := ctyjson.Marshal(val, val.Type()); err == nil {
		return string(data)
	}
	return ""
}

// backfill returns a variable table in which every traversal the template
// references resolves to something: paths missing from vars are grafted in
// with empty-string leaves so evaluation never trips over an undefined
// reference.
func backfill(traversals []hcl.Traversal, vars map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	for _, tr := range traversals {
		if len(tr) == 0 {
			continue
		}
		root, ok := tr[0].(hcl.TraverseRoot)
		if !ok {
			continue
		}
		out[root.Name] = ensure(out[root.Name], tr[1:])
	}
	return out
}

// ensure walks the attribute steps of a traversal, reusing values that
// already exist and inserting empty strings where the path dead-ends.
func ensure(base cty.Value, steps hcl.Traversal) cty.Value {
	if len(steps) == 0 {
		if base == cty.NilVal {
			return cty.StringVal("")
		}
		return base
	}
	attr, ok := steps[0].(hcl.TraverseAttr)
	if !ok {
		// Index steps (var[0]) are left to evaluate against whatever is
		// there already; a missing collection still falls back to "".
		if base == cty.NilVal {
			return cty.StringVal("")
		}
		return base
	}

	attrs := map[string]cty.Value{}
	if base != cty.NilVal && !base.IsNull() && base.IsKnown() {
		ty := base.Type()
		if ty.IsObjectType() || ty.IsMapType() {
			for k, v := range base.AsValueMap() {
				attrs[k] = v
			}
		}
	}
	attrs[attr.Name] = ensure(attrs[attr.Name], steps[1:])
	return cty.ObjectVal(attrs)
}

// StringsObject builds a cty object value out of a plain string map,
// the common shape for template contexts assembled from command output.
func StringsObject(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}
