// Package probe evaluates named computed state values over their
// dependency graph. Probes run commands or render expressions, rewrite
// the output by pattern, and project named templates over the result;
// downstream items substitute probe values into their fields.
package probe

import (
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Result is one fully evaluated probe.
type Result struct {
	Name string
	// Raw is the output before rewrite rules; Value is the output after.
	// With no matching rewrite rule the two are equal.
	Raw   string
	Value string
	// Original carries the pre-rewrite output when a rule changed it.
	Original  string
	Rewritten bool
	Templates map[string]string

	// parsed holds Value decoded as JSON when the probe is flagged json.
	parsed cty.Value
}

// object renders the full result as a template value: value, raw and
// original plus every named template. A json probe exposes the decoded
// document as value.
func (r Result) object() cty.Value {
	attrs := make(map[string]cty.Value, len(r.Templates)+3)
	for name, out := range r.Templates {
		attrs[name] = cty.StringVal(out)
	}
	if r.parsed != cty.NilVal {
		attrs["value"] = r.parsed
	} else {
		attrs["value"] = cty.StringVal(r.Value)
	}
	attrs["raw"] = cty.StringVal(r.Raw)
	attrs["original"] = cty.StringVal(r.Original)
	return cty.ObjectVal(attrs)
}

// Results indexes evaluated probes by name.
type Results map[string]Result

// Context layers every probe result over a base template context. Each
// probe is reachable under the probe root; dashed names also get an
// underscore alias so bare identifiers resolve.
func (rs Results) Context(base map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if len(rs) == 0 {
		out["probe"] = cty.EmptyObjectVal
		return out
	}
	attrs := make(map[string]cty.Value, len(rs))
	for name, r := range rs {
		obj := r.object()
		attrs[name] = obj
		if alias := identName(name); alias != name {
			attrs[alias] = obj
		}
	}
	out["probe"] = cty.ObjectVal(attrs)
	return out
}

// Names returns the probe names in sorted order, for reporting.
func (rs Results) Names() []string {
	out := make([]string, 0, len(rs))
	for name := range rs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// depContext builds the evaluation context a probe's own expression and
// templates see: each dependency's result object under its name (dashes
// folded to underscores).
func depContext(deps []string, resolved Results) map[string]cty.Value {
	out := make(map[string]cty.Value, len(deps))
	for _, dep := range deps {
		r, ok := resolved[dep]
		if !ok {
			continue
		}
		out[identName(dep)] = r.object()
	}
	return out
}

func identName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// decodeJSON parses s as a JSON document into a template value. Returns
// NilVal when s is not valid JSON.
func decodeJSON(s string) cty.Value {
	ty, err := ctyjson.ImpliedType([]byte(s))
	if err != nil {
		return cty.NilVal
	}
	val, err := ctyjson.Unmarshal([]byte(s), ty)
	if err != nil {
		return cty.NilVal
	}
	return val
}
