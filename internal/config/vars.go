package config

import (
	"sort"

	"github.com/vk/convergo/internal/template"
	"github.com/zclconf/go-cty/cty"
)

// VarSet holds the base vars plus label- or selector-scoped overlays.
// Base vars are always active; an overlay contributes only while its
// selector is part of the active set, and wins per key over base.
type VarSet struct {
	Base   map[string]string
	Scopes []VarScope
}

// VarScope is one overlay keyed by the selector that activates it.
type VarScope struct {
	Selector string
	Values   map[string]string
}

// Resolve materializes the effective var map for the given active
// selectors. Overlays apply in declaration order, each one layered over
// the result so far.
func (v VarSet) Resolve(active []string) map[string]string {
	out := make(map[string]string, len(v.Base))
	for k, val := range v.Base {
		out[k] = val
	}
	for _, scope := range v.Scopes {
		if !contains(active, scope.Selector) {
			continue
		}
		for k, val := range scope.Values {
			out[k] = val
		}
	}
	return out
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Env renders a resolved var map as sorted KEY=VALUE pairs for a child
// process environment. Vars reach external commands only here, at the
// exec boundary.
func Env(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Context exposes a resolved var map to templates as the `var` root.
func Context(vars map[string]string) map[string]cty.Value {
	return map[string]cty.Value{"var": template.StringsObject(vars)}
}
