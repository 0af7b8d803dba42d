package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/vk/convergo/internal/item"
)

// Model is the merged, format-agnostic view of a configuration tree.
// Items keep their declared order: files merge path-sorted, declarations
// keep their in-file order. Probes, artifacts and run commands are global
// regardless of selector filtering.
type Model struct {
	// BaseDir is the directory relative source paths resolve against.
	BaseDir string
	Meta    Meta
	Items   []ItemConfig
	Probes  []ProbeConfig

	Artifacts []ArtifactConfig
	Runs      []RunConfig

	// knownSelectors holds every addressable file stem and @label seen
	// at load, for validating the active selector set.
	knownSelectors map[string]bool
}

func (m *Model) noteSelector(sel string) {
	if m.knownSelectors == nil {
		m.knownSelectors = make(map[string]bool)
	}
	m.knownSelectors[sel] = true
}

// UnknownSelectors returns the selectors that address no config file,
// by stem or label. Asking for something that does not exist is a
// configuration error, not an empty run.
func (m *Model) UnknownSelectors(selectors []string) []string {
	var out []string
	for _, sel := range selectors {
		if !m.knownSelectors[sel] {
			out = append(out, sel)
		}
	}
	return out
}

// Meta carries configuration-wide settings merged from all meta blocks.
type Meta struct {
	Name     string
	Banner   string
	Defaults []string
	Vars     VarSet
}

// ItemConfig is one declared item before field substitution. Key and the
// Fields values stay as unevaluated expressions until probes are resolved;
// Materialize renders them into a flat item.Item.
type ItemConfig struct {
	Kind        item.Kind
	Key         hcl.Expression
	Fields      map[string]hcl.Expression
	RunIf       string
	CacheKey    hcl.Expression
	CacheCmd    string
	Confirm     bool
	Interactive bool
	// Source is the config file the item came from; Selector is the file
	// stem it is addressed by; Labels are the file's meta labels.
	Source   string
	Selector string
	Labels   []string
}

// ProbeConfig declares one named computed state value.
type ProbeConfig struct {
	Name string
	// Cmd, when set, is executed through the shell; its trimmed stdout is
	// the raw output. Expr, when set, renders against dependency results
	// (and raw, when Cmd is also set). A probe with neither is a pure
	// template projection of its dependencies.
	Cmd  hcl.Expression
	Expr hcl.Expression
	Deps []string
	TTL  string
	JSON bool
	// Rewrites apply in declared order, first match wins.
	Rewrites  []RewriteRule
	Templates []ProbeTemplate
}

// RewriteRule replaces a probe's value when its pattern matches the raw
// output.
type RewriteRule struct {
	Pattern string
	Value   string
}

// ProbeTemplate is a named projection rendered against the probe's own
// result and its dependencies.
type ProbeTemplate struct {
	Name string
	Text hcl.Expression
}

// ArtifactConfig declares a build output resolved before reconciliation.
type ArtifactConfig struct {
	Name  string
	Build string
	Src   string
	Dest  string
	// Watch paths feed the freshness hash; Check is the alternative
	// freshness command (exit 0 means fresh). With neither, every run
	// rebuilds.
	Watch []string
	Check string
	// Deps are local build dependencies as "pkg:bin" specs, optionally
	// prefixed with a package manager ("apt.gcc:gcc").
	Deps []string
}

// RunConfig declares a named ad-hoc command.
type RunConfig struct {
	Name        string
	Cmd         string
	Script      string
	Description string
	Confirm     bool
	TTY         bool
	Local       bool
}

// Run returns the run command with the given name.
func (m *Model) Run(name string) (RunConfig, bool) {
	for _, r := range m.Runs {
		if r.Name == name {
			return r, true
		}
	}
	return RunConfig{}, false
}

// Select returns a model whose items are narrowed to the given selectors.
// A selector matches a file by stem, or by label when prefixed with "@".
// No selectors means everything. Probes, artifacts and run commands are
// never filtered.
func (m *Model) Select(selectors []string) *Model {
	if len(selectors) == 0 {
		return m
	}
	out := *m
	out.Items = nil
	for _, it := range m.Items {
		if matchesSelectors(it, selectors) {
			out.Items = append(out.Items, it)
		}
	}
	return &out
}

func matchesSelectors(it ItemConfig, selectors []string) bool {
	for _, sel := range selectors {
		if len(sel) > 1 && sel[0] == '@' {
			label := sel[1:]
			for _, l := range it.Labels {
				if l == label {
					return true
				}
			}
			continue
		}
		if it.Selector == sel {
			return true
		}
	}
	return false
}
