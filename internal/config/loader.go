package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/convergo/internal/fsutil"
	"github.com/vk/convergo/internal/item"
)

// fileRoot decodes every block a config file may carry. There is no
// remain body: an unknown block or attribute is a configuration error.
type fileRoot struct {
	Meta      *metaBlock       `hcl:"meta,block"`
	Packages  []*packageBlock  `hcl:"package,block"`
	Services  []*serviceBlock  `hcl:"service,block"`
	Files     []*fileBlock     `hcl:"file,block"`
	Aliases   []*aliasBlock    `hcl:"alias,block"`
	Envs      []*envBlock      `hcl:"env,block"`
	Scripts   []*scriptBlock   `hcl:"script,block"`
	Commands  []*commandBlock  `hcl:"command,block"`
	Asserts   []*assertBlock   `hcl:"assert,block"`
	Probes    []*probeBlock    `hcl:"probe,block"`
	Artifacts []*artifactBlock `hcl:"artifact,block"`
	Runs      []*runBlock      `hcl:"run,block"`
}

type metaBlock struct {
	Name     string     `hcl:"name,optional"`
	Banner   string     `hcl:"banner,optional"`
	Defaults []string   `hcl:"defaults,optional"`
	Labels   []string   `hcl:"labels,optional"`
	Vars     *varsBlock `hcl:"vars,block"`
}

type varsBlock struct {
	Base   map[string]string `hcl:"base,optional"`
	Scopes []*varScopeBlock  `hcl:"scope,block"`
}

type varScopeBlock struct {
	Selector string            `hcl:"selector,label"`
	Values   map[string]string `hcl:"values"`
}

type packageBlock struct {
	Manager string   `hcl:"manager,label"`
	Items   []string `hcl:"items"`
	RunIf   string   `hcl:"run_if,optional"`
}

type serviceBlock struct {
	Name    string `hcl:"name,label"`
	State   string `hcl:"state,optional"`
	Enabled bool   `hcl:"enabled,optional"`
	Scope   string `hcl:"scope,optional"`
	RunIf   string `hcl:"run_if,optional"`
}

type fileBlock struct {
	Op       string         `hcl:"op,label"`
	Src      hcl.Expression `hcl:"src,optional"`
	Dest     hcl.Expression `hcl:"dest,optional"`
	URL      hcl.Expression `hcl:"url,optional"`
	Path     hcl.Expression `hcl:"path,optional"`
	Line     hcl.Expression `hcl:"line,optional"`
	Lines    []string       `hcl:"lines,optional"`
	Match    string         `hcl:"match,optional"`
	Regex    bool           `hcl:"regex,optional"`
	Mode     string         `hcl:"mode,optional"`
	TTL      string         `hcl:"ttl,optional"`
	CacheKey hcl.Expression `hcl:"cache_key,optional"`
	RunIf    string         `hcl:"run_if,optional"`
}

type aliasBlock struct {
	Name    string         `hcl:"name,label"`
	Command hcl.Expression `hcl:"command"`
}

type envBlock struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value"`
}

type scriptBlock struct {
	Name   string `hcl:"name,label"`
	Source string `hcl:"source"`
	RunIf  string `hcl:"run_if,optional"`
}

type commandBlock struct {
	Name        string         `hcl:"name,label"`
	Check       hcl.Expression `hcl:"check"`
	Apply       hcl.Expression `hcl:"apply"`
	CacheKey    hcl.Expression `hcl:"cache_key,optional"`
	CacheCmd    string         `hcl:"cache_cmd,optional"`
	Confirm     bool           `hcl:"confirm,optional"`
	Interactive bool           `hcl:"interactive,optional"`
	RunIf       string         `hcl:"run_if,optional"`
}

type assertBlock struct {
	Name        string         `hcl:"name,label"`
	Check       hcl.Expression `hcl:"check"`
	Foreach     bool           `hcl:"foreach,optional"`
	Message     string         `hcl:"message,optional"`
	MatchStdout string         `hcl:"match_stdout,optional"`
	MatchStderr string         `hcl:"match_stderr,optional"`
	RunIf       string         `hcl:"run_if,optional"`
}

type probeBlock struct {
	Name      string                `hcl:"name,label"`
	Cmd       hcl.Expression        `hcl:"cmd,optional"`
	Expr      hcl.Expression        `hcl:"expr,optional"`
	Deps      []string              `hcl:"deps,optional"`
	TTL       string                `hcl:"ttl,optional"`
	JSON      bool                  `hcl:"json,optional"`
	Rewrites  []*rewriteBlock       `hcl:"rewrite,block"`
	Templates []*probeTemplateBlock `hcl:"template,block"`
}

type rewriteBlock struct {
	Pattern string `hcl:"pattern"`
	Value   string `hcl:"value"`
}

type probeTemplateBlock struct {
	Name string         `hcl:"name,label"`
	Text hcl.Expression `hcl:"text"`
}

type artifactBlock struct {
	Name  string   `hcl:"name,label"`
	Build string   `hcl:"build"`
	Src   string   `hcl:"src"`
	Dest  string   `hcl:"dest"`
	Watch []string `hcl:"watch,optional"`
	Check string   `hcl:"check,optional"`
	Deps  []string `hcl:"deps,optional"`
}

type runBlock struct {
	Name        string `hcl:"name,label"`
	Cmd         string `hcl:"cmd,optional"`
	Script      string `hcl:"script,optional"`
	Description string `hcl:"description,optional"`
	Confirm     bool   `hcl:"confirm,optional"`
	TTY         bool   `hcl:"tty,optional"`
	Local       bool   `hcl:"local,optional"`
}

// Load parses a config file or a directory of *.hcl files into a merged
// Model. Files merge in path-sorted order; declarations inside a file
// keep their order. Any structural problem aborts the load.
func Load(path string) (*Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config path %s: %w", path, err)
	}

	var files []string
	model := &Model{}
	if info.IsDir() {
		model.BaseDir = path
		files, err = findConfigFiles(path)
		if err != nil {
			return nil, err
		}
	} else {
		model.BaseDir = filepath.Dir(path)
		files = []string{path}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl config files under %s", path)
	}

	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %s", file, diags.Error())
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode %s: %s", file, diags.Error())
		}
		if err := mergeFile(model, &root, file); err != nil {
			return nil, err
		}
	}

	if err := validate(model); err != nil {
		return nil, err
	}
	return model, nil
}

func findConfigFiles(dir string) ([]string, error) {
	files, err := fsutil.FindFilesByExtension(dir, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to scan config directory %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// mergeFile folds one decoded file into the model.
func mergeFile(m *Model, root *fileRoot, file string) error {
	selector := strings.TrimSuffix(filepath.Base(file), ".hcl")
	var labels []string

	m.noteSelector(selector)
	if root.Meta != nil {
		labels = root.Meta.Labels
		for _, l := range labels {
			m.noteSelector("@" + l)
		}
		if root.Meta.Name != "" {
			m.Meta.Name = root.Meta.Name
		}
		if root.Meta.Banner != "" {
			m.Meta.Banner = root.Meta.Banner
		}
		if len(root.Meta.Defaults) > 0 {
			m.Meta.Defaults = root.Meta.Defaults
		}
		if root.Meta.Vars != nil {
			if m.Meta.Vars.Base == nil {
				m.Meta.Vars.Base = map[string]string{}
			}
			for k, v := range root.Meta.Vars.Base {
				m.Meta.Vars.Base[k] = v
			}
			for _, scope := range root.Meta.Vars.Scopes {
				m.Meta.Vars.Scopes = append(m.Meta.Vars.Scopes, VarScope{
					Selector: scope.Selector,
					Values:   scope.Values,
				})
			}
		}
	}

	add := func(ic ItemConfig) {
		ic.Source = file
		ic.Selector = selector
		ic.Labels = labels
		m.Items = append(m.Items, ic)
	}

	for _, blk := range root.Packages {
		for _, pkg := range blk.Items {
			add(ItemConfig{
				Kind:  item.PackageKind(blk.Manager),
				Key:   literal(pkg),
				RunIf: blk.RunIf,
			})
		}
	}

	for _, blk := range root.Services {
		state := blk.State
		if state == "" {
			state = "active"
		}
		scope := blk.Scope
		if scope == "" {
			scope = "system"
		}
		add(ItemConfig{
			Kind: item.Service,
			Key:  literal(blk.Name + "@" + scope),
			Fields: map[string]hcl.Expression{
				"name":    literal(blk.Name),
				"state":   literal(state),
				"enabled": literal(boolStr(blk.Enabled)),
				"scope":   literal(scope),
			},
			RunIf: blk.RunIf,
		})
	}

	for _, blk := range root.Files {
		ic, err := translateFile(blk)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		add(ic)
	}

	for _, blk := range root.Aliases {
		add(ItemConfig{
			Kind:   item.Alias,
			Key:    literal(blk.Name),
			Fields: map[string]hcl.Expression{"command": blk.Command},
		})
	}

	for _, blk := range root.Envs {
		add(ItemConfig{
			Kind:   item.Env,
			Key:    literal(blk.Name),
			Fields: map[string]hcl.Expression{"value": blk.Value},
		})
	}

	for _, blk := range root.Scripts {
		add(ItemConfig{
			Kind:   item.Script,
			Key:    literal(blk.Name),
			Fields: map[string]hcl.Expression{"source": literal(blk.Source)},
			RunIf:  blk.RunIf,
		})
	}

	for _, blk := range root.Commands {
		add(ItemConfig{
			Kind: item.Command,
			Key:  literal(blk.Name),
			Fields: map[string]hcl.Expression{
				"check": blk.Check,
				"apply": blk.Apply,
			},
			RunIf:       blk.RunIf,
			CacheKey:    blk.CacheKey,
			CacheCmd:    blk.CacheCmd,
			Confirm:     blk.Confirm,
			Interactive: blk.Interactive,
		})
	}

	for _, blk := range root.Asserts {
		add(ItemConfig{
			Kind: item.Assert,
			Key:  literal(blk.Name),
			Fields: map[string]hcl.Expression{
				"check":        blk.Check,
				"foreach":      literal(boolStr(blk.Foreach)),
				"message":      literal(blk.Message),
				"match_stdout": literal(blk.MatchStdout),
				"match_stderr": literal(blk.MatchStderr),
			},
			RunIf: blk.RunIf,
		})
	}

	for _, blk := range root.Probes {
		probe := ProbeConfig{
			Name: blk.Name,
			Cmd:  blk.Cmd,
			Expr: blk.Expr,
			Deps: blk.Deps,
			TTL:  blk.TTL,
			JSON: blk.JSON,
		}
		for _, rw := range blk.Rewrites {
			probe.Rewrites = append(probe.Rewrites, RewriteRule{Pattern: rw.Pattern, Value: rw.Value})
		}
		for _, tpl := range blk.Templates {
			probe.Templates = append(probe.Templates, ProbeTemplate{Name: tpl.Name, Text: tpl.Text})
		}
		m.Probes = append(m.Probes, probe)
	}

	for _, blk := range root.Artifacts {
		m.Artifacts = append(m.Artifacts, ArtifactConfig{
			Name:  blk.Name,
			Build: blk.Build,
			Src:   blk.Src,
			Dest:  blk.Dest,
			Watch: blk.Watch,
			Check: blk.Check,
			Deps:  blk.Deps,
		})
	}

	for _, blk := range root.Runs {
		m.Runs = append(m.Runs, RunConfig{
			Name:        blk.Name,
			Cmd:         blk.Cmd,
			Script:      blk.Script,
			Description: blk.Description,
			Confirm:     blk.Confirm,
			TTY:         blk.TTY,
			Local:       blk.Local,
		})
	}

	return nil
}

// translateFile maps a file block to its item kind by operation label.
func translateFile(blk *fileBlock) (ItemConfig, error) {
	fields := map[string]hcl.Expression{}
	ic := ItemConfig{
		Fields:   fields,
		RunIf:    blk.RunIf,
		CacheKey: blk.CacheKey,
	}

	switch blk.Op {
	case "copy", "symlink", "template":
		if blk.Src == nil || blk.Dest == nil {
			return ic, fmt.Errorf("file %q requires src and dest", blk.Op)
		}
		switch blk.Op {
		case "copy":
			ic.Kind = item.FileCopy
		case "symlink":
			ic.Kind = item.FileSymlink
		default:
			ic.Kind = item.FileTemplate
		}
		ic.Key = blk.Dest
		fields["src"] = blk.Src
		fields["dest"] = blk.Dest
	case "fetch":
		if blk.URL == nil || blk.Dest == nil {
			return ic, fmt.Errorf("file %q requires url and dest", blk.Op)
		}
		ic.Kind = item.FileFetch
		ic.Key = blk.Dest
		fields["url"] = blk.URL
		fields["dest"] = blk.Dest
		fields["ttl"] = literal(blk.TTL)
	case "ensure_line":
		if blk.Path == nil || len(blk.Lines) == 0 {
			return ic, fmt.Errorf("file %q requires path and lines", blk.Op)
		}
		ic.Kind = item.FileEnsureLine
		ic.Key = blk.Path
		fields["path"] = blk.Path
		fields["lines"] = literal(strings.Join(blk.Lines, "\n"))
	case "line":
		if blk.Path == nil || blk.Line == nil {
			return ic, fmt.Errorf("file %q requires path and line", blk.Op)
		}
		mode := blk.Mode
		if mode == "" {
			mode = "replace"
		}
		if mode != "replace" && mode != "below" {
			return ic, fmt.Errorf("file \"line\" mode must be replace or below, got %q", mode)
		}
		ic.Kind = item.FileLine
		ic.Key = blk.Path
		fields["path"] = blk.Path
		fields["line"] = blk.Line
		fields["match"] = literal(blk.Match)
		fields["regex"] = literal(boolStr(blk.Regex))
		fields["mode"] = literal(mode)
	default:
		return ic, fmt.Errorf("unknown file operation %q", blk.Op)
	}
	return ic, nil
}

// validate enforces the structural rules that must hold before anything
// executes.
func validate(m *Model) error {
	probes := map[string]struct{}{}
	for _, p := range m.Probes {
		if _, dup := probes[p.Name]; dup {
			return fmt.Errorf("probe %q declared twice", p.Name)
		}
		probes[p.Name] = struct{}{}
	}
	for _, p := range m.Probes {
		for _, dep := range p.Deps {
			if _, ok := probes[dep]; !ok {
				return fmt.Errorf("probe %q depends on unknown probe %q", p.Name, dep)
			}
		}
	}

	runs := map[string]struct{}{}
	for _, r := range m.Runs {
		if _, dup := runs[r.Name]; dup {
			return fmt.Errorf("run command %q declared twice", r.Name)
		}
		runs[r.Name] = struct{}{}
		if r.Cmd == "" && r.Script == "" {
			return fmt.Errorf("run command %q has neither cmd nor script", r.Name)
		}
	}

	for _, a := range m.Artifacts {
		if a.Build == "" || a.Src == "" || a.Dest == "" {
			return fmt.Errorf("artifact %q requires build, src and dest", a.Name)
		}
	}
	return nil
}

// literal wraps a static string as an HCL expression so every item field
// evaluates uniformly at materialization time.
func literal(s string) hcl.Expression {
	return &hclsyntax.LiteralValueExpr{Val: cty.StringVal(s)}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
