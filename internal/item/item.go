// Package item defines the uniform unit of desired state the engine
// converges on. The kind set is closed: every declarable item maps to one
// of the kinds below, and the registry refuses anything else at load time.
package item

import (
	"crypto/md5"
	"fmt"
)

// Kind identifies one variant of the closed item set.
type Kind string

const (
	Service        Kind = "service"
	FileCopy       Kind = "file.copy"
	FileSymlink    Kind = "file.symlink"
	FileFetch      Kind = "file.fetch"
	FileEnsureLine Kind = "file.ensure_line"
	FileLine       Kind = "file.line"
	FileTemplate   Kind = "file.template"
	Alias          Kind = "alias"
	Env            Kind = "env"
	Script         Kind = "script"
	Command        Kind = "command"
	Assert         Kind = "assert"
)

// PackageKind returns the kind for a package item managed by the named
// package manager, e.g. "package.apt".
func PackageKind(manager string) Kind {
	return Kind("package." + manager)
}

// Item is one declared unit of desired state, produced at config load and
// consumed once per reconciliation pass. Only its identity and cache key
// outlive the run.
type Item struct {
	Kind Kind
	// Key is the discriminating field: package name, file path, service
	// name, command name. Together with Kind it forms the item identity.
	Key string
	// Fields holds the remaining declared fields (dest, state, line, ...).
	// Edits here do not change the item's identity.
	Fields map[string]string
	// RunIf is a shell gating predicate; non-zero exit skips the item.
	RunIf string
	// CacheKey is a literal cache key; CacheCmd derives one by running a
	// command. At most one is set.
	CacheKey string
	CacheCmd string
	// Confirm prompts once before the run applies this item.
	Confirm bool
	// Interactive wires apply to the operator's terminal. Incompatible
	// with multi-host dispatch.
	Interactive bool
	// Source is the config file the item was declared in.
	Source string
}

// Field returns a declared field value, or "" when absent.
func (it Item) Field(name string) string {
	return it.Fields[name]
}

// Identity derives the stable identity string for cache-store lookups.
// It covers only the identity-relevant declared fields (kind and key), so
// unrelated field edits keep the cache while renames start fresh.
func (it Item) Identity() string {
	return fmt.Sprintf("%s\x00%s", it.Kind, it.Key)
}

// IdentityHash is the hashed form of Identity, usable as a filename.
func (it Item) IdentityHash() string {
	return fmt.Sprintf("%x", md5.Sum([]byte(it.Identity())))
}

func (it Item) String() string {
	return fmt.Sprintf("[%s] %s", it.Kind, it.Key)
}

// Status is the outcome of a check.
type Status int

const (
	// StatusSatisfied means the declared state already holds.
	StatusSatisfied Status = iota
	// StatusUnsatisfied means apply is needed.
	StatusUnsatisfied
	// StatusUnknown means the check could not determine state; the
	// reconciler treats it as unsatisfied but reports it distinctly.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusSatisfied:
		return "satisfied"
	case StatusUnsatisfied:
		return "unsatisfied"
	default:
		return "unknown"
	}
}

// CheckResult carries a check's verdict plus any captured output. For
// assertions in foreach mode, each non-empty output line becomes one
// finding.
type CheckResult struct {
	Status Status
	// Detail says why the state is unsatisfied, for reporting.
	Detail string
	// Output is the captured stdout of a command-backed check.
	Output string
	// Findings holds per-line assertion findings; empty means pass.
	Findings []string
}

// Satisfied reports whether the check passed.
func (r CheckResult) Satisfied() bool { return r.Status == StatusSatisfied }

// Satisfied is shorthand for a passing check result.
func Satisfied() CheckResult { return CheckResult{Status: StatusSatisfied} }

// Unsatisfied builds a failing check result with a formatted detail.
func Unsatisfied(format string, args ...any) CheckResult {
	return CheckResult{Status: StatusUnsatisfied, Detail: fmt.Sprintf(format, args...)}
}
