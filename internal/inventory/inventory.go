// Package inventory reads the remote host list and matches glob patterns
// against it. The format is line oriented: one bare host per line,
// "[group]" section headers, ";" comment lines.
package inventory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Inventory is the ordered host list, deduplicated, groups flattened.
type Inventory struct {
	hosts  []string
	groups map[string][]string
}

// Load reads an inventory file from disk.
func Load(path string) (*Inventory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads an inventory from a stream.
func Parse(r io.Reader) (*Inventory, error) {
	inv := &Inventory{groups: map[string][]string{}}
	seen := map[string]bool{}
	group := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			group = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		if !seen[line] {
			seen[line] = true
			inv.hosts = append(inv.hosts, line)
		}
		if group != "" {
			inv.groups[group] = append(inv.groups[group], line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	return inv, nil
}

// Hosts returns every host in file order.
func (inv *Inventory) Hosts() []string {
	return append([]string(nil), inv.hosts...)
}

// Group returns the hosts under a named section.
func (inv *Inventory) Group(name string) []string {
	return append([]string(nil), inv.groups[name]...)
}

// Match returns the hosts matching a glob pattern, in file order. A
// pattern naming a group expands to that group. A pattern with no glob
// metacharacters matches literally even when absent from the inventory,
// so explicit one-off hosts still work.
func (inv *Inventory) Match(pattern string) ([]string, error) {
	if hosts, ok := inv.groups[pattern]; ok {
		return append([]string(nil), hosts...), nil
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return []string{pattern}, nil
	}

	var out []string
	for _, host := range inv.hosts {
		ok, err := doublestar.Match(pattern, host)
		if err != nil {
			return nil, fmt.Errorf("bad host pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, host)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pattern %q matched no inventory host", pattern)
	}
	return out, nil
}
