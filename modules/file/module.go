// Package file converges files on disk: copies, symlinks, downloads,
// line edits and rendered templates. Sources resolve against the config
// directory, destinations expand "~".
package file

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/fsutil"
	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
	"github.com/vk/convergo/internal/template"
)

// Module wires every file operation handler. Cache backs download TTLs;
// Context supplies the vars and probe results template files render
// against.
type Module struct {
	Cache   *cachestore.Store
	Context map[string]cty.Value
	// Client overrides the download client, mainly for tests.
	Client *http.Client
}

// Register registers one handler per file operation.
func (m *Module) Register(r *registry.Registry) {
	r.Register(item.FileCopy, copyHandler{})
	r.Register(item.FileSymlink, symlinkHandler{})
	r.Register(item.FileFetch, fetchHandler{m: m})
	r.Register(item.FileEnsureLine, ensureLineHandler{})
	r.Register(item.FileLine, lineHandler{})
	r.Register(item.FileTemplate, templateHandler{m: m})
}

func srcPath(host registry.Host, it item.Item) string {
	return fsutil.Resolve(host.BaseDir, it.Field("src"))
}

func destPath(it item.Item, field string) string {
	return fsutil.ExpandHome(it.Field(field))
}

// copy

type copyHandler struct{}

func (copyHandler) Check(_ context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	src, dst := srcPath(host, it), destPath(it, "dest")

	want, err := os.ReadFile(src)
	if err != nil {
		return item.CheckResult{}, fmt.Errorf("reading source %s: %w", src, err)
	}
	have, err := os.ReadFile(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("destination %s does not exist", dst), nil
		}
		return item.CheckResult{}, err
	}
	if !bytes.Equal(want, have) {
		return item.Unsatisfied("contents differ for %s", dst), nil
	}
	return item.Satisfied(), nil
}

func (copyHandler) Apply(_ context.Context, host registry.Host, it item.Item) error {
	src, dst := srcPath(host, it), destPath(it, "dest")
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading source %s: %w", src, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(src); err == nil {
		mode = info.Mode().Perm()
	}
	return fsutil.WriteFileAtomic(dst, data, mode)
}

func (copyHandler) Describe(it item.Item) string {
	return fmt.Sprintf("copy %s -> %s", it.Field("src"), it.Field("dest"))
}

// symlink

type symlinkHandler struct{}

func (symlinkHandler) Check(_ context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	target, link := srcPath(host, it), destPath(it, "dest")

	info, err := os.Lstat(link)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("%s does not exist", link), nil
		}
		return item.CheckResult{}, err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return item.Unsatisfied("%s is not a symlink", link), nil
	}
	current, err := os.Readlink(link)
	if err != nil {
		return item.CheckResult{}, err
	}
	if current != target {
		return item.Unsatisfied("symlink points to %s, expected %s", current, target), nil
	}
	return item.Satisfied(), nil
}

func (symlinkHandler) Apply(_ context.Context, host registry.Host, it item.Item) error {
	target, link := srcPath(host, it), destPath(it, "dest")

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(link); err == nil {
		if info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("cannot replace directory %s with symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return err
		}
	}
	return os.Symlink(target, link)
}

func (symlinkHandler) Describe(it item.Item) string {
	return fmt.Sprintf("symlink %s -> %s", it.Field("dest"), it.Field("src"))
}

// fetch

type fetchHandler struct {
	m *Module
}

func (h fetchHandler) Check(ctx context.Context, _ registry.Host, it item.Item) (item.CheckResult, error) {
	dst := destPath(it, "dest")
	have, err := os.ReadFile(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("destination %s does not exist", dst), nil
		}
		return item.CheckResult{}, err
	}
	want, err := h.fetch(ctx, it)
	if err != nil {
		return item.CheckResult{}, err
	}
	if !bytes.Equal(want, have) {
		return item.Unsatisfied("contents differ for %s", dst), nil
	}
	return item.Satisfied(), nil
}

func (h fetchHandler) Apply(ctx context.Context, _ registry.Host, it item.Item) error {
	data, err := h.fetch(ctx, it)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(destPath(it, "dest"), data, 0o644)
}

func (h fetchHandler) Describe(it item.Item) string {
	return fmt.Sprintf("fetch %s -> %s", it.Field("url"), it.Field("dest"))
}

// fetch downloads the URL, serving from the result cache inside the
// declared TTL so check and apply share one download.
func (h fetchHandler) fetch(ctx context.Context, it item.Item) ([]byte, error) {
	url := it.Field("url")

	var ttl time.Duration
	if s := it.Field("ttl"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			ttl = parsed
		}
	}
	if ttl > 0 && h.m.Cache != nil {
		if data, ok := h.m.Cache.Result(url, ttl); ok {
			return data, nil
		}
	}

	client := h.m.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	if h.m.Cache != nil {
		h.m.Cache.SetResult(url, data)
	}
	return data, nil
}

// ensure_line

type ensureLineHandler struct{}

func wantedLines(it item.Item) []string {
	var out []string
	for _, line := range strings.Split(it.Field("lines"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (ensureLineHandler) Check(_ context.Context, _ registry.Host, it item.Item) (item.CheckResult, error) {
	path := destPath(it, "path")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("file %s does not exist", path), nil
		}
		return item.CheckResult{}, err
	}
	missing := 0
	for _, line := range wantedLines(it) {
		if !strings.Contains(string(content), line) {
			missing++
		}
	}
	if missing > 0 {
		return item.Unsatisfied("%d line(s) missing in %s", missing, path), nil
	}
	return item.Satisfied(), nil
}

func (ensureLineHandler) Apply(_ context.Context, _ registry.Host, it item.Item) error {
	path := destPath(it, "path")
	content := ""
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}
	for _, line := range wantedLines(it) {
		if strings.Contains(content, line) {
			continue
		}
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += line + "\n"
	}
	return fsutil.WriteFileAtomic(path, []byte(content), 0o644)
}

func (ensureLineHandler) Describe(it item.Item) string {
	return fmt.Sprintf("ensure %d line(s) in %s", len(wantedLines(it)), it.Field("path"))
}

// line

type lineHandler struct{}

func (lineHandler) Check(_ context.Context, _ registry.Host, it item.Item) (item.CheckResult, error) {
	path := destPath(it, "path")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("file %s does not exist", path), nil
		}
		return item.CheckResult{}, err
	}
	if !containsLine(string(content), it.Field("line")) {
		return item.Unsatisfied("line missing in %s", path), nil
	}
	return item.Satisfied(), nil
}

// containsLine reports whether exactly this line is present. Substring
// matching would mistake "#Color" for "Color".
func containsLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if l == line {
			return true
		}
	}
	return false
}

func (lineHandler) Apply(_ context.Context, _ registry.Host, it item.Item) error {
	path := destPath(it, "path")
	line := it.Field("line")
	match := it.Field("match")
	mode := it.Field("mode")
	useRegex := it.Field("regex") == "true"

	content := ""
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}
	if containsLine(content, line) {
		return nil
	}

	if match != "" {
		var re *regexp.Regexp
		if useRegex {
			var err error
			re, err = regexp.Compile(match)
			if err != nil {
				return fmt.Errorf("invalid match pattern %q: %w", match, err)
			}
		}

		fileLines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		var out []string
		found := false
		for _, fl := range fileLines {
			hit := false
			if !found {
				if re != nil {
					hit = re.MatchString(fl)
				} else {
					hit = strings.TrimSpace(fl) == strings.TrimSpace(match)
				}
			}
			if hit {
				found = true
				if mode == "below" {
					out = append(out, fl, line)
				} else {
					out = append(out, line)
				}
			} else {
				out = append(out, fl)
			}
		}
		if found {
			return fsutil.WriteFileAtomic(path, []byte(strings.Join(out, "\n")+"\n"), 0o644)
		}
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += line + "\n"
	return fsutil.WriteFileAtomic(path, []byte(content), 0o644)
}

func (lineHandler) Describe(it item.Item) string {
	return fmt.Sprintf("edit line in %s", it.Field("path"))
}

// template

type templateHandler struct {
	m *Module
}

func (h templateHandler) render(host registry.Host, it item.Item) (string, error) {
	src := srcPath(host, it)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reading template %s: %w", src, err)
	}
	return template.Render(string(data), h.m.Context)
}

func (h templateHandler) Check(_ context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	dst := destPath(it, "dest")
	rendered, err := h.render(host, it)
	if err != nil {
		return item.CheckResult{}, err
	}
	have, err := os.ReadFile(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("destination %s does not exist", dst), nil
		}
		return item.CheckResult{}, err
	}
	if string(have) != rendered {
		return item.Unsatisfied("contents differ for %s", dst), nil
	}
	return item.Satisfied(), nil
}

func (h templateHandler) Apply(_ context.Context, host registry.Host, it item.Item) error {
	rendered, err := h.render(host, it)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(destPath(it, "dest"), []byte(rendered), 0o644)
}

func (h templateHandler) Describe(it item.Item) string {
	return fmt.Sprintf("render %s -> %s", it.Field("src"), it.Field("dest"))
}
