package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/config"
	"github.com/vk/convergo/internal/shellexec"
)

// buildRunner fakes the shell: "build" scripts create the src file,
// everything else reports the scripted exit code.
type buildRunner struct {
	mu     sync.Mutex
	base   string
	src    string
	builds int
	exits  map[string]int
}

func (r *buildRunner) Run(_ context.Context, cmd shellexec.Command) (shellexec.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Script == "build" {
		r.builds++
		if err := os.WriteFile(filepath.Join(r.base, r.src), []byte("bin"), 0o755); err != nil {
			return shellexec.Result{}, err
		}
		return shellexec.Result{}, nil
	}
	return shellexec.Result{ExitCode: r.exits[cmd.Script]}, nil
}

func (r *buildRunner) buildCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builds
}

func newBuilder(t *testing.T) (*Builder, *buildRunner, string) {
	t.Helper()
	base := t.TempDir()
	runner := &buildRunner{base: base, src: "out.bin", exits: map[string]int{}}
	b := &Builder{
		Runner:  runner,
		Cache:   cachestore.NewAt(t.TempDir()),
		BaseDir: base,
	}
	return b, runner, base
}

func TestWatchHashSkipsFreshBuild(t *testing.T) {
	b, runner, base := newBuilder(t)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "src", "main.c"), []byte("int main(){}"), 0o644))

	art := []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
		Watch: []string{"src"},
	}}

	stage := t.TempDir()
	require.NoError(t, b.Resolve(context.Background(), art, stage))
	assert.Equal(t, 1, runner.buildCount())
	assert.FileExists(t, filepath.Join(stage, "bin", "tool"))

	// Unchanged watch paths: second run skips the build.
	require.NoError(t, b.Resolve(context.Background(), art, t.TempDir()))
	assert.Equal(t, 1, runner.buildCount())
}

func TestWatchMtimeChangeTriggersRebuild(t *testing.T) {
	b, runner, base := newBuilder(t)
	watched := filepath.Join(base, "src", "main.c")
	require.NoError(t, os.MkdirAll(filepath.Dir(watched), 0o755))
	require.NoError(t, os.WriteFile(watched, []byte("int main(){}"), 0o644))

	art := []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
		Watch: []string{"src"},
	}}

	require.NoError(t, b.Resolve(context.Background(), art, t.TempDir()))
	require.Equal(t, 1, runner.buildCount())

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(watched, future, future))

	require.NoError(t, b.Resolve(context.Background(), art, t.TempDir()))
	assert.Equal(t, 2, runner.buildCount())
}

func TestCheckCommandDecidesFreshness(t *testing.T) {
	b, runner, base := newBuilder(t)
	require.NoError(t, os.WriteFile(filepath.Join(base, "out.bin"), []byte("bin"), 0o755))

	art := []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
		Check: "is-fresh",
	}}

	runner.exits["is-fresh"] = 0
	require.NoError(t, b.Resolve(context.Background(), art, t.TempDir()))
	assert.Equal(t, 0, runner.buildCount())

	runner.exits["is-fresh"] = 1
	require.NoError(t, b.Resolve(context.Background(), art, t.TempDir()))
	assert.Equal(t, 1, runner.buildCount())
}

func TestBuildFailureIsFatal(t *testing.T) {
	base := t.TempDir()
	runner := &buildRunner{base: base, src: "out.bin", exits: map[string]int{"exit 1": 1}}
	b := &Builder{Runner: runner, Cache: cachestore.NewAt(t.TempDir()), BaseDir: base}

	err := b.Resolve(context.Background(), []config.ArtifactConfig{{
		Name:  "broken",
		Build: "exit 1",
		Src:   "out.bin",
		Dest:  "bin/broken",
	}}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestMissingOutputAfterBuildIsFatal(t *testing.T) {
	b, runner, _ := newBuilder(t)
	runner.src = "elsewhere.bin"

	err := b.Resolve(context.Background(), []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
	}}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing after build")
}

func TestPreparedPayloadStagedWithoutBuild(t *testing.T) {
	b, runner, base := newBuilder(t)
	b.Prepared = true
	dest := filepath.Join(base, "bin", "tool")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("shipped"), 0o755))

	stage := t.TempDir()
	require.NoError(t, b.Resolve(context.Background(), []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
	}}, stage))
	assert.Equal(t, 0, runner.buildCount())

	data, err := os.ReadFile(filepath.Join(stage, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "shipped", string(data))
}

func TestPreparedPayloadMissingOutputIsFatal(t *testing.T) {
	b, _, _ := newBuilder(t)
	b.Prepared = true

	err := b.Resolve(context.Background(), []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
	}}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing from payload")
}

func TestPreparedInPlaceStagingKeepsOutput(t *testing.T) {
	b, runner, base := newBuilder(t)
	b.Prepared = true
	dest := filepath.Join(base, "bin", "tool")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("shipped"), 0o755))

	// Staging into the payload dir itself must not truncate the output.
	require.NoError(t, b.Resolve(context.Background(), []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
	}}, base))
	assert.Equal(t, 0, runner.buildCount())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "shipped", string(data))
}

func TestInPlaceStagingRebuildsOnWatchChange(t *testing.T) {
	b, runner, base := newBuilder(t)
	watched := filepath.Join(base, "src", "main.c")
	require.NoError(t, os.MkdirAll(filepath.Dir(watched), 0o755))
	require.NoError(t, os.WriteFile(watched, []byte("int main(){}"), 0o644))

	art := []config.ArtifactConfig{{
		Name:  "tool",
		Build: "build",
		Src:   "out.bin",
		Dest:  "bin/tool",
		Watch: []string{"src"},
	}}

	// Local runs stage into the config dir, so after the first pass the
	// output already sits at dest. That must neither shortcut the
	// staleness check nor corrupt the output.
	require.NoError(t, b.Resolve(context.Background(), art, base))
	require.Equal(t, 1, runner.buildCount())

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(watched, future, future))

	require.NoError(t, b.Resolve(context.Background(), art, base))
	assert.Equal(t, 2, runner.buildCount())

	data, err := os.ReadFile(filepath.Join(base, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "bin", string(data))
}
