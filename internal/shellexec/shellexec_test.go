package shellexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRun(t *testing.T) {
	t.Run("captures stdout and exit code", func(t *testing.T) {
		res, err := Local{}.Run(context.Background(), Command{Script: "printf hello"})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.True(t, res.OK())
		assert.Equal(t, "hello", res.Stdout)
	})

	t.Run("non-zero exit is data, not an error", func(t *testing.T) {
		res, err := Local{}.Run(context.Background(), Command{Script: "exit 3"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.False(t, res.OK())
	})

	t.Run("stderr captured separately", func(t *testing.T) {
		res, err := Local{}.Run(context.Background(), Command{Script: "echo oops >&2"})
		require.NoError(t, err)
		assert.Empty(t, res.Stdout)
		assert.Equal(t, "oops\n", res.Stderr)
	})

	t.Run("extra env reaches the child", func(t *testing.T) {
		res, err := Local{}.Run(context.Background(), Command{
			Script: "printf '%s' \"$GREETING\"",
			Env:    []string{"GREETING=hi"},
		})
		require.NoError(t, err)
		assert.Equal(t, "hi", res.Stdout)
	})

	t.Run("dir sets the working directory", func(t *testing.T) {
		dir := t.TempDir()
		res, err := Local{}.Run(context.Background(), Command{Script: "pwd", Dir: dir})
		require.NoError(t, err)
		assert.Contains(t, res.Stdout, dir)
	})
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain'", Quote("plain"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
}

func TestExportPrefix(t *testing.T) {
	assert.Empty(t, ExportPrefix(nil))
	got := ExportPrefix([]string{"A=1", "B=two words"})
	assert.Equal(t, "export A='1'; export B='two words'; ", got)

	// Malformed pairs are skipped rather than exported as garbage.
	assert.Empty(t, ExportPrefix([]string{"no-equals"}))
}
