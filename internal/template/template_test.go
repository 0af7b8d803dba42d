package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestRender(t *testing.T) {
	t.Run("plain text passes through", func(t *testing.T) {
		out, err := Render("no interpolation here", nil)
		require.NoError(t, err)
		assert.Equal(t, "no interpolation here", out)
	})

	t.Run("resolves variables", func(t *testing.T) {
		vars := map[string]cty.Value{
			"var": cty.ObjectVal(map[string]cty.Value{
				"editor": cty.StringVal("vim"),
			}),
		}
		out, err := Render("EDITOR=${var.editor}", vars)
		require.NoError(t, err)
		assert.Equal(t, "EDITOR=vim", out)
	})

	t.Run("unresolved references render empty", func(t *testing.T) {
		out, err := Render("[${var.missing}]", nil)
		require.NoError(t, err)
		assert.Equal(t, "[]", out)
	})

	t.Run("unresolved nested path under existing root renders empty", func(t *testing.T) {
		vars := map[string]cty.Value{
			"probe": cty.ObjectVal(map[string]cty.Value{
				"os": cty.ObjectVal(map[string]cty.Value{"raw": cty.StringVal("linux")}),
			}),
		}
		out, err := Render("${probe.os.raw}/${probe.gone.raw}", vars)
		require.NoError(t, err)
		assert.Equal(t, "linux/", out)
	})

	t.Run("jsondecode picks fields out of embedded JSON", func(t *testing.T) {
		vars := map[string]cty.Value{
			"raw": cty.StringVal(`{"codename":"trixie"}`),
		}
		out, err := Render("${jsondecode(raw).codename}", vars)
		require.NoError(t, err)
		assert.Equal(t, "trixie", out)
	})

	t.Run("trimspace", func(t *testing.T) {
		out, err := Render("${trimspace(raw)}", map[string]cty.Value{
			"raw": cty.StringVal("  padded \n"),
		})
		require.NoError(t, err)
		assert.Equal(t, "padded", out)
	})

	t.Run("malformed syntax is an error", func(t *testing.T) {
		_, err := Render("${unclosed", nil)
		assert.Error(t, err)
	})
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(cty.NullVal(cty.String)))
	assert.Equal(t, "", Stringify(cty.UnknownVal(cty.String)))
	assert.Equal(t, "42", Stringify(cty.NumberIntVal(42)))
	assert.Equal(t, "true", Stringify(cty.True))

	obj := cty.ObjectVal(map[string]cty.Value{"a": cty.StringVal("b")})
	assert.JSONEq(t, `{"a":"b"}`, Stringify(obj))
}

func TestStringsObject(t *testing.T) {
	assert.Equal(t, cty.EmptyObjectVal, StringsObject(nil))

	obj := StringsObject(map[string]string{"raw": "x"})
	assert.Equal(t, "x", obj.GetAttr("raw").AsString())
}
