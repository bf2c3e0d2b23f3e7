// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package offline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	t.Parallel()

	md := "# You are offline\n\nCheck ~~the cable~~ your connection.\n\n```go\nfmt.Println(\"retry\")\n```\n"
	out, err := Render([]byte(md), "No network", "")
	require.NoError(t, err)

	html := string(out)
	assert.Contains(t, html, "<title>No network</title>")
	assert.Contains(t, html, `<h1 id="you-are-offline">You are offline</h1>`)
	assert.Contains(t, html, "<del>the cable</del>")
	assert.Contains(t, html, `class="chroma"`)
	assert.Contains(t, html, ".chroma")
}

func TestRenderEscapesTitle(t *testing.T) {
	t.Parallel()

	out, err := Render([]byte("hi"), "<script>", "no-such-style")
	require.NoError(t, err)
	assert.Contains(t, string(out), "<title>&lt;script&gt;</title>")
	assert.NotContains(t, string(out), "<title><script>")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	out, err := Load("", "", "")
	require.NoError(t, err)
	assert.Nil(t, out)

	path := filepath.Join(t.TempDir(), "offline.md")
	require.NoError(t, os.WriteFile(path, []byte("Back soon."), 0o644))
	out, err = Load(path, "", "monokai")
	require.NoError(t, err)
	assert.Contains(t, string(out), "<title>Offline</title>")
	assert.Contains(t, string(out), "Back soon.")

	_, err = Load(filepath.Join(t.TempDir(), "missing.md"), "", "")
	assert.Error(t, err)
}
