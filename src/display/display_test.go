// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package display

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDetectPipeIsPlain(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	env := detect(int(r.Fd()), int(w.Fd()), envOf(map[string]string{"SSH_TTY": "/dev/pts/1"}))
	assert.False(t, env.IsTerminal)
	assert.True(t, env.IsSSH)
	assert.Equal(t, ModePlain, env.Mode)
	assert.Equal(t, "plain", env.Mode.String())
}

func TestMode(t *testing.T) {
	tty := Env{IsTerminal: true}
	assert.Equal(t, ModeTUI, mode(tty, envOf(nil)))
	assert.Equal(t, ModePlain, mode(tty, envOf(map[string]string{"TERM": "dumb"})))
	assert.Equal(t, ModePlain, mode(tty, envOf(map[string]string{"CI": "true"})))
	assert.Equal(t, "tui", ModeTUI.String())
}
