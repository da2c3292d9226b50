package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureWritesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concierge.json")

	prev := cfgFile
	cfgFile = path
	defer func() { cfgFile = prev }()

	buf := &bytes.Buffer{}
	configureCmd.SetOut(buf)

	require.NoError(t, runConfigure(configureCmd, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server")
	assert.Contains(t, buf.String(), "Configuration written")
}
