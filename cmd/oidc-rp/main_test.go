package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/pkg/security"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestGenkey(t *testing.T) {
	out, err := execute(t, "genkey")
	require.NoError(t, err)

	values := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		values[k] = v
	}

	_, err = security.ParseTokenKey(values[config.EnvTokenKey])
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, len(values[config.EnvSessionSecret]), security.MinSecretLength)
	assert.GreaterOrEqual(t, len(values[config.EnvAuthSessionSecret]), security.MinSecretLength)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "oidc-rp v"+version+"\n", out)
}

func TestValidateReportsMissingSecrets(t *testing.T) {
	t.Setenv(config.EnvSessionSecret, "")
	t.Setenv(config.EnvAuthSessionSecret, "")
	t.Setenv(config.EnvTokenKey, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  base_url: https://rp.example.com\n"), 0o600))

	_, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvSessionSecret)
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(t.Context(), -4))
	assert.True(t, logger.Enabled(t.Context(), 4))
}
