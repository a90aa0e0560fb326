package cliconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/cliconfig"
)

func TestLoadAppliesEnvOverDefaults(t *testing.T) {
	t.Setenv("KILN_SERVICE_URL", "https://cache.example.com")
	t.Setenv("KILN_TOKEN", "secret-token")
	t.Setenv("KILN_WORKSPACE", "/repo")
	t.Setenv("KILN_WAIT_FOR_UPLOAD", "true")

	cfg, err := cliconfig.Load()
	require.NoError(t, err)
	require.Equal(t, "https://cache.example.com", cfg.ServiceURL)
	require.Equal(t, "secret-token", cfg.Token)
	require.Equal(t, "/repo", cfg.Workspace)
	require.True(t, cfg.WaitForUpload)
}

func TestLoadRejectsMalformedBool(t *testing.T) {
	t.Setenv("KILN_WAIT_FOR_UPLOAD", "not-a-bool")
	_, err := cliconfig.Load()
	require.Error(t, err)
}

func TestLoadDefaultsServiceURL(t *testing.T) {
	t.Setenv("KILN_SERVICE_URL", "")
	t.Setenv("KILN_TOKEN", "")
	t.Setenv("KILN_WORKSPACE", "")
	t.Setenv("KILN_WAIT_FOR_UPLOAD", "")

	cfg, err := cliconfig.Load()
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.ServiceURL)
}
