package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 300, cfg.SpamLimit)
	assert.True(t, cfg.WarnClosing)
	assert.Equal(t, 10*time.Second, cfg.StaleTimeout)
	assert.Empty(t, cfg.Blacklist)
	assert.Empty(t, cfg.TrustedProxies)
	assert.False(t, cfg.SecureCookies)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := "port: 6567\nspam_limit: 50\nwarn_closing: false\nblacklist:\n  - 10.0.0.0/8\n  - 192.0.2.7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("RELAY_JOIN_LIMIT", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6567, cfg.Port)
	assert.Equal(t, 50, cfg.SpamLimit)
	assert.Equal(t, 3, cfg.JoinLimit)
	assert.False(t, cfg.WarnClosing)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.Blacklist)
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Config{Port: 70000}).Validate())
	assert.Error(t, (&Config{SpamLimit: -1}).Validate())
	assert.NoError(t, (&Config{Port: 0}).Validate())
	assert.NoError(t, (&Config{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.1"}}).Validate())
	assert.Error(t, (&Config{TrustedProxies: []string{"proxy.local"}}).Validate())
}
