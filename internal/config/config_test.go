package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadUsesDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "CRM_MAX_ATTEMPTS", "PIPELINE_TIMEOUT", "HEARTBEAT_INTERVAL"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"ES256"}, cfg.AppStore.AllowedAlgs)
	assert.Equal(t, []string{"2.0"}, cfg.AppStore.SupportedVersions)
	assert.True(t, cfg.AppStore.RequireAppleOIDs)
	assert.Equal(t, 15*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Pipeline.IdempotencyRetention)
	assert.Equal(t, 8, cfg.Crm.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_BUNDLE_IDS", "com.example.app,com.example.other")
	t.Setenv("CRM_BASE_BACKOFF", "250ms")
	t.Setenv("HEARTBEAT_WINDOW", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"com.example.app", "com.example.other"}, cfg.AppStore.AllowedBundleIDs)
	assert.Equal(t, 250*time.Millisecond, cfg.Crm.BaseBackoff)
	assert.Equal(t, 3*time.Second, cfg.Stream.HeartbeatWindow)
}

func TestRootCertificatePEM(t *testing.T) {
	t.Run("inline pem wins", func(t *testing.T) {
		cfg := AppStoreConfig{RootCertPEM: "-----BEGIN CERTIFICATE-----", RootCertPath: "/does/not/exist"}
		data, err := cfg.RootCertificatePEM()
		require.NoError(t, err)
		assert.Equal(t, "-----BEGIN CERTIFICATE-----", string(data))
	})

	t.Run("reads from path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "root.pem")
		require.NoError(t, os.WriteFile(path, []byte("pem-bytes"), 0o600))

		data, err := AppStoreConfig{RootCertPath: path}.RootCertificatePEM()
		require.NoError(t, err)
		assert.Equal(t, "pem-bytes", string(data))
	})

	t.Run("missing configuration", func(t *testing.T) {
		_, err := AppStoreConfig{}.RootCertificatePEM()
		assert.Error(t, err)
	})
}

func TestParseContentCatalog(t *testing.T) {
	catalog := ParseContentCatalog(" course_123=lesson_1|lesson_2 ; pro_monthly=pro ;broken; empty= ")

	assert.Equal(t, []string{"lesson_1", "lesson_2"}, catalog["course_123"])
	assert.Equal(t, []string{"pro"}, catalog["pro_monthly"])
	assert.NotContains(t, catalog, "broken")
	assert.NotContains(t, catalog, "empty")
}
