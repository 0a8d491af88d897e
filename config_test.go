package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "8080", conf.Port)
	assert.EqualValues(t, 20<<20, conf.MaxUploadBytes)
	assert.Equal(t, "uploads", conf.UploadDir)
	assert.Empty(t, conf.AllowedOrigins)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("PUBLIC_BASE_URL", "https://cdn.example/")
	t.Setenv("SECURE_COOKIES", "true")

	conf, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "9090", conf.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, conf.AllowedOrigins)
	assert.EqualValues(t, 1024, conf.MaxUploadBytes)
	assert.Equal(t, "https://cdn.example", conf.PublicBaseURL)
	assert.True(t, conf.SecureCookies)
}

func TestLoadConfigEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SEED_PATH=fixtures/seed.json\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SEED_PATH") })

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "fixtures/seed.json", conf.SeedPath)
}

func TestLoadConfigRejectsBadUploadLimit(t *testing.T) {
	t.Setenv("MAX_UPLOAD_BYTES", "-1")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestOriginAllowed(t *testing.T) {
	conf := Config{AllowedOrigins: []string{"https://admin.example"}}
	assert.True(t, conf.originAllowed("https://admin.example"))
	assert.True(t, conf.originAllowed("http://localhost:5173"))
	assert.False(t, conf.originAllowed("https://evil.example"))
	assert.False(t, conf.originAllowed("http://localhost.evil.example"))
}
