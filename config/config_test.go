package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8188", cfg.ComfyUI.URL)
	assert.Equal(t, "poll", cfg.ComfyUI.WaitMode)
	assert.Equal(t, 300, cfg.ComfyUI.TimeoutSeconds)
	assert.Equal(t, "6", cfg.Workflow.PromptNode)
	assert.Equal(t, "20", cfg.Workflow.SamplerNode)
	assert.False(t, cfg.StorageEnabled())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
comfyui:
  url: "http://render:8188"
  wait_mode: "stream"
  timeout_seconds: 600
  poll_interval_seconds: 1
staging:
  mode: "upload"
minio:
  bucket: "from-file"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("COMFYUI_URL", "http://override:8188")
	t.Setenv("S3_BUCKET_NAME", "videos")
	t.Setenv("S3_ENDPOINT_URL", "https://nyc3.digitaloceanspaces.com")
	t.Setenv("LTX_WORKER_CONCURRENCY", "4")
	t.Setenv("LTX_S3_PRESIGN", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://override:8188", cfg.ComfyUI.URL)
	assert.Equal(t, "stream", cfg.ComfyUI.WaitMode)
	assert.Equal(t, 600, cfg.ComfyUI.TimeoutSeconds)
	assert.Equal(t, "upload", cfg.Staging.Mode)
	assert.Equal(t, "videos", cfg.MinIO.Bucket)
	assert.Equal(t, "https://nyc3.digitaloceanspaces.com", cfg.MinIO.Endpoint)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.False(t, cfg.MinIO.Presign)
	assert.True(t, cfg.StorageEnabled())
}

func TestLoadTimeoutAndLanguageOverrides(t *testing.T) {
	t.Setenv("LTX_TTS_LANGUAGE", "de")
	t.Setenv("LTX_TTS_TIMEOUT_SECONDS", "15")
	t.Setenv("LTX_COMFYUI_REQUEST_TIMEOUT_SECONDS", "45")
	t.Setenv("LTX_WORKER_TIMEOUT_MINUTES", "90")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "de", cfg.TTS.Language)
	assert.Equal(t, 15, cfg.TTS.TimeoutSeconds)
	assert.Equal(t, 45, cfg.ComfyUI.RequestTimeout)
	assert.Equal(t, 90, cfg.Worker.TimeoutMinutes)
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	cfg := Default()
	cfg.ComfyUI.WaitMode = "push"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Staging.Mode = "nfs"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Worker.Concurrency = 0
	require.Error(t, cfg.Validate())
}

func TestInitConfigWithoutDefaultFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, InitConfig(DefaultPath))
	require.NotNil(t, AppConfig)
	assert.Equal(t, "local", AppConfig.Staging.Mode)
}
