package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := write(t, "zmux-mixer.yaml", `
server:
  port: 9090
ffmpeg:
  path: /usr/local/bin/ffmpeg
arbiter:
  capacity: 2
ingest:
  max_retries: 9
  stall_timeout: 2s
compositor:
  preferred_codec: hevc
branch:
  record_dir: /srv/recordings
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Addr)
	assert.Equal(t, "/usr/local/bin/ffmpeg", cfg.FFmpeg.Path)
	assert.Equal(t, int64(2), cfg.Arbiter.Capacity)
	assert.Equal(t, "h264_v4l2m2m", cfg.Arbiter.HardwareEncoders[media.CodecH264])
	assert.Equal(t, 9, cfg.Ingest.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Ingest.StallTimeout)
	assert.Equal(t, time.Second, cfg.Ingest.HealthInterval)
	assert.Equal(t, media.CodecHEVC, cfg.Compositor.PreferredCodec)
	assert.Equal(t, "/srv/recordings", cfg.Branch.RecordDir)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := write(t, "zmux-mixer.yaml", "server:\n  prot: 9090\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prot")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := write(t, "zmux-mixer.yaml", "server:\n  port: 9090\n")
	t.Setenv("ZMUX_SERVER_PORT", "7070")
	t.Setenv("ZMUX_INGEST_MAX_RETRIES", "2")
	t.Setenv("ZMUX_COMPOSITOR_SWITCH_TIMEOUT", "3s")
	t.Setenv("ZMUX_REDIS_STATUS_TTL", "1m")
	t.Setenv("ZMUX_FFMPEG_STOP_GRACE", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Ingest.MaxRetries)
	assert.Equal(t, 3*time.Second, cfg.Compositor.SwitchTimeout)
	assert.Equal(t, time.Minute, cfg.Redis.StatusTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.FFmpeg.StopGrace)
}

func TestSystemPathDoesNotLeakIntoFFmpegPath(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Path)
	assert.Equal(t, "catalog.yaml", cfg.Catalog.Path)
}

func TestEnvFileIsLoaded(t *testing.T) {
	const key = "ZMUX_BRANCH_RECORD_DIR"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	env := write(t, ".env", key+"=/data/rec\n")

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "/data/rec", cfg.Branch.RecordDir)
}

func TestValidateReportsEverySection(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.FFmpeg.Path = ""
	cfg.Ingest.MaxRetries = -1
	cfg.Compositor.MinSlots = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, frag := range []string{"server.port", "ffmpeg.path", "max_retries", "min_slots"} {
		assert.Contains(t, err.Error(), frag)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "zmux-mixer.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Config, cfg.Config)
	assert.Equal(t, Default().Arbiter, cfg.Arbiter)
}
