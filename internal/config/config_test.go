package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOS struct {
	env map[string]string
}

func (f fakeOS) Getenv(key string) string { return f.env[key] }
func (f fakeOS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}
func (f fakeOS) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := ParseWithOS(Flags{}, fakeOS{env: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.WorkerDelayMS)
	assert.Equal(t, 64, cfg.NumFlags)
	assert.Equal(t, "/dev/shm/flagpost.seg", cfg.SegmentPath)
	assert.Equal(t, -1, cfg.SupervisorPipeFD)
	assert.True(t, cfg.PollParent)
}

func TestParseYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flagpost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"log_level: debug\nworker_delay_ms: 250\nnum_flags: 8\n"), 0o600))

	cfg, err := ParseWithOS(Flags{Config: path}, fakeOS{env: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250, cfg.WorkerDelayMS)
	assert.Equal(t, 8, cfg.NumFlags)
	// Unset keys keep their defaults.
	assert.Equal(t, "/dev/shm/flagpost.seg", cfg.SegmentPath)
}

func TestParseDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flagpost.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"WORKER_DELAY_MS=50\nSEGMENT_PATH=/tmp/custom.seg\n"), 0o600))

	cfg, err := ParseWithOS(Flags{Config: path}, fakeOS{env: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.WorkerDelayMS)
	assert.Equal(t, "/tmp/custom.seg", cfg.SegmentPath)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flagpost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_delay_ms: 250\n"), 0o600))

	t.Setenv("WORKER_DELAY_MS", "75")

	cfg, err := ParseWithOS(Flags{Config: path}, fakeOS{env: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.WorkerDelayMS)
}

func TestConflictingConfigPaths(t *testing.T) {
	_, err := ParseWithOS(Flags{Config: "/a.yaml"}, fakeOS{env: map[string]string{"CONFIG": "/b.yaml"}})
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"zero delay", "WORKER_DELAY_MS", "0"},
		{"negative delay", "WORKER_DELAY_MS", "-5"},
		{"zero flags", "NUM_FLAGS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := ParseWithOS(Flags{}, fakeOS{env: map[string]string{}})
			assert.Error(t, err)
		})
	}
}
