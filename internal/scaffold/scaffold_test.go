package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/mosaic/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	t.Setenv(config.EnvShardName, "")

	tests := []struct {
		name    string
		setup   func(dir string)
		force   bool
		wantErr string
	}{
		{
			name:  "fresh directory",
			setup: func(dir string) {},
		},
		{
			name: "existing config without force",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, ConfigFile), []byte("old content"), 0644)
			},
			wantErr: "already initialized",
		},
		{
			name: "existing config with force",
			setup: func(dir string) {
				os.WriteFile(filepath.Join(dir, ConfigFile), []byte("old content"), 0644)
			},
			force: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(dir)

			path, err := Initialize(dir, tt.force)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, ConfigFile), path)

			cfg, err := config.Load(path)
			require.NoError(t, err)
			require.Contains(t, cfg.Canvases, uint8(0))
			assert.Equal(t, "main", cfg.Canvases[0].Name)
			assert.Equal(t, 16, cfg.Canvases[0].ChunksPerSide())
		})
	}
}

func TestInitialize_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "conf")

	path, err := Initialize(dir, false)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestCheckExisting(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckExisting(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("version: '1.0'"), 0644))
	err := CheckExisting(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ConfigFile)
}
