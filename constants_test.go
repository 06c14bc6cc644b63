package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConstants = `export = {
  "ALLOWED_LANGUAGES": ["en"],
  "DEV_MODE": false,
  "SITE_NAME": "Oppia"
};
`

func writeConstants(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assets", "constants.ts")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSetDevMode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		devMode bool
		want    string
	}{
		{"false to true", `"DEV_MODE": false,`, true, `"DEV_MODE": true,`},
		{"true to false", `"DEV_MODE": true,`, false, `"DEV_MODE": false,`},
		{"true stays true", `"DEV_MODE": true`, true, `"DEV_MODE": true`},
		{"no space", `"DEV_MODE":false`, true, `"DEV_MODE": true`},
		{"trailing comment", `"DEV_MODE": true, // toggled by e2erun`, false, `"DEV_MODE": false, // toggled by e2erun`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SetDevMode([]byte(tt.input), tt.devMode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestSetDevMode_Missing(t *testing.T) {
	_, err := SetDevMode([]byte(`{"SITE_NAME": "Oppia"}`), true)
	assert.ErrorIs(t, err, ErrDevModeNotFound)
}

func TestPatchConstants_PatchAndRestore(t *testing.T) {
	for _, devMode := range []bool{true, false} {
		path := writeConstants(t, sampleConstants)

		patch, err := PatchConstants(path, devMode)
		require.NoError(t, err)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		if devMode {
			assert.Contains(t, string(content), `"DEV_MODE": true,`)
		} else {
			assert.Contains(t, string(content), `"DEV_MODE": false,`)
		}
		assert.True(t, fileExists(BackupPath(path)), "backup should exist while patched")

		require.NoError(t, patch.Restore())

		restored, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, sampleConstants, string(restored))
		assert.False(t, fileExists(BackupPath(path)), "backup should be gone after restore")
	}
}

func TestPatchConstants_RestoreIdempotent(t *testing.T) {
	path := writeConstants(t, sampleConstants)

	patch, err := PatchConstants(path, true)
	require.NoError(t, err)

	require.NoError(t, patch.Restore())
	require.NoError(t, patch.Restore())
	require.NoError(t, patch.Stop())
}

func TestPatchConstants_MissingBackup(t *testing.T) {
	path := writeConstants(t, sampleConstants)

	patch, err := PatchConstants(path, true)
	require.NoError(t, err)
	require.NoError(t, os.Remove(BackupPath(path)))

	err = patch.Restore()
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestPatchConstants_NoToken(t *testing.T) {
	path := writeConstants(t, `export = {"SITE_NAME": "Oppia"};`)

	_, err := PatchConstants(path, true)
	assert.ErrorIs(t, err, ErrDevModeNotFound)
	assert.False(t, fileExists(BackupPath(path)))
}

func TestPatchConstants_MissingFile(t *testing.T) {
	_, err := PatchConstants(filepath.Join(t.TempDir(), "nope.ts"), true)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestPatchConstants_PreservesMode(t *testing.T) {
	path := writeConstants(t, sampleConstants)
	require.NoError(t, os.Chmod(path, 0600))

	patch, err := PatchConstants(path, true)
	require.NoError(t, err)
	defer patch.Restore()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
