package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment\n\nGDRIVE_TESTUTIL_A=\"quoted\"\nGDRIVE_TESTUTIL_B = plain\nnot a pair\nGDRIVE_TESTUTIL_C=file\n",
	), 0o600))

	t.Setenv("GDRIVE_TESTUTIL_A", "")
	t.Setenv("GDRIVE_TESTUTIL_B", "")
	t.Setenv("GDRIVE_TESTUTIL_C", "env")

	LoadDotEnv(path)

	assert.Equal(t, "quoted", os.Getenv("GDRIVE_TESTUTIL_A"))
	assert.Equal(t, "plain", os.Getenv("GDRIVE_TESTUTIL_B"))
	assert.Equal(t, "env", os.Getenv("GDRIVE_TESTUTIL_C"), "env wins over .env")
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	LoadDotEnv(filepath.Join(t.TempDir(), "absent"))
}

func TestCheckAllowlist(t *testing.T) {
	tests := []struct {
		name      string
		allowlist string
		account   string
		wantErr   string
	}{
		{"listed", "a@gmail.com, b@gmail.com", "b@gmail.com", ""},
		{"case insensitive", "Tester@Gmail.com", "tester@gmail.com", ""},
		{"no allowlist", "", "a@gmail.com", AllowlistEnvVar + " not set"},
		{"no account", "a@gmail.com", "", AccountEnvVar + " not set"},
		{"not listed", "a@gmail.com", "c@gmail.com", "is not in"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAllowlist(tt.allowlist, tt.account)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindModuleRoot(t *testing.T) {
	root := FindModuleRoot("fallback")
	assert.FileExists(t, filepath.Join(root, "go.mod"))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	require.NoError(t, os.WriteFile(src, []byte("token"), 0o600))
	require.NoError(t, CopyFile(src, dst, 0o600))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "token", string(data))

	assert.Error(t, CopyFile(filepath.Join(dir, "absent"), dst, 0o600))
}
