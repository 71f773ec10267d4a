package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backups"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daq.db"), nil, 0o644))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing file", filepath.Join(dir, "daq.db"), false},
		{"new file", filepath.Join(dir, "backup-1700000000.db"), false},
		{"new file in missing subdir", filepath.Join(dir, "a", "b", "backup.db"), false},
		{"dot dot inside", filepath.Join(dir, "backups", "..", "daq.db"), false},
		{"escapes", filepath.Join(dir, "..", "elsewhere.db"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "evil")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	err := ValidatePathWithinDirectory(filepath.Join(link, "backup.db"), dir)
	assert.ErrorContains(t, err, "path traversal detected")
}

func TestValidatePathMissingSafeDir(t *testing.T) {
	err := ValidatePathWithinDirectory("x.db", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "safe directory")
}
