package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndCleanup(t *testing.T) {
	ws, err := Create()
	require.NoError(t, err)

	info, err := os.Stat(ws.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.False(t, ws.CreatedAt.IsZero())

	dir := ws.SeparationDir("vocal")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocals.wav"), []byte("x"), 0644))

	require.NoError(t, ws.Cleanup())
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSeparationDirIsSanitized(t *testing.T) {
	ws := &Workspace{Dir: "/tmp/ws"}

	tests := []struct {
		id   string
		want string
	}{
		{"hook-1", "hook-1"},
		{"../../etc", "______etc"},
		{"lead vox", "lead_vox"},
		{"", "clip"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, filepath.Join("/tmp/ws", "stems", tt.want), ws.SeparationDir(tt.id))
		})
	}
}
