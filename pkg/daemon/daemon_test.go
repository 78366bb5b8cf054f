package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInChild(t *testing.T) {
	t.Setenv(childMarker, "")
	assert.False(t, InChild())

	t.Setenv(childMarker, "1")
	assert.True(t, InChild())
}

func TestRotatingLogDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	lg := RotatingLog(path, 0)
	assert.Equal(t, path, lg.Filename)
	assert.Equal(t, 20, lg.MaxSize)
	assert.True(t, lg.Compress)

	lg = RotatingLog(path, 50)
	assert.Equal(t, 50, lg.MaxSize)
}
