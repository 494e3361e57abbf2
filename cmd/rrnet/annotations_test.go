package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextAnnotations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001.txt"), []byte(
		"684,8,273,116,0,0,0,0\n"+
			"\n"+
			"406,119,265,70,1,4,0,1,\n"+
			"10,20,30,40,1,2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.txt"), []byte("1,2,x,4,1,1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.txt"), []byte("1,2,3\n"), 0o644))

	source := textAnnotations(dir)

	annos, err := source("/images/0001.jpg")
	require.NoError(t, err)
	require.Len(t, annos, 3)
	assert.Equal(t, annotations.Annotation{X: 406, Y: 119, W: 265, H: 70, Score: 1, Class: 4, Truncation: 0, Occlusion: 1}, annos[1])
	assert.Equal(t, -1, annos[2].Occlusion)

	annos, err = source("/images/missing.png")
	require.NoError(t, err)
	assert.Empty(t, annos)

	_, err = source("bad.jpg")
	assert.ErrorContains(t, err, "bad.txt:1")
	_, err = source("short.jpg")
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.WorldSize)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
