package tilepack

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInfo(t *testing.T) {
	store := newTestStore(t)
	checker := NewChecker(store, DefaultPackageName, nil, nil)
	defer checker.Release()
	ctx := context.Background()

	_, err := ReadInfo(ctx, store, checker)
	assert.Error(t, err)

	data := writeMBTiles(t, "tiles")
	installBytes(t, store, DefaultPackageName, data)

	info, err := ReadInfo(ctx, store, checker)
	require.NoError(t, err)
	assert.Equal(t, DefaultPackageName, info.Name)
	assert.Equal(t, store.Path(DefaultPackageName), info.Path)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, int64(3), info.Tiles)
	assert.Equal(t, "Kolkata", info.Metadata["name"])
	assert.Len(t, info.Fingerprint, 16)

	again, err := ReadInfo(ctx, store, checker)
	require.NoError(t, err)
	assert.Equal(t, info.Fingerprint, again.Fingerprint)
}

func TestFingerprintDependsOnSize(t *testing.T) {
	prefix := []byte("SQLite format 3\x00")
	assert.Equal(t, fingerprint(prefix, 100), fingerprint(prefix, 100))
	assert.NotEqual(t, fingerprint(prefix, 100), fingerprint(prefix, 101))
}

func TestWriteInfo(t *testing.T) {
	var b bytes.Buffer
	WriteInfo(&b, Info{
		Path:        "/data/kolkata.mbtiles",
		Size:        48 * 1000 * 1000,
		Fingerprint: "0123456789abcdef",
		Tiles:       123456,
		Metadata:    map[string]string{"name": "Kolkata", "format": "png"},
	})
	assert.Equal(t, "path: /data/kolkata.mbtiles\n"+
		"total size: 48 MB\n"+
		"fingerprint: 0123456789abcdef\n"+
		"tiles count: 123,456\n"+
		"format: png\n"+
		"name: Kolkata\n", b.String())
}
