package tilepack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteQueries(t *testing.T) {
	store := newTestStore(t)
	installBytes(t, store, DefaultPackageName, writeMBTiles(t, "tiles"))

	db, err := OpenSQLite(store.Path(DefaultPackageName))
	require.NoError(t, err)
	defer db.Close()

	tables, err := db.Tables()
	require.NoError(t, err)
	assert.Equal(t, []string{"metadata", "tiles"}, tables)

	count, err := db.CountRows("tiles")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	_, err = db.CountRows("missing")
	assert.Error(t, err)

	metadata, err := db.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "Kolkata", metadata["name"])
	assert.Equal(t, "png", metadata["format"])
}

func TestTileTable(t *testing.T) {
	name, ok := tileTable([]string{"metadata", "tile"})
	assert.True(t, ok)
	assert.Equal(t, "tile", name)

	name, ok = tileTable([]string{"tile", "tiles"})
	assert.True(t, ok)
	assert.Equal(t, "tiles", name)

	_, ok = tileTable([]string{"TILES", "tiles_shallow", "metadata"})
	assert.False(t, ok)
}
