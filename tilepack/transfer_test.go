package tilepack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/fileblob"
)

func TestHTTPTransfer(t *testing.T) {
	payload := sqlitePayload(1024 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/kolkata.mbtiles" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("ETag", `"v1"`)
		w.Write(payload)
	}))
	defer server.Close()

	store := newTestStore(t)
	transfer := NewHTTPTransfer(server.Client(), store)
	ctx := context.Background()

	calls := 0
	job := newJob(server.URL+"/kolkata.mbtiles", "out")
	require.NoError(t, transfer.Fetch(ctx, job, func(written, expected int64) {
		calls++
		assert.Equal(t, int64(len(payload)), expected)
	}))
	assert.Equal(t, int64(len(payload)), job.Written)
	assert.Equal(t, int64(len(payload)), job.Expected)
	assert.Equal(t, `"v1"`, job.ETag)
	assert.GreaterOrEqual(t, calls, 4)
	size, err := store.Size(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	job = newJob(server.URL+"/missing", "out")
	assert.EqualError(t, transfer.Fetch(ctx, job, nil), "HTTP error: 404")
}

func TestHTTPTransferOverwrites(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer server.Close()

	store := newTestStore(t)
	installBytes(t, store, "out", make([]byte, 4096))
	require.NoError(t, NewHTTPTransfer(server.Client(), store).Fetch(context.Background(), newJob(server.URL, "out"), nil))

	data, err := readAll(context.Background(), store, "out")
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
}

func TestCancelledJobStopsCopy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(sqlitePayload(1024 * 1024))
	}))
	defer server.Close()

	job := newJob(server.URL, "out")
	job.Cancel()
	err := NewHTTPTransfer(server.Client(), newTestStore(t)).Fetch(context.Background(), job, nil)
	assert.ErrorIs(t, err, errJobCancelled)
}

func TestBucketTransfer(t *testing.T) {
	dir := t.TempDir()
	payload := writeMBTiles(t, "tiles")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kolkata.mbtiles"), payload, 0o644))

	store := newTestStore(t)
	transfer := NewSourceTransfer(nil, store)
	job := newJob("file://"+filepath.ToSlash(dir)+"/kolkata.mbtiles", "out")
	require.NoError(t, transfer.Fetch(context.Background(), job, nil))
	assert.Equal(t, int64(len(payload)), job.Expected)

	data, err := readAll(context.Background(), store, "out")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	job = newJob("file://"+filepath.ToSlash(dir)+"/missing.mbtiles", "out")
	assert.Error(t, transfer.Fetch(context.Background(), job, nil))
}

func TestSplitBucketURL(t *testing.T) {
	bucket, key, err := splitBucketURL("s3://maps/offline/kolkata.mbtiles?region=ap-south-1")
	require.NoError(t, err)
	assert.Equal(t, "s3://maps?region=ap-south-1", bucket)
	assert.Equal(t, "offline/kolkata.mbtiles", key)

	bucket, key, err = splitBucketURL("file:///var/data/kolkata.mbtiles")
	require.NoError(t, err)
	assert.Equal(t, "file:///var/data", bucket)
	assert.Equal(t, "kolkata.mbtiles", key)

	_, _, err = splitBucketURL("gs://maps")
	assert.Error(t, err)
	_, _, err = splitBucketURL("file:///var/data/")
	assert.Error(t, err)
}
