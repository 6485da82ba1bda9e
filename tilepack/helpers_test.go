package tilepack

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

// writeMBTiles creates a small MBTiles file with the given tile table name and returns its bytes.
func writeMBTiles(t *testing.T, table string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.mbtiles")
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	require.NoError(t, err)

	for _, query := range []string{
		"CREATE TABLE metadata (name TEXT, value TEXT)",
		"INSERT INTO metadata VALUES ('name', 'Kolkata'), ('format', 'png'), ('bounds', '88.25,22.45,88.5,22.7')",
		fmt.Sprintf("CREATE TABLE %s (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)", table),
		fmt.Sprintf("INSERT INTO %s VALUES (0, 0, 0, x'89504e47'), (1, 0, 0, x'89504e47'), (1, 1, 0, x'89504e47')", table),
	} {
		stmt, _, err := conn.PrepareTransient(query)
		require.NoError(t, err)
		_, err = stmt.Step()
		require.NoError(t, err)
		require.NoError(t, stmt.Finalize())
	}
	require.NoError(t, conn.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// sqlitePayload is a body that passes the header check but is not a real database.
func sqlitePayload(size int) []byte {
	b := make([]byte, size)
	copy(b, SQLiteHeader)
	return b
}

func htmlPage(body string) []byte {
	return []byte("<!DOCTYPE html><html><head><title>Google Drive - Virus scan warning</title></head><body>" + body + "</body></html>")
}

// scriptedTransfer answers the n-th Fetch with the n-th response, like mockBucket answers keys.
type scriptedTransfer struct {
	store     Store
	responses [][]byte

	mu       sync.Mutex
	requests []string
}

func (s *scriptedTransfer) Fetch(ctx context.Context, job *Job, onProgress ProgressFunc) error {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, job.SourceURL)
	s.mu.Unlock()

	if n >= len(s.responses) {
		return fmt.Errorf("unexpected request %d for %s", n+1, job.SourceURL)
	}
	body := s.responses[n]
	job.Expected = int64(len(body))
	return copyToStore(ctx, s.store, job, bytes.NewReader(body), onProgress)
}

func (s *scriptedTransfer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.requests...)
}

// failingTransfer always fails without writing anything.
type failingTransfer struct {
	err error
}

func (f failingTransfer) Fetch(context.Context, *Job, ProgressFunc) error {
	return f.err
}

type fixture struct {
	store    *DirStore
	checker  *Checker
	pipeline *Pipeline
	progress []float64
}

func newFixture(t *testing.T, transfer func(Store) Transfer) *fixture {
	return newWrappedFixture(t, nil, transfer)
}

// newWrappedFixture lets wrap put a Store in front of the directory store. Checker and
// pipeline both see the wrapped store; f.store stays the plain directory.
func newWrappedFixture(t *testing.T, wrap func(*DirStore) Store, transfer func(Store) Transfer) *fixture {
	t.Helper()
	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	var store Store = dir
	if wrap != nil {
		store = wrap(dir)
	}

	f := &fixture{store: dir}
	f.checker = NewChecker(store, DefaultPackageName, OpenSQLite, nil)
	f.pipeline = NewPipeline(store, transfer(store), f.checker, Config{
		Registerer: prometheus.NewRegistry(),
		OnProgress: func(v float64) { f.progress = append(f.progress, v) },
	})
	t.Cleanup(func() { f.checker.Release() })
	return f
}

func scripted(responses ...[]byte) (func(Store) Transfer, *scriptedTransfer) {
	st := &scriptedTransfer{responses: responses}
	return func(store Store) Transfer {
		st.store = store
		return st
	}, st
}
