package tilepack

import (
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
)

// TileDatabase is the read-only query surface of an installed package.
type TileDatabase interface {
	Tables() ([]string, error)
	CountRows(table string) (int64, error)
	Metadata() (map[string]string, error)
	Close() error
}

// OpenFunc opens the Tile Database at path.
type OpenFunc func(path string) (TileDatabase, error)

type sqliteDB struct {
	conn *sqlite.Conn
}

// OpenSQLite opens an MBTiles file read-only.
func OpenSQLite(path string) (TileDatabase, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &sqliteDB{conn: conn}, nil
}

func (db *sqliteDB) Tables() ([]string, error) {
	stmt, _, err := db.conn.PrepareTransient("SELECT name FROM sqlite_master WHERE type IN ('table', 'view') ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer stmt.Finalize()

	tables := make([]string, 0)
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !row {
			break
		}
		tables = append(tables, stmt.ColumnText(0))
	}
	return tables, nil
}

func (db *sqliteDB) CountRows(table string) (int64, error) {
	quoted := `"` + strings.ReplaceAll(table, `"`, `""`) + `"`
	stmt, _, err := db.conn.PrepareTransient("SELECT count(*) FROM " + quoted)
	if err != nil {
		return 0, err
	}
	defer stmt.Finalize()

	row, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !row {
		return 0, fmt.Errorf("no count returned for %s", table)
	}
	return stmt.ColumnInt64(0), nil
}

func (db *sqliteDB) Metadata() (map[string]string, error) {
	stmt, _, err := db.conn.PrepareTransient("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer stmt.Finalize()

	metadata := make(map[string]string)
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !row {
			break
		}
		metadata[stmt.ColumnText(0)] = stmt.ColumnText(1)
	}
	return metadata, nil
}

func (db *sqliteDB) Close() error {
	return db.conn.Close()
}

// tileTable returns the name of the tile table, which must be exactly "tiles" or "tile".
func tileTable(tables []string) (string, bool) {
	for _, want := range []string{"tiles", "tile"} {
		for _, name := range tables {
			if name == want {
				return name, true
			}
		}
	}
	return "", false
}
