package tilepack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Checker decides from store state whether the installed package can be used, and owns the
// single Tile Database handle of the process.
type Checker struct {
	store     Store
	canonical string
	open      OpenFunc
	logger    *zap.Logger
	metrics   *metrics

	mu sync.Mutex
	db TileDatabase
}

// NewChecker returns a Checker for the canonical artifact name. A nil open uses OpenSQLite.
func NewChecker(store Store, canonical string, open OpenFunc, logger *zap.Logger) *Checker {
	if open == nil {
		open = OpenSQLite
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{store: store, canonical: canonical, open: open, logger: logger}
}

// IsAvailable reports whether the canonical artifact exists, is non-empty and exposes a
// tiles or tile table that answers a row count. Errors count as unavailable.
func (c *Checker) IsAvailable(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	size, ok := c.checkLocked(ctx)
	if c.metrics != nil {
		c.metrics.setAvailable(ok, size)
	}
	return ok
}

func (c *Checker) checkLocked(ctx context.Context) (int64, bool) {
	exists, err := c.store.Exists(ctx, c.canonical)
	if err != nil || !exists {
		return 0, false
	}
	size, err := c.store.Size(ctx, c.canonical)
	if err != nil || size <= 0 {
		return 0, false
	}

	db, err := c.open(c.store.Path(c.canonical))
	if err != nil {
		c.logger.Warn("failed to open installed package", zap.String("name", c.canonical), zap.Error(err))
		return 0, false
	}

	count, err := countTiles(db)
	if err != nil {
		c.logger.Warn("installed package is not queryable", zap.String("name", c.canonical), zap.Error(err))
		db.Close()
		return 0, false
	}

	c.db = db
	c.logger.Debug("installed package available",
		zap.String("name", c.canonical),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.Int64("tiles", count))
	return size, true
}

func countTiles(db TileDatabase) (int64, error) {
	tables, err := db.Tables()
	if err != nil {
		return 0, err
	}
	table, ok := tileTable(tables)
	if !ok {
		return 0, errors.New("no tiles or tile table")
	}
	return db.CountRows(table)
}

// Release closes the held handle, if any. The pipeline calls it before replacing the canonical artifact.
func (c *Checker) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Checker) closeLocked() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// DeletePackage closes the handle and removes the canonical artifact. Deleting nothing is not an error.
func (c *Checker) DeletePackage(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.closeLocked(); err != nil {
		c.logger.Warn("failed to close package before delete", zap.Error(err))
	}

	if err := c.store.Remove(ctx, c.canonical); err != nil {
		return newError(DeleteFailed, "delete", err)
	}
	if c.metrics != nil {
		c.metrics.setAvailable(false, 0)
	}
	c.logger.Info("deleted offline package", zap.String("name", c.canonical))
	return nil
}

// Metadata reads the metadata table through the held handle. IsAvailable must have succeeded first.
func (c *Checker) Metadata() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, fmt.Errorf("no package open")
	}
	return c.db.Metadata()
}

// TileCount counts rows in the tile table through the held handle.
func (c *Checker) TileCount() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return 0, fmt.Errorf("no package open")
	}
	return countTiles(c.db)
}

// exclusive closes the held handle and runs fn while no other checker call can reopen the package.
func (c *Checker) exclusive(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.closeLocked(); err != nil {
		c.logger.Warn("failed to close package before replace", zap.Error(err))
	}
	return fn()
}
