// Package loam is an embeddable document database: a single data file of
// fixed-size pages plus a redo log, collections of bson-like documents,
// skip-list indexes, and snapshot-isolated transactions.
package loam

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/transaction"
	"github.com/loamdb/loam/core/wal"
)

// DB is one open database. All methods are safe for concurrent use.
type DB struct {
	opts    Options
	logger  *zap.Logger
	disk    *storage.DiskManager
	walIx   *wal.Index
	monitor *transaction.Monitor
	metrics *metrics

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database at the configured location, runs
// recovery against any log left by a previous process, and reclaims
// orphaned pages.
func Open(opts Options) (*DB, error) {
	if err := opts.fillDefaults(); err != nil {
		return nil, err
	}
	logger := opts.Logger

	if opts.SharedMutex != nil {
		if err := opts.SharedMutex.Lock(); err != nil {
			return nil, fmt.Errorf("%w: acquiring shared file lock: %v", dberr.ErrIO, err)
		}
	}
	unlock := func() {
		if opts.SharedMutex != nil {
			opts.SharedMutex.Unlock()
		}
	}

	data, log := opts.DataStream, opts.LogStream
	if data == nil {
		var err error
		if data, err = storage.OpenFileStream(opts.Path, opts.ReadOnly); err != nil {
			unlock()
			return nil, err
		}
		if log, err = storage.OpenFileStream(LogPath(opts.Path), opts.ReadOnly); err != nil {
			data.Close()
			unlock()
			return nil, err
		}
	}

	disk, err := storage.NewDiskManager(data, log, opts.CacheSize, logger)
	if err != nil {
		unlock()
		return nil, err
	}

	walIx := wal.NewIndex(disk, logger)
	if err := walIx.RestoreIndex(); err != nil {
		disk.Close()
		unlock()
		return nil, err
	}

	header, created, err := loadOrCreateHeader(disk, walIx, opts)
	if err != nil {
		disk.Close()
		unlock()
		return nil, err
	}

	db := &DB{
		opts:    opts,
		logger:  logger,
		disk:    disk,
		walIx:   walIx,
		monitor: transaction.NewMonitor(disk, walIx, header, opts.LockTimeout, logger),
	}
	db.metrics = newMetrics(opts.MetricsRegisterer, func() float64 {
		return float64(db.monitor.ActiveCount())
	})

	if !opts.ReadOnly {
		// Fold a recovered log into the data file before taking traffic.
		if walIx.Size() > 0 {
			if _, err := walIx.Checkpoint(); err != nil {
				disk.Close()
				unlock()
				return nil, err
			}
		}
		if err := db.reclaimOrphans(header); err != nil {
			disk.Close()
			unlock()
			return nil, err
		}
		if opts.InitialSize > 0 {
			if err := db.preallocate(header); err != nil {
				disk.Close()
				unlock()
				return nil, err
			}
		}
	}

	logger.Info("database open",
		zap.String("path", opts.Path),
		zap.Bool("created", created),
		zap.Bool("read_only", opts.ReadOnly),
		zap.Uint32("last_page_id", header.LastPageID))
	return db, nil
}

// loadOrCreateHeader reads the header page through the newest log version,
// creating a fresh file when both data file and log are empty.
func loadOrCreateHeader(disk *storage.DiskManager, walIx *wal.Index, opts Options) (*storage.HeaderPage, bool, error) {
	var page *storage.Page
	if pos, ok := walIx.GetPagePosition(storage.HeaderPageID, walIx.CurrentReadVersion()); ok {
		p, err := disk.ReadLogPage(pos)
		if err != nil {
			return nil, false, err
		}
		page = p
	} else {
		length, err := disk.DataLength()
		if err != nil {
			return nil, false, err
		}
		if length == 0 {
			if opts.ReadOnly {
				return nil, false, fmt.Errorf("%w: database does not exist", dberr.ErrIO)
			}
			header := storage.NewHeaderPage()
			p, err := header.UpdateBuffer()
			if err != nil {
				return nil, false, err
			}
			if err := disk.WriteDataPages([]*storage.Page{p}); err != nil {
				return nil, false, err
			}
			if err := disk.SyncData(); err != nil {
				return nil, false, err
			}
			return header, true, nil
		}
		p, err := disk.ReadDataPage(storage.HeaderPageID)
		if err != nil {
			return nil, false, err
		}
		page = p
	}
	header, err := storage.LoadHeaderPage(page)
	if err != nil {
		return nil, false, err
	}
	return header, false, nil
}

// reclaimOrphans finds empty pages that fell off the free chain, which a
// rollback or crash between allocation and commit can leave behind, and
// feeds them back to the allocator.
func (db *DB) reclaimOrphans(header *storage.HeaderPage) error {
	chained := make(map[uint32]bool)
	for id := header.FreeEmptyPageID; id != storage.EmptyPageID; {
		if chained[id] {
			return fmt.Errorf("%w: free page chain loops at page %d", dberr.ErrCorrupted, id)
		}
		chained[id] = true
		p, err := db.disk.ReadDataPage(id)
		if err != nil {
			return err
		}
		id = p.NextPageID
	}

	var orphans []uint32
	for id := uint32(1); id <= header.LastPageID; id++ {
		p, err := db.disk.ReadDataPage(id)
		if err != nil {
			return err
		}
		if p.Type == storage.PageTypeEmpty && !chained[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		db.monitor.ReclaimPages(orphans)
		db.logger.Info("orphaned pages reclaimed", zap.Int("count", len(orphans)))
	}
	return nil
}

// preallocate grows the data file to the configured initial size by
// appending empty pages to the free pool.
func (db *DB) preallocate(header *storage.HeaderPage) error {
	wantPages := uint32((db.opts.InitialSize + storage.PageSize - 1) / storage.PageSize)
	if wantPages <= header.LastPageID+1 {
		return nil
	}
	var fresh []uint32
	pages := make([]*storage.Page, 0, wantPages-header.LastPageID-1)
	for header.LastPageID+1 < wantPages {
		header.LastPageID++
		pages = append(pages, storage.NewPage(header.LastPageID, storage.PageTypeEmpty))
		fresh = append(fresh, header.LastPageID)
	}
	if err := db.disk.WriteDataPages(pages); err != nil {
		return err
	}
	hp, err := header.UpdateBuffer()
	if err != nil {
		return err
	}
	if err := db.disk.WriteDataPages([]*storage.Page{hp}); err != nil {
		return err
	}
	if err := db.disk.SyncData(); err != nil {
		return err
	}
	db.monitor.ReclaimPages(fresh)
	return nil
}

func (db *DB) checkOpen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return dberr.ErrEngineClosed
	}
	return nil
}

func (db *DB) checkWritable() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.opts.ReadOnly {
		return dberr.ErrReadOnly
	}
	return nil
}

// Checkpoint forces confirmed log pages into the data file. It waits for
// exclusive access, so it fails with ErrLockTimeout while transactions
// stay open past the lock timeout.
func (db *DB) Checkpoint() error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	locks := db.monitor.Locks()
	if err := locks.EnterExclusive(); err != nil {
		return err
	}
	defer locks.ExitExclusive()
	n, err := db.walIx.Checkpoint()
	if err != nil {
		return err
	}
	if n > 0 {
		db.metrics.checkpoints.Inc()
	}
	return nil
}

// maybeCheckpoint runs after committed writes; a full log triggers a
// checkpoint, skipped quietly when other transactions hold the engine.
func (db *DB) maybeCheckpoint() {
	if db.opts.CheckpointThreshold < 0 || db.walIx.Size() < db.opts.CheckpointThreshold {
		return
	}
	if err := db.Checkpoint(); err != nil {
		db.logger.Debug("automatic checkpoint skipped", zap.Error(err))
	}
}

// Close checkpoints the log and releases the files. Open transactions must
// finish first; Close waits for them up to the lock timeout.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	if !db.opts.ReadOnly {
		locks := db.monitor.Locks()
		if err := locks.EnterExclusive(); err != nil {
			firstErr = err
		} else {
			if _, err := db.walIx.Checkpoint(); err != nil && firstErr == nil {
				firstErr = err
			}
			locks.ExitExclusive()
		}
	}
	if err := db.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if db.opts.SharedMutex != nil {
		if err := db.opts.SharedMutex.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: releasing shared file lock: %v", dberr.ErrIO, err)
		}
	}
	db.logger.Info("database closed", zap.String("path", db.opts.Path))
	return firstErr
}
