package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/loamdb/loam/core/dberr"
	"go.uber.org/zap"
)

// FileOrigin names which of the two backing streams a page position refers
// to: the main data file or the companion redo-log file.
type FileOrigin byte

const (
	OriginData FileOrigin = 1
	OriginLog  FileOrigin = 2
)

// DiskManager serves page traffic for the engine. Data-file pages are
// addressed by page id, log pages by byte position; clean pages from both
// origins share one LRU cache. Log appends are serialized so the log is the
// single global ordering point for commits.
type DiskManager struct {
	data Stream
	log  Stream

	logger *zap.Logger
	cache  *pageCache

	mu        sync.Mutex // guards logLength and log appends
	logLength int64
}

// NewDiskManager wires the two streams. The log length is rounded down to a
// whole page so a torn tail write from a previous crash is ignored.
func NewDiskManager(data, log Stream, cacheSize int, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logLen, err := log.Size()
	if err != nil {
		return nil, fmt.Errorf("sizing log stream: %w", err)
	}
	return &DiskManager{
		data:      data,
		log:       log,
		logger:    logger,
		cache:     newPageCache(cacheSize),
		logLength: logLen - logLen%PageSize,
	}, nil
}

// DataLength returns the data file size in bytes.
func (dm *DiskManager) DataLength() (int64, error) {
	return dm.data.Size()
}

// LogLength returns the current log size in whole pages worth of bytes.
func (dm *DiskManager) LogLength() int64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.logLength
}

func (dm *DiskManager) readPage(origin FileOrigin, position int64) (*Page, error) {
	if buf, ok := dm.cache.get(origin, position); ok {
		return LoadPage(buf)
	}

	stream := dm.data
	if origin == OriginLog {
		stream = dm.log
	}
	buf := make([]byte, PageSize)
	n, err := stream.ReadAt(buf, position)
	if err != nil && !(err == io.EOF && n == PageSize) {
		if err == io.EOF {
			// Reading past the end yields a blank page; the file grows
			// lazily and unwritten tail pages are all zero.
			for i := n; i < PageSize; i++ {
				buf[i] = 0
			}
		} else {
			return nil, fmt.Errorf("%w: reading page at %d: %v", dberr.ErrIO, position, err)
		}
	}
	dm.cache.put(origin, position, buf)

	p, err := LoadPage(append([]byte(nil), buf...))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReadDataPage reads a page from the main file by page id.
func (dm *DiskManager) ReadDataPage(pageID uint32) (*Page, error) {
	p, err := dm.readPage(OriginData, int64(pageID)*PageSize)
	if err != nil {
		return nil, err
	}
	if p.Type == PageTypeEmpty {
		// Unwritten tail pages come back all zero; stamp the identity
		// the caller asked for.
		p.PageID = pageID
	}
	return p, nil
}

// ReadLogPage reads a page from the redo log by byte position.
func (dm *DiskManager) ReadLogPage(position int64) (*Page, error) {
	return dm.readPage(OriginLog, position)
}

// WriteDataPages writes pages into the main file at their page-id positions.
// Only the checkpoint path calls this; live commits go through the log.
func (dm *DiskManager) WriteDataPages(pages []*Page) error {
	for _, p := range pages {
		pos := int64(p.PageID) * PageSize
		buf := p.UpdateBuffer()
		if _, err := dm.data.WriteAt(buf, pos); err != nil {
			return fmt.Errorf("%w: writing page %d: %v", dberr.ErrIO, p.PageID, err)
		}
		dm.cache.put(OriginData, pos, append([]byte(nil), buf...))
	}
	return nil
}

// AppendLogPages appends the pages to the redo log in order and returns the
// byte position each one landed at. Appends from concurrent commits are
// serialized here.
func (dm *DiskManager) AppendLogPages(pages []*Page) ([]int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	positions := make([]int64, len(pages))
	for i, p := range pages {
		pos := dm.logLength + int64(i)*PageSize
		buf := p.UpdateBuffer()
		if _, err := dm.log.WriteAt(buf, pos); err != nil {
			return nil, fmt.Errorf("%w: appending log page %d: %v", dberr.ErrIO, p.PageID, err)
		}
		positions[i] = pos
		dm.cache.put(OriginLog, pos, append([]byte(nil), buf...))
	}
	dm.logLength += int64(len(pages)) * PageSize
	return positions, nil
}

// SyncLog is the durability barrier for commit.
func (dm *DiskManager) SyncLog() error {
	if err := dm.log.Sync(); err != nil {
		return fmt.Errorf("%w: log sync: %v", dberr.ErrIO, err)
	}
	return nil
}

// SyncData is the durability barrier for checkpoint.
func (dm *DiskManager) SyncData() error {
	if err := dm.data.Sync(); err != nil {
		return fmt.Errorf("%w: data sync: %v", dberr.ErrIO, err)
	}
	return nil
}

// ResetLog truncates the redo log after a checkpoint and drops its cached
// pages.
func (dm *DiskManager) ResetLog() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.log.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncating log: %v", dberr.ErrIO, err)
	}
	dm.logLength = 0
	dm.cache.dropOrigin(OriginLog)
	return nil
}

// ReadFullLog walks every page currently in the log in append order.
func (dm *DiskManager) ReadFullLog(fn func(position int64, p *Page) error) error {
	length := dm.LogLength()
	for pos := int64(0); pos < length; pos += PageSize {
		p, err := dm.ReadLogPage(pos)
		if err != nil {
			return err
		}
		if err := fn(pos, p); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateDataPage drops a cached data page, used when a checkpointed
// page supersedes it.
func (dm *DiskManager) InvalidateDataPage(pageID uint32) {
	dm.cache.drop(OriginData, int64(pageID)*PageSize)
}

func (dm *DiskManager) Close() error {
	var first error
	if err := dm.data.Sync(); err != nil && first == nil {
		first = err
	}
	if err := dm.data.Close(); err != nil && first == nil {
		first = err
	}
	if err := dm.log.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
