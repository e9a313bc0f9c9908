package loam

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/index"
	"github.com/loamdb/loam/core/storage"
)

// SharedMutex is an advisory cross-process lock guarding the database file.
// When set it is held for the whole Open..Close span. The default is none;
// single-process access is assumed.
type SharedMutex interface {
	Lock() error
	Unlock() error
}

// Options configures Open. The zero value opens read-write with defaults.
type Options struct {
	// Path is the data file; the redo log lives alongside it with a -log
	// suffix. Ignored when DataStream is set.
	Path string

	// DataStream and LogStream override file access, used for in-memory
	// databases and fault-injection tests. Set both or neither.
	DataStream storage.Stream
	LogStream  storage.Stream

	ReadOnly bool

	// LockTimeout bounds every lock wait; expiry surfaces ErrLockTimeout.
	LockTimeout time.Duration

	// CheckpointThreshold is the logged page count that triggers a
	// checkpoint after a commit. Zero means the default; negative disables
	// automatic checkpoints.
	CheckpointThreshold int

	// InitialSize preallocates the data file to at least this many bytes,
	// rounded up to whole pages.
	InitialSize int64

	// CacheSize is the page cache capacity in pages.
	CacheSize int

	// PageSize and MaxIndexLevels are part of the on-disk format. They
	// exist for forward compatibility and must currently be zero or the
	// built-in values.
	PageSize       int
	MaxIndexLevels int

	SharedMutex SharedMutex

	Logger *zap.Logger

	// MetricsRegisterer receives the engine collectors when set.
	MetricsRegisterer prometheus.Registerer
}

const (
	defaultLockTimeout         = 10 * time.Second
	defaultCheckpointThreshold = 1000
	defaultCacheSize           = 256
)

func (o *Options) fillDefaults() error {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.CheckpointThreshold == 0 {
		o.CheckpointThreshold = defaultCheckpointThreshold
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}
	if o.PageSize != 0 && o.PageSize != storage.PageSize {
		return fmt.Errorf("unsupported page size %d, only %d is supported", o.PageSize, storage.PageSize)
	}
	if o.MaxIndexLevels != 0 && o.MaxIndexLevels != index.MaxLevels {
		return fmt.Errorf("unsupported index level cap %d, only %d is supported", o.MaxIndexLevels, index.MaxLevels)
	}
	if (o.DataStream == nil) != (o.LogStream == nil) {
		return fmt.Errorf("DataStream and LogStream must be set together")
	}
	if o.DataStream == nil && o.Path == "" {
		return fmt.Errorf("%w: no path and no streams", dberr.ErrIO)
	}
	return nil
}

// LogPath derives the redo log location from the data path.
func LogPath(dataPath string) string {
	return dataPath + "-log"
}
