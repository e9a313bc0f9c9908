package wal

import (
	"go.uber.org/zap"

	"github.com/loamdb/loam/core/storage"
)

// Checkpoint copies the newest confirmed copy of every logged page back into
// the data file, syncs it, then truncates the log and resets the index. The
// caller must hold the engine exclusively; no reader may be pinned to a log
// version while pages move underneath it.
func (ix *Index) Checkpoint() (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.slots) == 0 {
		return 0, nil
	}

	pages := make([]*storage.Page, 0, len(ix.slots))
	for pageID, slots := range ix.slots {
		newest := slots[len(slots)-1]
		p, err := ix.disk.ReadLogPage(newest.position)
		if err != nil {
			return 0, err
		}
		// Transaction markers belong to the log, not the data file.
		p.TxnID = storage.EmptyPageID
		p.Confirmed = false
		p.PageID = pageID
		pages = append(pages, p)
	}

	if err := ix.disk.WriteDataPages(pages); err != nil {
		return 0, err
	}
	if err := ix.disk.SyncData(); err != nil {
		return 0, err
	}
	if err := ix.disk.ResetLog(); err != nil {
		return 0, err
	}

	ix.clearLocked()
	ix.logger.Info("checkpoint complete", zap.Int("pages", len(pages)))
	return len(pages), nil
}
