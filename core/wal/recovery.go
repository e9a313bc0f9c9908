package wal

import (
	"go.uber.org/zap"

	"github.com/loamdb/loam/core/storage"
)

// RestoreIndex rebuilds the index from a log file left behind by a previous
// process. Two passes over the log, in the style of analysis then redo:
// the first finds which transactions reached their confirm marker, the
// second installs the pages of exactly those transactions. Pages of
// unconfirmed transactions are torn commits and are skipped; the next
// checkpoint discards them.
func (ix *Index) RestoreIndex() error {
	if ix.disk.LogLength() == 0 {
		return nil
	}

	confirmed := make(map[uint32]bool)
	var lastTxnID uint32

	err := ix.disk.ReadFullLog(func(pos int64, p *storage.Page) error {
		if p.TxnID > lastTxnID && p.TxnID != storage.EmptyPageID {
			lastTxnID = p.TxnID
		}
		if p.Confirmed {
			confirmed[p.TxnID] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Redo pass. Pages group by transaction in append order, so replaying
	// confirm order preserves each page's newest-wins slot ordering.
	byTxn := make(map[uint32]map[uint32]int64)
	var installed, skipped int
	err = ix.disk.ReadFullLog(func(pos int64, p *storage.Page) error {
		if !confirmed[p.TxnID] {
			skipped++
			return nil
		}
		pages := byTxn[p.TxnID]
		if pages == nil {
			pages = make(map[uint32]int64)
			byTxn[p.TxnID] = pages
		}
		pages[p.PageID] = pos
		installed++
		if p.Confirmed {
			ix.ConfirmTransaction(p.TxnID, pages)
			delete(byTxn, p.TxnID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cur := ix.lastTxnID.Load(); lastTxnID > cur {
		ix.lastTxnID.Store(lastTxnID)
	}
	ix.logger.Info("log index restored",
		zap.Int("confirmed_txns", len(confirmed)),
		zap.Int("pages", installed),
		zap.Int("torn_pages", skipped),
		zap.Uint32("last_txn_id", lastTxnID))
	return nil
}
