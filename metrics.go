package loam

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commits     prometheus.Counter
	rollbacks   prometheus.Counter
	inserts     prometheus.Counter
	updates     prometheus.Counter
	deletes     prometheus.Counter
	pagesLogged prometheus.Counter
	checkpoints prometheus.Counter
	openTxns    prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, activeTxns func() float64) *metrics {
	m := &metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_transactions_committed_total",
			Help: "Transactions committed.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_transactions_rolled_back_total",
			Help: "Transactions rolled back.",
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_documents_inserted_total",
			Help: "Documents inserted.",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_documents_updated_total",
			Help: "Documents updated.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_documents_deleted_total",
			Help: "Documents deleted.",
		}),
		pagesLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_pages_written_total",
			Help: "Pages appended to the redo log by commits.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_checkpoints_total",
			Help: "Checkpoints completed.",
		}),
		openTxns: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "loam_open_transactions",
			Help: "Currently open transactions.",
		}, activeTxns),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.rollbacks, m.inserts, m.updates, m.deletes, m.pagesLogged, m.checkpoints, m.openTxns)
	}
	return m
}
