// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WalArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgship_wal_archived_total",
		Help: "WAL files successfully placed into the archive.",
	}, []string{"server"})

	WalArchiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgship_wal_archive_errors_total",
		Help: "WAL files that failed archiving and were quarantined or retried.",
	}, []string{"server"})

	BackupsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgship_backups_total",
		Help: "Base backups by terminal status.",
	}, []string{"server", "status"})

	BackupBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgship_last_backup_bytes",
		Help: "Size of the last successful base backup.",
	}, []string{"server"})

	UploadedParts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgship_cloud_upload_parts_total",
		Help: "Multipart upload parts shipped to the object store.",
	}, []string{"server"})

	CronPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgship_cron_pass_duration_seconds",
		Help:    "Duration of one maintenance pass.",
		Buckets: prometheus.DefBuckets,
	}, []string{"server"})
)
