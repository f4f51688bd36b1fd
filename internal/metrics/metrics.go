package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for transfer runs. Runs are
// short-lived batch jobs, so the registry is written to a node_exporter
// textfile instead of being scraped. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FilesDownloaded *prometheus.CounterVec
	FilesDelivered  *prometheus.CounterVec
	FilesFailed     *prometheus.CounterVec
	PartnerErrors   *prometheus.CounterVec
	LastRun         *prometheus.GaugeVec
}

// New creates and registers all metrics on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FilesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edirelay_files_downloaded_total",
			Help: "Files retrieved from partner endpoints",
		}, []string{"partner"}),
		FilesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edirelay_files_delivered_total",
			Help: "Files uploaded to partner endpoints",
		}, []string{"partner"}),
		FilesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edirelay_files_failed_total",
			Help: "Files that failed, by direction and the stage that failed",
		}, []string{"direction", "stage"}),
		PartnerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edirelay_partner_errors_total",
			Help: "Partner sessions that could not be opened or used",
		}, []string{"direction", "partner"}),
		LastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edirelay_last_run_timestamp_seconds",
			Help: "Unix time the last run of each direction finished",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(m.FilesDownloaded, m.FilesDelivered, m.FilesFailed, m.PartnerErrors, m.LastRun)
	return m
}

// Downloaded counts a retrieved file
func (m *Metrics) Downloaded(partner string) {
	if m == nil {
		return
	}
	m.FilesDownloaded.WithLabelValues(partner).Inc()
}

// Delivered counts an uploaded file
func (m *Metrics) Delivered(partner string) {
	if m == nil {
		return
	}
	m.FilesDelivered.WithLabelValues(partner).Inc()
}

// Failed counts a failed file
func (m *Metrics) Failed(direction, stage string) {
	if m == nil {
		return
	}
	m.FilesFailed.WithLabelValues(direction, stage).Inc()
}

// PartnerError counts a partner-level failure
func (m *Metrics) PartnerError(direction, partner string) {
	if m == nil {
		return
	}
	m.PartnerErrors.WithLabelValues(direction, partner).Inc()
}

// RunFinished stamps the completion time of a run
func (m *Metrics) RunFinished(direction string, at time.Time) {
	if m == nil {
		return
	}
	m.LastRun.WithLabelValues(direction).Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
