// Package metrics records run statistics as Prometheus metrics.
//
// gopickup runs as a one-shot process, so nothing is served over HTTP. Metrics
// are collected in a private registry and written to a node_exporter textfile
// collector file at the end of a pass:
//
//	gopickup_runs_total{schedule,status}            counter, status is "completed" or "halted"
//	gopickup_files_transferred_total{schedule}      counter
//	gopickup_files_listed_total{schedule}           counter
//	gopickup_archives_pruned_total{schedule}        counter
//	gopickup_run_duration_seconds{schedule}         gauge, duration of the last run
//	gopickup_last_run_timestamp_seconds{schedule}   gauge
//	gopickup_last_success_timestamp_seconds{schedule} gauge
package metrics

import (
	"fmt"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run status label values.
const (
	StatusCompleted = "completed"
	StatusHalted    = "halted"
)

// Recorder receives the outcome of every schedule run.
type Recorder interface {
	RunFinished(result models.RunResult)
}

// Nop discards everything.
type Nop struct{}

// RunFinished implements Recorder.
func (Nop) RunFinished(models.RunResult) {}

// Prometheus implements Recorder with a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	runs              *prometheus.CounterVec
	filesTransferred  *prometheus.CounterVec
	filesListed       *prometheus.CounterVec
	archivesPruned    *prometheus.CounterVec
	runDuration       *prometheus.GaugeVec
	lastRunTimestamp  *prometheus.GaugeVec
	lastSuccessfulRun *prometheus.GaugeVec
}

// NewPrometheus creates a recorder with its own registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopickup_runs_total",
			Help: "Schedule runs by final status",
		}, []string{"schedule", "status"}),
		filesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopickup_files_transferred_total",
			Help: "Files successfully copied from remote servers",
		}, []string{"schedule"}),
		filesListed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopickup_files_listed_total",
			Help: "Files found at remote locations",
		}, []string{"schedule"}),
		archivesPruned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gopickup_archives_pruned_total",
			Help: "Local archives removed by retention",
		}, []string{"schedule"}),
		runDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gopickup_run_duration_seconds",
			Help: "Duration of the last run",
		}, []string{"schedule"}),
		lastRunTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gopickup_last_run_timestamp_seconds",
			Help: "Unix time the last run started",
		}, []string{"schedule"}),
		lastSuccessfulRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gopickup_last_success_timestamp_seconds",
			Help: "Unix time the last run that was not halted started",
		}, []string{"schedule"}),
	}
}

// RunFinished implements Recorder.
func (p *Prometheus) RunFinished(result models.RunResult) {
	status := StatusCompleted
	if result.Halted {
		status = StatusHalted
	}

	p.runs.WithLabelValues(result.ScheduleID, status).Inc()
	p.filesListed.WithLabelValues(result.ScheduleID).Add(float64(result.FilesListed))
	p.filesTransferred.WithLabelValues(result.ScheduleID).Add(float64(result.FilesTransferred))
	p.archivesPruned.WithLabelValues(result.ScheduleID).Add(float64(len(result.ArchivesDeleted)))
	p.runDuration.WithLabelValues(result.ScheduleID).Set(result.Duration.Seconds())

	if !result.StartTime.IsZero() {
		started := float64(result.StartTime.Unix())
		p.lastRunTimestamp.WithLabelValues(result.ScheduleID).Set(started)
		if !result.Halted {
			p.lastSuccessfulRun.WithLabelValues(result.ScheduleID).Set(started)
		}
	}
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// WriteTextfile writes all metrics to path in the Prometheus text format.
func (p *Prometheus) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
