package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter bridges a Collector into a Prometheus registry. Counters are
// read as const metrics from a Snapshot at scrape time, so the Collector
// stays free of prometheus types.
type Exporter struct {
	collector *Collector

	auditsStarted   *prometheus.Desc
	auditsCompleted *prometheus.Desc
	auditsFailed    *prometheus.Desc
	auditsAborted   *prometheus.Desc
	auditsDegraded  *prometheus.Desc

	eventsReceived  *prometheus.Desc
	eventsPersisted *prometheus.Desc
	eventsDropped   *prometheus.Desc

	engineSpawns        *prometheus.Desc
	engineSpawnFailures *prometheus.Desc
	engineCrashes       *prometheus.Desc
	stdoutFallbacks     *prometheus.Desc
	ipcDecodeErrors     *prometheus.Desc
	sequenceGaps        *prometheus.Desc

	storeWriteSuccess *prometheus.Desc
	storeWriteFailure *prometheus.Desc
	storeWriteRetries *prometheus.Desc

	wsClients          *prometheus.Desc
	wsDroppedClients   *prometheus.Desc
	adapterPublishes   *prometheus.Desc
	adapterPublishErrs *prometheus.Desc
}

// NewExporter creates a prometheus collector over c. Dimension labels from
// the Collector become constant labels on every metric.
func NewExporter(c *Collector) *Exporter {
	snap := c.Snapshot()
	labels := prometheus.Labels{
		"policy": snap.Policy,
		"store":  snap.Store,
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("veritas_"+name, help, nil, labels)
	}
	return &Exporter{
		collector: c,

		auditsStarted:   desc("audits_started_total", "Audits that entered the running state."),
		auditsCompleted: desc("audits_completed_total", "Audits that reached the completed status."),
		auditsFailed:    desc("audits_failed_total", "Audits that reached the error status."),
		auditsAborted:   desc("audits_aborted_total", "Audits that reached the aborted status."),
		auditsDegraded:  desc("audits_degraded_total", "Audits that finished with a degraded verdict."),

		eventsReceived:  desc("events_received_total", "Progress events ingested from engines."),
		eventsPersisted: desc("events_persisted_total", "Progress events accepted by the store."),
		eventsDropped:   desc("events_dropped_total", "Progress events abandoned by the write policy."),

		engineSpawns:        desc("engine_spawns_total", "Engine subprocesses launched."),
		engineSpawnFailures: desc("engine_spawn_failures_total", "Engine launches that failed."),
		engineCrashes:       desc("engine_crashes_total", "Engine deaths detected mid-stream."),
		stdoutFallbacks:     desc("stdout_fallbacks_total", "Queue-to-stdout respawns."),
		ipcDecodeErrors:     desc("ipc_decode_errors_total", "Frame or line decode errors."),
		sequenceGaps:        desc("sequence_gaps_total", "Gaps observed in event streams."),

		storeWriteSuccess: desc("store_write_success_total", "Successful store write calls."),
		storeWriteFailure: desc("store_write_failure_total", "Failed store write calls."),
		storeWriteRetries: desc("store_write_retries_total", "Retried store writes."),

		wsClients:          desc("ws_clients", "Live websocket clients."),
		wsDroppedClients:   desc("ws_dropped_clients_total", "Slow websocket clients disconnected."),
		adapterPublishes:   desc("adapter_publishes_total", "Deliveries to output adapters."),
		adapterPublishErrs: desc("adapter_publish_errors_total", "Failed adapter deliveries."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.auditsStarted
	ch <- e.auditsCompleted
	ch <- e.auditsFailed
	ch <- e.auditsAborted
	ch <- e.auditsDegraded
	ch <- e.eventsReceived
	ch <- e.eventsPersisted
	ch <- e.eventsDropped
	ch <- e.engineSpawns
	ch <- e.engineSpawnFailures
	ch <- e.engineCrashes
	ch <- e.stdoutFallbacks
	ch <- e.ipcDecodeErrors
	ch <- e.sequenceGaps
	ch <- e.storeWriteSuccess
	ch <- e.storeWriteFailure
	ch <- e.storeWriteRetries
	ch <- e.wsClients
	ch <- e.wsDroppedClients
	ch <- e.adapterPublishes
	ch <- e.adapterPublishErrs
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.collector.Snapshot()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(e.auditsStarted, s.AuditsStarted)
	counter(e.auditsCompleted, s.AuditsCompleted)
	counter(e.auditsFailed, s.AuditsFailed)
	counter(e.auditsAborted, s.AuditsAborted)
	counter(e.auditsDegraded, s.AuditsDegraded)
	counter(e.eventsReceived, s.EventsReceived)
	counter(e.eventsPersisted, s.EventsPersisted)
	counter(e.eventsDropped, s.EventsDropped)
	counter(e.engineSpawns, s.EngineSpawns)
	counter(e.engineSpawnFailures, s.EngineSpawnFailures)
	counter(e.engineCrashes, s.EngineCrashes)
	counter(e.stdoutFallbacks, s.StdoutFallbacks)
	counter(e.ipcDecodeErrors, s.IPCDecodeErrors)
	counter(e.sequenceGaps, s.SequenceGaps)
	counter(e.storeWriteSuccess, s.StoreWriteSuccess)
	counter(e.storeWriteFailure, s.StoreWriteFailure)
	counter(e.storeWriteRetries, s.StoreWriteRetries)
	ch <- prometheus.MustNewConstMetric(e.wsClients, prometheus.GaugeValue, float64(s.WSClients))
	counter(e.wsDroppedClients, s.WSDroppedClients)
	counter(e.adapterPublishes, s.AdapterPublishes)
	counter(e.adapterPublishErrs, s.AdapterPublishErrs)
}

var _ prometheus.Collector = (*Exporter)(nil)
