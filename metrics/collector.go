// Package metrics accumulates service counters for the audit runner. The
// Collector is a leaf with no internal dependencies; ingestion counters are
// absorbed from policy.Stats at audit completion rather than recorded live,
// avoiding double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of the collector.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Audit lifecycle
	AuditsStarted   int64
	AuditsCompleted int64
	AuditsFailed    int64
	AuditsAborted   int64
	AuditsDegraded  int64

	// Ingestion (absorbed from policy.Stats at audit completion)
	EventsReceived  int64
	EventsPersisted int64
	EventsDropped   int64
	DroppedByKind   map[string]int64

	// Engine subprocess
	EngineSpawns        int64
	EngineSpawnFailures int64
	EngineCrashes       int64
	StdoutFallbacks     int64
	IPCDecodeErrors     int64
	SequenceGaps        int64

	// Store
	StoreWriteSuccess int64
	StoreWriteFailure int64
	StoreWriteRetries int64

	// Streaming
	WSClients          int64
	WSDroppedClients   int64
	AdapterPublishes   int64
	AdapterPublishErrs int64

	// Dimensions, set at construction
	Policy  string
	Store   string
	Runtime string
}

// Collector accumulates runner metrics. Thread-safe; all increment methods
// are nil-receiver safe so optional instrumentation needs no guards.
type Collector struct {
	mu sync.Mutex

	auditsStarted   int64
	auditsCompleted int64
	auditsFailed    int64
	auditsAborted   int64
	auditsDegraded  int64

	eventsReceived  int64
	eventsPersisted int64
	eventsDropped   int64
	droppedByKind   map[string]int64

	engineSpawns        int64
	engineSpawnFailures int64
	engineCrashes       int64
	stdoutFallbacks     int64
	ipcDecodeErrors     int64
	sequenceGaps        int64

	storeWriteSuccess int64
	storeWriteFailure int64
	storeWriteRetries int64

	wsClients          int64
	wsDroppedClients   int64
	adapterPublishes   int64
	adapterPublishErrs int64

	policy  string
	store   string
	runtime string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(policy, store, runtime string) *Collector {
	return &Collector{
		droppedByKind: make(map[string]int64),
		policy:        policy,
		store:         store,
		runtime:       runtime,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Audit lifecycle ---

// IncAuditStarted records an audit entering the running state.
func (c *Collector) IncAuditStarted() {
	if c == nil {
		return
	}
	c.inc(&c.auditsStarted)
}

// IncAuditCompleted records a terminal completed audit.
func (c *Collector) IncAuditCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.auditsCompleted)
}

// IncAuditFailed records a terminal error audit.
func (c *Collector) IncAuditFailed() {
	if c == nil {
		return
	}
	c.inc(&c.auditsFailed)
}

// IncAuditAborted records a terminal aborted audit.
func (c *Collector) IncAuditAborted() {
	if c == nil {
		return
	}
	c.inc(&c.auditsAborted)
}

// IncAuditDegraded records an audit that finished with a degraded verdict.
func (c *Collector) IncAuditDegraded() {
	if c == nil {
		return
	}
	c.inc(&c.auditsDegraded)
}

// --- Engine subprocess ---

// IncEngineSpawn records a successful engine launch.
func (c *Collector) IncEngineSpawn() {
	if c == nil {
		return
	}
	c.inc(&c.engineSpawns)
}

// IncEngineSpawnFailure records a failed engine launch.
func (c *Collector) IncEngineSpawnFailure() {
	if c == nil {
		return
	}
	c.inc(&c.engineSpawnFailures)
}

// IncEngineCrash records an engine death detected mid-stream.
func (c *Collector) IncEngineCrash() {
	if c == nil {
		return
	}
	c.inc(&c.engineCrashes)
}

// IncStdoutFallback records a queue-to-stdout respawn.
func (c *Collector) IncStdoutFallback() {
	if c == nil {
		return
	}
	c.inc(&c.stdoutFallbacks)
}

// IncIPCDecodeErrors records a frame or line decode error.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.inc(&c.ipcDecodeErrors)
}

// IncSequenceGap records a gap observed in an event stream.
func (c *Collector) IncSequenceGap() {
	if c == nil {
		return
	}
	c.inc(&c.sequenceGaps)
}

// --- Store ---
// Store counters are per-call, not per-event. Per-event granularity lives
// in policy.Stats.

// IncStoreWriteSuccess records a successful store write call.
func (c *Collector) IncStoreWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.storeWriteSuccess)
}

// IncStoreWriteFailure records a failed store write call.
func (c *Collector) IncStoreWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.storeWriteFailure)
}

// IncStoreWriteRetry records a retried store write.
func (c *Collector) IncStoreWriteRetry() {
	if c == nil {
		return
	}
	c.inc(&c.storeWriteRetries)
}

// --- Streaming ---

// AddWSClients adjusts the live websocket client gauge by delta.
func (c *Collector) AddWSClients(delta int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.wsClients += delta
	c.mu.Unlock()
}

// IncWSDroppedClient records a slow client forcibly disconnected.
func (c *Collector) IncWSDroppedClient() {
	if c == nil {
		return
	}
	c.inc(&c.wsDroppedClients)
}

// IncAdapterPublish records a delivery to an output adapter.
func (c *Collector) IncAdapterPublish() {
	if c == nil {
		return
	}
	c.inc(&c.adapterPublishes)
}

// IncAdapterPublishErr records a failed adapter delivery.
func (c *Collector) IncAdapterPublishErr() {
	if c == nil {
		return
	}
	c.inc(&c.adapterPublishErrs)
}

// AbsorbPolicyStats copies ingestion counters from a policy stats snapshot.
// Called once per audit with the final snapshot. Keys are string-typed event
// kinds to keep this package free of dependencies on the types package.
func (c *Collector) AbsorbPolicyStats(totalEvents, persisted, dropped int64, droppedByKind map[string]int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsReceived += totalEvents
	c.eventsPersisted += persisted
	c.eventsDropped += dropped
	for k, v := range droppedByKind {
		c.droppedByKind[k] += v
	}
	c.mu.Unlock()
}

// Snapshot returns an immutable view of the counters. The Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int64, len(c.droppedByKind))
	for k, v := range c.droppedByKind {
		dropped[k] = v
	}

	return Snapshot{
		AuditsStarted:   c.auditsStarted,
		AuditsCompleted: c.auditsCompleted,
		AuditsFailed:    c.auditsFailed,
		AuditsAborted:   c.auditsAborted,
		AuditsDegraded:  c.auditsDegraded,

		EventsReceived:  c.eventsReceived,
		EventsPersisted: c.eventsPersisted,
		EventsDropped:   c.eventsDropped,
		DroppedByKind:   dropped,

		EngineSpawns:        c.engineSpawns,
		EngineSpawnFailures: c.engineSpawnFailures,
		EngineCrashes:       c.engineCrashes,
		StdoutFallbacks:     c.stdoutFallbacks,
		IPCDecodeErrors:     c.ipcDecodeErrors,
		SequenceGaps:        c.sequenceGaps,

		StoreWriteSuccess: c.storeWriteSuccess,
		StoreWriteFailure: c.storeWriteFailure,
		StoreWriteRetries: c.storeWriteRetries,

		WSClients:          c.wsClients,
		WSDroppedClients:   c.wsDroppedClients,
		AdapterPublishes:   c.adapterPublishes,
		AdapterPublishErrs: c.adapterPublishErrs,

		Policy:  c.policy,
		Store:   c.store,
		Runtime: c.runtime,
	}
}
