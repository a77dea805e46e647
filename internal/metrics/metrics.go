package metrics

import (
	"sync"
	"sync/atomic"
)

// Counters for the orchestration core, kept simple/thread-safe for use from
// services and exposition via the /metrics handler.

type labelledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labelledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labelledCounter) snapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by = make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	admissionDenials labelledCounter
	phaseReports     labelledCounter
	rateLimitDrops   labelledCounter

	snapshotsPushed    uint64
	snapshotsCoalesced uint64
	refetchesTriggered uint64
)

// IncAdmissionDenial counts a synchronous admission rejection by error code.
func IncAdmissionDenial(code string) { admissionDenials.inc(code) }

// AdmissionDenialSnapshot returns a copy of the denial counters.
func AdmissionDenialSnapshot() (uint64, map[string]uint64) { return admissionDenials.snapshot() }

// IncPhaseReport counts an applied pipeline phase report by target phase.
func IncPhaseReport(phase string) { phaseReports.inc(phase) }

// PhaseReportSnapshot returns a copy of the phase report counters.
func PhaseReportSnapshot() (uint64, map[string]uint64) { return phaseReports.snapshot() }

// IncRateLimitDrop counts a rate-limited request (HTTP 429) by path prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.inc(prefix)
}

// RateLimitSnapshot returns a copy of the rate limit drop counters.
func RateLimitSnapshot() (uint64, map[string]uint64) { return rateLimitDrops.snapshot() }

// IncSnapshotPushed counts one status snapshot broadcast to observers.
func IncSnapshotPushed() { atomic.AddUint64(&snapshotsPushed, 1) }

// IncSnapshotCoalesced counts a phase change folded into a pending push.
func IncSnapshotCoalesced() { atomic.AddUint64(&snapshotsCoalesced, 1) }

// IncRefetchTriggered counts one client-side reconciliation refetch.
func IncRefetchTriggered() { atomic.AddUint64(&refetchesTriggered, 1) }

// SnapshotsPushed returns the push counter.
func SnapshotsPushed() uint64 { return atomic.LoadUint64(&snapshotsPushed) }

// SnapshotsCoalesced returns the coalesce counter.
func SnapshotsCoalesced() uint64 { return atomic.LoadUint64(&snapshotsCoalesced) }

// RefetchesTriggered returns the refetch counter.
func RefetchesTriggered() uint64 { return atomic.LoadUint64(&refetchesTriggered) }
