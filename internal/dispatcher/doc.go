// Package dispatcher implements a bonded RIST sender-side load balancer:
// per-link statistics ingest, EWMA/AIMD weight strategies, work-conserving
// SWRR and DRR schedulers with hysteresis, keyframe duplication on
// failover, and sticky-context replay for late-joining output sessions.
//
// The orchestrator (Dispatcher) owns one OutputLink per bonded egress and
// guards scheduler/weight state behind a single mutex, mirroring the
// gobfd Manager's session-table design: a packet-path goroutine calls
// Dispatch while a timer goroutine calls Rebalance, both serialized
// through the same lock.
package dispatcher
