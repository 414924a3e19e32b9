package integrity

import "sync/atomic"

// Stats are in-process counters an operator can inspect at unmount
// time (SPEC_FULL.md §12): no external metrics sink is wired since
// this overlay has no remote-transfer accounting to report, only
// local policy and integrity outcomes.
type Stats struct {
	integrityViolations atomic.Uint64
	wormRejections      atomic.Uint64
	sidecarFailOpens    atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats suitable for logging.
type Snapshot struct {
	IntegrityViolations uint64
	WormRejections      uint64
	SidecarFailOpens    uint64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		IntegrityViolations: s.integrityViolations.Load(),
		WormRejections:      s.wormRejections.Load(),
		SidecarFailOpens:    s.sidecarFailOpens.Load(),
	}
}
