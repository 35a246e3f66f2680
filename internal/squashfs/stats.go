package squashfs

// Stats is the read-only counters snapshot described in spec.md §6.
// Precise only after Finish returns, but safe to read at any time.
type Stats struct {
	// InputBytesRead is the sum of all Append byte counts across every
	// file (P1).
	InputBytesRead uint64

	// DataBlockCount is the number of full data blocks written or
	// deduplicated (not sparse, not fragments).
	DataBlockCount uint64

	// FragBlockCount is the number of packed fragment blocks emitted.
	FragBlockCount uint64

	// SparseBlockCount is the number of all-zero blocks skipped.
	SparseBlockCount uint64

	// TotalFragCount is the number of tail fragments admitted, including
	// ones later eliminated by dedup (P4).
	TotalFragCount uint64

	// ActualFragCount is the number of tail fragments actually stored
	// (post-dedup).
	ActualFragCount uint64
}

// Stats returns a snapshot of the accumulated counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
