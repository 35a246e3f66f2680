package squashfs

import (
	"github.com/sqfsgo/mkfs/internal/trace"
)

// enqueue appends a block to the singly-linked FIFO submission queue and
// wakes a worker (or, in serial mode, processes it immediately). Must be
// called with p.mu held. Assigns the block's sequence number, the one
// place in the whole processor that does so, satisfying invariant I1.
func (p *Processor) enqueue(b *Block) {
	b.seq = p.nextSeq
	p.nextSeq++
	p.backlog++

	if p.numWorkers == 0 {
		p.processSerial(b)
		return
	}

	b.next = nil
	if p.queueTail == nil {
		p.queueHead = b
	} else {
		p.queueTail.next = b
	}
	p.queueTail = b
	p.workAvailable.Signal()
}

// processSerial runs a block through compression and straight into the
// completion buffer, the "serial mode" described in spec.md §5 for
// num_workers == 0: each enqueue immediately processes and completes.
func (p *Processor) processSerial(b *Block) {
	p.mu.Unlock()
	status := processBlock(b, p.serialCompressor, p.scratch)
	p.mu.Lock()
	p.depositCompleted(b, status)
}

// worker is one compression worker: a private compressor clone plus a
// max-block-size scratch buffer, as specified in §4.2.
type worker struct {
	idx        int
	compressor Compressor
	scratch    []byte
}

func (p *Processor) startWorkers() {
	p.wg.Add(p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		w := &worker{
			idx:        i,
			compressor: p.compressor.Clone(),
			scratch:    make([]byte, p.maxBlockSize),
		}
		go p.runWorker(w)
	}
}

func (p *Processor) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queueHead == nil && !p.shuttingDown {
			p.workAvailable.Wait()
		}
		if p.queueHead == nil && p.shuttingDown {
			p.mu.Unlock()
			return
		}
		b := p.dequeueLocked()
		if b == nil {
			p.mu.Unlock()
			continue
		}
		if p.status != Ok {
			// Sticky error already latched: skip compression, just
			// occupy the block's sequence number so the completer can
			// still drain the backlog to zero for finish() to observe.
			p.depositCompleted(b, p.status)
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		ev := trace.Event("compress block", w.idx)
		status := processBlock(b, w.compressor, w.scratch)
		ev.Done()

		p.mu.Lock()
		p.depositCompleted(b, status)
		p.mu.Unlock()
	}
}

// dequeueLocked pops the head of the submission queue, or nil if empty.
// Once the sticky status is non-Ok, runWorker stops compressing newly
// dequeued blocks (§4.2 "Fatal-error propagation") but still accounts
// for them via depositCompleted so the backlog drains to zero for
// finish() to observe.
func (p *Processor) dequeueLocked() *Block {
	if p.queueHead == nil {
		return nil
	}
	b := p.queueHead
	p.queueHead = b.next
	if p.queueHead == nil {
		p.queueTail = nil
	}
	b.next = nil
	return b
}

// processBlock implements §4.2 "Processing a single block".
func processBlock(b *Block, c Compressor, scratch []byte) ErrorKind {
	if b.size == 0 {
		b.checksum = 0
		return Ok
	}

	b.checksum = crc32Checksum(b.payload[:b.size])
	b.origSize = b.size

	if b.flags.has(IsSparse) {
		// All-zero block: dispatchLocked never looks at payload/size for
		// a sparse block, so compressing it would be pure waste.
		return Ok
	}

	if b.flags.has(IsFragment) {
		// Fragments are packed (and compressed as part of the packed
		// block) later; pre-compressing here would be wasted work.
		return Ok
	}

	if b.flags.has(DontCompress) {
		return Ok
	}

	n, ok, err := c.Compress(scratch[:b.size], b.payload[:b.size])
	if err != nil {
		return ErrCompressor
	}
	if ok {
		copy(b.payload, scratch[:n])
		b.size = n
		b.flags |= IsCompressed
	}
	return Ok
}

// depositCompleted inserts a finished block into the ascending-by-sequence
// completion buffer and latches any worker error, then immediately runs
// the completer to relieve backlog pressure and wake waiting producers.
// Must be called with p.mu held.
func (p *Processor) depositCompleted(b *Block, status ErrorKind) {
	if status != Ok && p.status == Ok {
		p.status = status
	}

	var prev *Block
	it := p.doneHead
	for it != nil && it.seq < b.seq {
		prev = it
		it = it.next
	}
	if prev == nil {
		b.next = p.doneHead
		p.doneHead = b
	} else {
		b.next = it
		prev.next = b
	}

	p.runCompleterLocked()
	p.backlogChanged.Broadcast()
}
