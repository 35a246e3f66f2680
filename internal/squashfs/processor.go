package squashfs

import "sync"

// Config bundles every option enumerated in spec.md §6 for Create.
type Config struct {
	// MaxBlockSize bounds both on-disk data blocks and the fragment
	// packer's pending buffer. Power-of-two recommended; it sizes every
	// worker's scratch buffer.
	MaxBlockSize int

	// NumWorkers is the worker pool size. Zero selects serial mode:
	// every enqueue is compressed and dispatched inline on the
	// producer's goroutine.
	NumWorkers int

	// MaxBacklog bounds blocks enqueued-but-not-yet-dispatched. Must be
	// at least 1, and at least NumWorkers so every worker can always
	// have a block in flight.
	MaxBacklog int

	Compressor    Compressor
	Writer        BlockWriter
	FragmentTable FragmentTable
}

// Processor is the block processor core: front end, work queue, worker
// pool, ordered completer, dedup index and fragment packer, all guarded
// by a single mutex per spec.md §5's "Safety rationale for the single
// mutex".
type Processor struct {
	mu             sync.Mutex
	workAvailable  sync.Cond // workers wait on this for new queue entries or shutdown
	backlogChanged sync.Cond // producers wait on this for backlog to drop or status to change

	maxBlockSize int
	numWorkers   int
	maxBacklog   int

	compressor       Compressor // template; cloned once per worker
	serialCompressor Compressor // serial-mode (numWorkers == 0) instance
	scratch          []byte     // serial-mode scratch buffer

	writer    BlockWriter
	fragTable FragmentTable

	queueHead, queueTail *Block
	doneHead             *Block
	nextSeq              uint64
	nextExpected         uint64
	backlog              int
	shuttingDown         bool
	wg                   sync.WaitGroup

	status ErrorKind

	freeList blockFreeList
	dedup    *blockDedupIndex
	frag     *fragmentPacker

	// Front-end state for the single currently-open file. Spec.md's
	// Non-goals explicitly exclude concurrent submission of multiple
	// files on one processor, so there is exactly one of each.
	openFile bool
	inode    InodeHandle
	blkFlags BlockFlags
	blkIndex int
	current  *Block

	stats Stats
}

// NewProcessor validates cfg and starts the worker pool (if any).
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.MaxBlockSize <= 0 {
		return nil, ErrAlloc
	}
	minBacklog := cfg.NumWorkers
	if minBacklog < 1 {
		minBacklog = 1
	}
	if cfg.MaxBacklog < minBacklog {
		return nil, ErrAlloc
	}

	p := &Processor{
		maxBlockSize: cfg.MaxBlockSize,
		numWorkers:   cfg.NumWorkers,
		maxBacklog:   cfg.MaxBacklog,
		compressor:   cfg.Compressor,
		writer:       cfg.Writer,
		fragTable:    cfg.FragmentTable,
		freeList:     blockFreeList{maxBlockSize: cfg.MaxBlockSize},
		dedup:        newBlockDedupIndex(),
		frag:         newFragmentPacker(cfg.MaxBlockSize),
	}
	p.workAvailable.L = &p.mu
	p.backlogChanged.L = &p.mu

	if p.numWorkers == 0 {
		p.serialCompressor = cfg.Compressor.Clone()
		p.scratch = make([]byte, cfg.MaxBlockSize)
	} else {
		p.startWorkers()
	}

	return p, nil
}

// BeginFile implements §4.1 begin_file.
func (p *Processor) BeginFile(hints BlockFlags) (InodeHandle, ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.openFile {
		return nil, ErrSequence
	}
	if hints&^UserSettableFlags != 0 {
		return nil, ErrUnsupported
	}

	slot := &InodeSlot{
		Type:       InodeRegular,
		FragBlock:  InvalidFragment,
		FragOffset: InvalidFragment,
	}
	handle := new(*InodeSlot)
	*handle = slot

	p.openFile = true
	p.inode = handle
	p.blkFlags = hints | FirstBlock
	p.blkIndex = 0
	p.current = nil

	return handle, Ok
}

// Append implements §4.1 append.
func (p *Processor) Append(data []byte) ErrorKind {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.openFile {
		return ErrSequence
	}
	if p.status != Ok {
		return p.status
	}

	slot := *p.inode
	slot.FileSize += uint64(len(data))

	for len(data) > 0 {
		if p.current == nil {
			p.current = p.freeList.get()
			p.current.flags = p.blkFlags
			p.current.owner = p.inode
		}

		diff := p.maxBlockSize - p.current.size
		if diff == 0 {
			if err := p.flushLocked(); err != Ok {
				return err
			}
			continue
		}
		if diff > len(data) {
			diff = len(data)
		}

		copy(p.current.payload[p.current.size:], data[:diff])
		p.current.size += diff
		data = data[diff:]
		p.stats.InputBytesRead += uint64(diff)
	}

	if p.current != nil && p.current.size == p.maxBlockSize {
		return p.flushLocked()
	}
	return Ok
}

// flushLocked implements §4.1 "Flush (internal)". Must be called with
// p.mu held and p.current non-nil.
func (p *Processor) flushLocked() ErrorKind {
	b := p.current
	p.current = nil

	if b.size == p.maxBlockSize && allZero(b.payload[:b.size]) {
		b.flags |= IsSparse
		p.blkFlags &^= FirstBlock
	} else if b.size < p.maxBlockSize && !b.flags.has(DontFragment) {
		b.flags |= IsFragment
	} else {
		p.blkFlags &^= FirstBlock
	}

	b.index = p.blkIndex
	p.blkIndex++
	return p.submitLocked(b)
}

// submitLocked implements §4.6 backpressure: wait until backlog has
// room, running the completer in the meantime to relieve it, then
// enqueue. Must be called with p.mu held.
func (p *Processor) submitLocked(b *Block) ErrorKind {
	for p.backlog >= p.maxBacklog && p.status == Ok {
		p.runCompleterLocked()
		if p.backlog < p.maxBacklog || p.status != Ok {
			break
		}
		p.backlogChanged.Wait()
	}
	if p.status != Ok {
		p.freeList.put(b)
		return p.status
	}
	p.enqueue(b)
	return Ok
}

// EndFile implements §4.1 end_file. The final block — whether it's the
// file's only block or a short tail left pending from the last Append —
// gets LastBlock tagged directly. Only when there is no pending block
// left to tag (the last Append exactly filled and auto-flushed a block,
// spec.md §9 open question (a)) does end_file need to manufacture a
// zero-length LastBlock sentinel just to carry the marker in sequence.
func (p *Processor) EndFile() ErrorKind {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.openFile {
		return ErrSequence
	}
	if p.status != Ok {
		p.openFile = false
		return p.status
	}

	if p.current != nil {
		p.current.flags |= LastBlock
		if err := p.flushLocked(); err != Ok {
			p.openFile = false
			return err
		}
	} else if !p.blkFlags.has(FirstBlock) {
		b := p.freeList.get()
		b.owner = p.inode
		b.flags = p.blkFlags | LastBlock
		if err := p.submitLocked(b); err != Ok {
			p.openFile = false
			return err
		}
	}

	p.openFile = false
	return Ok
}

// Drain waits until every block submitted so far has been dispatched,
// without shutting down the worker pool or touching the fragment packer's
// pending buffer. Unlike Finish, it may be called any number of times — the
// archive writer (writer.go) uses it after each file's EndFile so that
// file's InodeHandle fields are final before it serializes the inode
// header, while still reusing the same Processor for the next file.
func (p *Processor) Drain() ErrorKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainBacklogLocked()
	return p.status
}

// Finish implements §4.5 "Finish": drains all workers, flushes the
// pending fragment block, drains again, and returns the sticky status.
func (p *Processor) Finish() ErrorKind {
	p.mu.Lock()
	p.drainBacklogLocked()

	if p.status == Ok && p.frag.size > 0 {
		p.emitFragmentBlock()
		p.drainBacklogLocked()
	}

	p.shuttingDown = true
	p.workAvailable.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.runCompleterLocked()
	status := p.status
	p.mu.Unlock()

	return status
}

// drainBacklogLocked runs the completer until the backlog reaches zero
// or the sticky status goes bad, waiting on backlogChanged in between.
// Must be called with p.mu held.
func (p *Processor) drainBacklogLocked() {
	for p.backlog > 0 && p.status == Ok {
		p.runCompleterLocked()
		if p.backlog == 0 {
			return
		}
		p.backlogChanged.Wait()
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
