package squashfs

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// noopCompressor never compresses, matching the end-to-end scenarios in
// spec.md §8 which assume no compression so block sizes stay predictable.
type noopCompressor struct{}

func (noopCompressor) Clone() Compressor { return noopCompressor{} }
func (noopCompressor) Compress(dst, src []byte) (int, bool, error) {
	return 0, false, nil
}

// fakeWriter is an in-memory BlockWriter recording call order, so tests
// can assert P7 (strictly ascending on-disk-offset dispatch order)
// directly against the sequence of WriteBlock calls.
type fakeWriter struct {
	mu      sync.Mutex
	blocks  [][]byte
	flags   []BlockFlags
	offset  uint64
	offsets []uint64 // per-call dispatch offset, in WriteBlock call order
}

func (w *fakeWriter) WriteBlock(payload []byte, flags BlockFlags) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	off := w.offset
	cp := append([]byte(nil), payload...)
	w.blocks = append(w.blocks, cp)
	w.flags = append(w.flags, flags)
	w.offsets = append(w.offsets, off)
	w.offset += uint64(len(payload))
	return off, nil
}

// failingWriter always reports an I/O failure, for exercising the sticky
// error latch.
type failingWriter struct{}

func (failingWriter) WriteBlock(payload []byte, flags BlockFlags) (uint64, error) {
	return 0, errIOProbe
}

type probeErr struct{}

func (probeErr) Error() string { return "probe i/o failure" }

var errIOProbe = probeErr{}

// fakeFragTable mirrors writer.go's fragmentTable, kept standalone here so
// processor tests don't depend on the archive writer.
type fakeFragTable struct {
	mu      sync.Mutex
	entries []struct {
		offset uint64
		size   uint32
	}
	index map[dedupKey]struct {
		blockIndex uint32
		offset     uint32
	}
}

func newFakeFragTable() *fakeFragTable {
	return &fakeFragTable{index: make(map[dedupKey]struct {
		blockIndex uint32
		offset     uint32
	})}
}

func (t *fakeFragTable) Append(offset uint64, size uint32, flags BlockFlags, pieces []FragmentPiece) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := uint32(len(t.entries))
	t.entries = append(t.entries, struct {
		offset uint64
		size   uint32
	}{offset, size})
	for _, p := range pieces {
		key := dedupKey{p.Size, p.Checksum}
		if _, ok := t.index[key]; !ok {
			t.index[key] = struct {
				blockIndex uint32
				offset     uint32
			}{idx, uint32(p.Offset)}
		}
	}
	return idx, nil
}

func (t *fakeFragTable) LookupByChecksum(size int, checksum uint32) (uint32, uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.index[dedupKey{size, checksum}]
	return loc.blockIndex, loc.offset, ok
}

func newTestProcessor(t *testing.T, numWorkers int) (*Processor, *fakeWriter, *fakeFragTable) {
	t.Helper()
	fw := &fakeWriter{}
	ft := newFakeFragTable()
	p, err := NewProcessor(Config{
		MaxBlockSize:  4,
		NumWorkers:    numWorkers,
		MaxBacklog:    8,
		Compressor:    noopCompressor{},
		Writer:        fw,
		FragmentTable: ft,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p, fw, ft
}

func mustBegin(t *testing.T, p *Processor, hints BlockFlags) InodeHandle {
	t.Helper()
	h, status := p.BeginFile(hints)
	if status != Ok {
		t.Fatalf("BeginFile: %v", status)
	}
	return h
}

func mustAppend(t *testing.T, p *Processor, data []byte) {
	t.Helper()
	if status := p.Append(data); status != Ok {
		t.Fatalf("Append: %v", status)
	}
}

func mustEnd(t *testing.T, p *Processor) {
	t.Helper()
	if status := p.EndFile(); status != Ok {
		t.Fatalf("EndFile: %v", status)
	}
}

// Scenario 1: single short file, shorter than max_block_size.
func TestScenarioSingleShortFile(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, 0)
	mustAppend(t, p, []byte("abc"))
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if slot.FileSize != 3 {
		t.Errorf("FileSize = %d, want 3", slot.FileSize)
	}
	if len(slot.BlockSizes) != 0 {
		t.Errorf("BlockSizes = %v, want empty", slot.BlockSizes)
	}
	if slot.FragBlock != 0 || slot.FragOffset != 0 {
		t.Errorf("fragment location = (%d, %d), want (0, 0)", slot.FragBlock, slot.FragOffset)
	}
	if len(fw.blocks) != 1 || string(fw.blocks[0]) != "abc" {
		t.Errorf("writer blocks = %v, want [\"abc\"]", fw.blocks)
	}
	s := p.Stats()
	if s.DataBlockCount != 0 || s.FragBlockCount != 1 {
		t.Errorf("stats = %+v, want 0 data blocks, 1 frag block", s)
	}
}

// Scenario 2: one full block plus a tail fragment.
func TestScenarioFullBlockPlusTail(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, 0)
	mustAppend(t, p, []byte("abcdefgh"))
	mustAppend(t, p, []byte("ij"))
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if slot.FileSize != 10 {
		t.Errorf("FileSize = %d, want 10", slot.FileSize)
	}
	if len(slot.BlockSizes) != 2 {
		t.Errorf("BlockSizes = %v, want length 2", slot.BlockSizes)
	}
	want := [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ij")}
	if diff := cmp.Diff(want, fw.blocks); diff != "" {
		t.Errorf("writer blocks mismatch (-want +got):\n%s", diff)
	}
	s := p.Stats()
	if s.DataBlockCount != 2 || s.FragBlockCount != 1 {
		t.Errorf("stats = %+v, want 2 data blocks, 1 frag block", s)
	}
}

// Scenario 3: running scenario 2 twice dedups both the data blocks and
// the fragment.
func TestScenarioDedupAcrossFiles(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)

	for i := 0; i < 2; i++ {
		mustBegin(t, p, 0)
		mustAppend(t, p, []byte("abcdefgh"))
		mustAppend(t, p, []byte("ij"))
		mustEnd(t, p)
	}
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	if len(fw.blocks) != 3 { // "abcd", "efgh", packed fragment "ij"
		t.Fatalf("writer blocks = %v, want 3 distinct on-disk blocks", fw.blocks)
	}
	s := p.Stats()
	// DataBlockCount counts every non-fragment, non-sparse block the
	// completer dispatches, dedup hit or miss (P5); the second file's
	// two blocks both hit the dedup index, so the counter is 4 even
	// though only 2 distinct blocks ever reach the writer.
	if s.DataBlockCount != 4 {
		t.Errorf("DataBlockCount = %d, want 4 (2 blocks x 2 files, second deduped)", s.DataBlockCount)
	}
	if s.TotalFragCount != 2 {
		t.Errorf("TotalFragCount = %d, want 2", s.TotalFragCount)
	}
	if s.ActualFragCount != 1 {
		t.Errorf("ActualFragCount = %d, want 1 (dedup hit)", s.ActualFragCount)
	}
}

// Scenario 4: DONT_FRAGMENT routes a short tail into a full (undersized)
// data block instead of the fragment packer.
func TestScenarioDontFragment(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, DontFragment)
	mustAppend(t, p, []byte("abc"))
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if slot.FragBlock != InvalidFragment || slot.FragOffset != InvalidFragment {
		t.Errorf("fragment location = (%d, %d), want sentinel", slot.FragBlock, slot.FragOffset)
	}
	if len(slot.BlockSizes) != 1 {
		t.Fatalf("BlockSizes = %v, want length 1", slot.BlockSizes)
	}
	if len(fw.blocks) != 1 || string(fw.blocks[0]) != "abc" {
		t.Errorf("writer blocks = %v, want [\"abc\"]", fw.blocks)
	}
	if len(fw.flags) != 1 || !fw.flags[0].has(LastBlock) {
		t.Errorf("block flags = %v, want LastBlock set", fw.flags)
	}
	s := p.Stats()
	if s.FragBlockCount != 0 {
		t.Errorf("FragBlockCount = %d, want 0", s.FragBlockCount)
	}
}

// Scenario 5: an all-zero block exactly max_block_size is sparse: the
// writer is never called for it and the block-size vector entry is 0.
func TestScenarioSparseBlock(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, 0)
	mustAppend(t, p, make([]byte, 4))
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if len(slot.BlockSizes) != 1 || slot.BlockSizes[0] != 0 {
		t.Errorf("BlockSizes = %v, want [0]", slot.BlockSizes)
	}
	if len(fw.blocks) != 0 {
		t.Errorf("writer was called %d times, want 0", len(fw.blocks))
	}
	s := p.Stats()
	if s.SparseBlockCount != 1 {
		t.Errorf("SparseBlockCount = %d, want 1", s.SparseBlockCount)
	}
}

// Scenario 6: interleaved files each finalize correctly and sequence
// numbers strictly increase across files.
func TestScenarioInterleavedFiles(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)

	h1 := mustBegin(t, p, DontFragment)
	mustAppend(t, p, []byte("ab"))
	mustEnd(t, p)

	h2 := mustBegin(t, p, DontFragment)
	mustAppend(t, p, []byte("xyz"))
	mustEnd(t, p)

	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	if (*h1).FileSize != 2 {
		t.Errorf("file1 FileSize = %d, want 2", (*h1).FileSize)
	}
	if (*h2).FileSize != 3 {
		t.Errorf("file2 FileSize = %d, want 3", (*h2).FileSize)
	}
	want := [][]byte{[]byte("ab"), []byte("xyz")}
	if diff := cmp.Diff(want, fw.blocks); diff != "" {
		t.Errorf("writer blocks mismatch (-want +got):\n%s", diff)
	}
}

// B1: a file of exactly max_block_size produces one data block, no
// fragment.
func TestBoundaryExactBlockSize(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, 0)
	mustAppend(t, p, []byte("abcd"))
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if len(slot.BlockSizes) != 1 {
		t.Fatalf("BlockSizes = %v, want length 1", slot.BlockSizes)
	}
	if slot.FragBlock != InvalidFragment {
		t.Errorf("FragBlock = %d, want sentinel (no fragment)", slot.FragBlock)
	}
	if len(fw.blocks) != 1 || string(fw.blocks[0]) != "abcd" {
		t.Errorf("writer blocks = %v, want [\"abcd\"]", fw.blocks)
	}
}

// B2: max_block_size + 1 produces one data block plus a 1-byte fragment.
func TestBoundaryBlockSizePlusOne(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, 0)
	mustAppend(t, p, []byte("abcde"))
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if len(slot.BlockSizes) != 1 {
		t.Fatalf("BlockSizes = %v, want length 1", slot.BlockSizes)
	}
	if slot.FragBlock == InvalidFragment {
		t.Errorf("FragBlock is sentinel, want a fragment to have been produced")
	}
	want := [][]byte{[]byte("abcd"), []byte("e")}
	if diff := cmp.Diff(want, fw.blocks); diff != "" {
		t.Errorf("writer blocks mismatch (-want +got):\n%s", diff)
	}
}

// B3: a zero-length append changes nothing but the (zero) file-size
// addend.
func TestBoundaryZeroLengthAppend(t *testing.T) {
	p, _, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, 0)
	mustAppend(t, p, []byte("ab"))
	mustAppend(t, p, nil)
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}
	if (*h).FileSize != 2 {
		t.Errorf("FileSize = %d, want 2", (*h).FileSize)
	}
}

// B4: begin then end with no append produces no blocks at all.
func TestBoundaryEmptyFile(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, 0)
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if slot.FileSize != 0 {
		t.Errorf("FileSize = %d, want 0", slot.FileSize)
	}
	if len(slot.BlockSizes) != 0 {
		t.Errorf("BlockSizes = %v, want empty", slot.BlockSizes)
	}
	if slot.FragBlock != InvalidFragment {
		t.Errorf("FragBlock = %d, want sentinel", slot.FragBlock)
	}
	if len(fw.blocks) != 0 {
		t.Errorf("writer called %d times, want 0", len(fw.blocks))
	}
}

// R2: a file whose size is an exact multiple of max_block_size with
// DONT_FRAGMENT set produces no fragment at all.
func TestRoundTripExactMultipleDontFragment(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 0)
	h := mustBegin(t, p, DontFragment)
	mustAppend(t, p, []byte("abcdefgh")) // two full blocks, nothing left over
	mustEnd(t, p)
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	slot := *h
	if slot.FragBlock != InvalidFragment {
		t.Errorf("FragBlock = %d, want sentinel (no fragment)", slot.FragBlock)
	}
	if len(slot.BlockSizes) != 2 {
		t.Errorf("BlockSizes = %v, want length 2", slot.BlockSizes)
	}
	want := [][]byte{[]byte("abcd"), []byte("efgh")}
	if diff := cmp.Diff(want, fw.blocks); diff != "" {
		t.Errorf("writer blocks mismatch (-want +got):\n%s", diff)
	}
	// The last Append already auto-flushed "efgh" when it exactly filled
	// a block, so end_file finds no pending block to tag and emits a
	// zero-length LastBlock sentinel instead (spec.md §9 open question
	// (a)); that sentinel never reaches the writer, so neither on-disk
	// block carries the flag.
	s := p.Stats()
	if s.FragBlockCount != 0 {
		t.Errorf("FragBlockCount = %d, want 0", s.FragBlockCount)
	}
}

// P6/P7: across a worker pool, dedup never creates two entries sharing a
// (size, checksum) key, and the writer only ever observes strictly
// increasing on-disk offsets (i.e. dispatch happens in submission order
// despite concurrent compression).
func TestConcurrentWorkersPreserveOrderAndDedup(t *testing.T) {
	p, fw, _ := newTestProcessor(t, 4)

	// Many files, several sharing identical content, submitted back to
	// back: if ordering broke down under concurrency this would produce
	// garbled block contents.
	contents := [][]byte{
		[]byte("aaaabbbbcccc"),
		[]byte("ddddeeeeffff"),
		[]byte("aaaabbbbcccc"), // dup of first
		[]byte("gggghhhh"),
		[]byte("ddddeeeeffff"), // dup of second
	}
	handles := make([]InodeHandle, len(contents))
	for i, c := range contents {
		handles[i] = mustBegin(t, p, DontFragment)
		mustAppend(t, p, c)
		mustEnd(t, p)
	}
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	for i, c := range contents {
		if got, want := (*handles[i]).FileSize, uint64(len(c)); got != want {
			t.Errorf("file %d FileSize = %d, want %d", i, got, want)
		}
	}

	// 3 distinct contents -> at most 3*ceil(12/4)=9 unique data blocks,
	// but "aaaabbbbcccc" and "ddddeeeeffff" each dedup on their repeat.
	seen := make(map[string]bool)
	for _, b := range fw.blocks {
		seen[string(b)] = true
	}
	if len(seen) != len(fw.blocks) {
		t.Errorf("writer saw duplicate block content: %d calls, %d distinct", len(fw.blocks), len(seen))
	}

	for i := 1; i < len(fw.offsets); i++ {
		if fw.offsets[i] < fw.offsets[i-1] {
			t.Fatalf("dispatch offsets not ascending at call %d: %v", i, fw.offsets)
		}
	}
}

// Sticky error: once the writer fails, the processor latches the error
// and every subsequent operation observes it.
func TestStickyErrorPropagation(t *testing.T) {
	p, err := NewProcessor(Config{
		MaxBlockSize:  4,
		NumWorkers:    0,
		MaxBacklog:    8,
		Compressor:    noopCompressor{},
		Writer:        failingWriter{},
		FragmentTable: newFakeFragTable(),
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	mustBegin(t, p, DontFragment)
	mustAppend(t, p, []byte("abcd")) // triggers a flush -> WriteBlock fails
	if status := p.EndFile(); status != ErrIO {
		t.Fatalf("EndFile status = %v, want ErrIO", status)
	}
	if status := p.Finish(); status != ErrIO {
		t.Fatalf("Finish status = %v, want ErrIO", status)
	}

	// BeginFile only rejects a second concurrently-open file or bad
	// hints; it doesn't consult the sticky status, so a new file opens
	// fine even on a poisoned processor. Append is what must observe it.
	if _, status := p.BeginFile(0); status != Ok {
		t.Fatalf("BeginFile after Finish should still accept a new file (status = %v)", status)
	}
	if status := p.Append([]byte("x")); status != ErrIO {
		t.Fatalf("Append status = %v, want ErrIO", status)
	}
}

// BeginFile enforces single-file-at-a-time submission.
func TestBeginFileRejectsSecondOpenFile(t *testing.T) {
	p, _, _ := newTestProcessor(t, 0)
	mustBegin(t, p, 0)
	if _, status := p.BeginFile(0); status != ErrSequence {
		t.Fatalf("second BeginFile status = %v, want ErrSequence", status)
	}
}

// BeginFile rejects hint bits outside UserSettableFlags.
func TestBeginFileRejectsReservedFlags(t *testing.T) {
	p, _, _ := newTestProcessor(t, 0)
	if _, status := p.BeginFile(LastBlock); status != ErrUnsupported {
		t.Fatalf("BeginFile(LastBlock) status = %v, want ErrUnsupported", status)
	}
}

// Append/EndFile without an open file is a sequence error.
func TestSequenceErrorsWithoutOpenFile(t *testing.T) {
	p, _, _ := newTestProcessor(t, 0)
	if status := p.Append([]byte("x")); status != ErrSequence {
		t.Fatalf("Append status = %v, want ErrSequence", status)
	}
	if status := p.EndFile(); status != ErrSequence {
		t.Fatalf("EndFile status = %v, want ErrSequence", status)
	}
}

// P1: input_bytes_read sums every Append call across every file.
func TestInputBytesReadAccumulates(t *testing.T) {
	p, _, _ := newTestProcessor(t, 0)

	mustBegin(t, p, DontFragment)
	mustAppend(t, p, []byte("abcd"))
	mustAppend(t, p, []byte("ef"))
	mustEnd(t, p)

	mustBegin(t, p, DontFragment)
	mustAppend(t, p, []byte("xyz"))
	mustEnd(t, p)

	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}

	if got, want := p.Stats().InputBytesRead, uint64(4+2+3); got != want {
		t.Errorf("InputBytesRead = %d, want %d", got, want)
	}
}

// Backpressure: a tight backlog bound still drains correctly and never
// deadlocks, exercising submitLocked's wait/run-completer loop under a
// real (if small) worker pool.
func TestBackpressureDrainsUnderTightBacklog(t *testing.T) {
	fw := &fakeWriter{}
	ft := newFakeFragTable()
	p, err := NewProcessor(Config{
		MaxBlockSize:  4,
		NumWorkers:    2,
		MaxBacklog:    2, // equal to NumWorkers: the tightest legal bound
		Compressor:    noopCompressor{},
		Writer:        fw,
		FragmentTable: ft,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	for i := 0; i < 25; i++ {
		mustBegin(t, p, DontFragment)
		mustAppend(t, p, []byte{byte('A' + i), byte('A' + i), byte('A' + i), byte('A' + i)})
		mustEnd(t, p)
	}
	if status := p.Finish(); status != Ok {
		t.Fatalf("Finish: %v", status)
	}
	if len(fw.blocks) != 25 {
		t.Errorf("writer saw %d blocks, want 25", len(fw.blocks))
	}
}

// NewProcessor validates its backlog/block-size configuration.
func TestNewProcessorValidation(t *testing.T) {
	base := Config{
		MaxBlockSize:  4,
		Compressor:    noopCompressor{},
		Writer:        &fakeWriter{},
		FragmentTable: newFakeFragTable(),
	}

	zero := base
	zero.MaxBlockSize = 0
	if _, err := NewProcessor(zero); err != ErrAlloc {
		t.Errorf("MaxBlockSize=0: err = %v, want ErrAlloc", err)
	}

	tooSmall := base
	tooSmall.NumWorkers = 4
	tooSmall.MaxBacklog = 2
	if _, err := NewProcessor(tooSmall); err != ErrAlloc {
		t.Errorf("MaxBacklog < NumWorkers: err = %v, want ErrAlloc", err)
	}
}
