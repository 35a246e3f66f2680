package squashfs

// dedupKey identifies a block by its uncompressed size and CRC32
// checksum, computed before compression ever touches the payload.
// Spec.md's open question (b) is resolved here by deliberate design:
// there is no payload comparison on a dedup hit, so two distinct
// blocks that collide on (size, checksum) are treated as identical.
// Callers needing byte-exact guarantees must key more strongly
// upstream; see DESIGN.md.
type dedupKey struct {
	size     int // uncompressed size (Block.origSize), not on-disk size
	checksum uint32
}

// blockLocation is where a previously-written block lives on disk.
type blockLocation struct {
	offset    uint64
	size      uint32 // tagged with compressedSizeFlag, as stored in BlockSizes
	flags     BlockFlags
}

// blockDedupIndex maps (size, checksum) to the on-disk location of a
// previously written full data block (spec.md §3, §4.4 point 3).
type blockDedupIndex struct {
	entries map[dedupKey]blockLocation
}

func newBlockDedupIndex() *blockDedupIndex {
	return &blockDedupIndex{entries: make(map[dedupKey]blockLocation)}
}

func (d *blockDedupIndex) lookup(size int, checksum uint32) (blockLocation, bool) {
	loc, ok := d.entries[dedupKey{size, checksum}]
	return loc, ok
}

func (d *blockDedupIndex) insert(size int, checksum uint32, loc blockLocation) {
	d.entries[dedupKey{size, checksum}] = loc
}
