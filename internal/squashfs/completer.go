package squashfs

// runCompleterLocked implements §4.3 "Ordered completer": it peels
// completed blocks off the completion buffer in strict sequence-number
// order, dispatches each, and decrements the backlog. It stops as soon
// as the head of the completion buffer isn't the next-expected sequence
// number or the buffer is empty. Must be called with p.mu held.
func (p *Processor) runCompleterLocked() {
	for p.doneHead != nil && p.doneHead.seq == p.nextExpected {
		b := p.doneHead
		p.doneHead = b.next
		b.next = nil

		admitted := false
		if p.status == Ok {
			if err := p.dispatchLocked(b); err != Ok {
				p.status = err
			} else {
				admitted = b.flags.has(IsFragment)
			}
		}

		p.nextExpected++
		p.backlog--

		if !admitted {
			// admitFragment (on success) recycles the per-file
			// tail-fragment block itself, since its payload was
			// copied into the packer's buffer; every other path,
			// including a failed dispatch, is recycled here.
			p.freeList.put(b)
		}
	}
}

// dispatchLocked implements §4.4 "Dispatch of a completed block". Must
// be called with p.mu held.
func (p *Processor) dispatchLocked(b *Block) ErrorKind {
	switch {
	case b.flags.has(IsSparse):
		ensureBlockSize(b.owner, b.index, 0)
		p.stats.SparseBlockCount++
		return Ok

	case b.fragItems != nil:
		return p.dispatchFragmentBlock(b)

	case b.flags.has(IsFragment):
		p.admitFragment(b)
		return Ok

	case b.size > 0:
		return p.dispatchDataBlock(b)

	default:
		// Zero-length, non-fragment, non-sparse: the LastBlock
		// sentinel. It carries no payload; its only job was to occupy
		// a sequence number so the completer reaches this point in
		// order. Nothing further to do.
		return Ok
	}
}

func (p *Processor) dispatchDataBlock(b *Block) ErrorKind {
	if loc, ok := p.dedup.lookup(b.origSize, b.checksum); ok {
		ensureBlockSize(b.owner, b.index, loc.size)
		setStartBlock(b.owner, loc.offset)
		p.stats.DataBlockCount++
		return Ok
	}

	offset, err := p.writer.WriteBlock(b.payload[:b.size], b.flags)
	if err != nil {
		return ErrIO
	}

	onDiskSize := onDiskSizeTag(b.size, b.flags)
	p.dedup.insert(b.origSize, b.checksum, blockLocation{offset: offset, size: onDiskSize, flags: b.flags})
	ensureBlockSize(b.owner, b.index, onDiskSize)
	setStartBlock(b.owner, offset)
	p.stats.DataBlockCount++
	return Ok
}

func (p *Processor) dispatchFragmentBlock(b *Block) ErrorKind {
	offset, err := p.writer.WriteBlock(b.payload[:b.size], b.flags)
	if err != nil {
		return ErrIO
	}

	pieces := make([]FragmentPiece, len(b.fragItems))
	for i, item := range b.fragItems {
		pieces[i] = FragmentPiece{Size: item.size, Checksum: item.checksum, Offset: item.offset}
	}

	onDiskSize := onDiskSizeTag(b.size, b.flags)
	idx, err := p.fragTable.Append(offset, onDiskSize, b.flags, pieces)
	if err != nil {
		return ErrIO
	}
	p.stats.FragBlockCount++

	for _, item := range b.fragItems {
		p.recordFragmentLocation(item.owner, idx, uint32(item.offset))
	}
	return Ok
}

// onDiskSizeTag encodes the compressed-bit convention used throughout
// InodeSlot.BlockSizes and the fragment table: the bit is set when the
// stored copy is *not* compressed, matching SQUASHFS_COMPRESSED_BIT_BLOCK.
func onDiskSizeTag(size int, flags BlockFlags) uint32 {
	if flags.has(IsCompressed) {
		return uint32(size)
	}
	return uint32(size) | compressedSizeFlag
}
