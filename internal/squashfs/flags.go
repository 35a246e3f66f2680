package squashfs

// BlockFlags is the observable bit set attached to every Block. Most bits
// are internal bookkeeping; DontCompress and DontFragment are the only
// user-settable hints (see UserSettableFlags).
type BlockFlags uint32

const (
	// FirstBlock marks the first block emitted for a file. The front end
	// clears it as soon as a non-fragment block is flushed.
	FirstBlock BlockFlags = 1 << iota

	// LastBlock marks end-of-file for the completer.
	LastBlock

	// IsFragment marks a tail fragment destined for the packer rather
	// than a standalone on-disk block.
	IsFragment

	// IsCompressed is set by the worker iff compression reduced the size.
	IsCompressed

	// DontCompress is a user hint: never attempt compression on this block.
	DontCompress

	// DontFragment is a user hint: never route a short tail to the
	// fragment packer; write it as a full (undersized) data block instead.
	DontFragment

	// IsSparse marks an all-zero block: skip compression and skip writing.
	IsSparse
)

// UserSettableFlags is the mask of flag bits a caller may pass to
// BeginFile. Anything else is rejected with ErrUnsupported.
const UserSettableFlags = DontCompress | DontFragment

func (f BlockFlags) has(bit BlockFlags) bool { return f&bit != 0 }
