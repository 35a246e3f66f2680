// Package squashfs implements writing SquashFS file system images. File
// data and fragments are compressed by a Processor (see processor.go),
// in parallel when it has workers; inodes and directory entries are still
// written uncompressed for simplicity.
//
// Note that SquashFS requires directory entries to be sorted, i.e. files and
// directories need to be added in the correct order.
//
// This package intentionally only implements a subset of SquashFS. Notably,
// block devices, character devices, FIFOs and sockets are not supported,
// and only the first xattr passed for a file is stored.
package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// inode contains a block number + offset within that block.
type Inode int64

const (
	zlibCompression = 1 + iota
	lzmaCompression
	lzoCompression
	xzCompression
	lz4Compression
	gzipCompression // not an upstream SquashFS compressor; upstream uses id 6 for zstd
)

const (
	invalidFragment = 0xFFFFFFFF
	invalidXattr    = 0xFFFFFFFF
)

// Explanations partly copied from
// https://dr-emann.github.io/squashfs/squashfs.html#_the_superblock
type superblock struct {
	// Magic is always "hsqs"
	Magic uint32

	// Inodes is the number of inodes stored in the archive.
	Inodes uint32

	// MkfsTime is the last modification time of the archive, which is identical
	// to the creation time, since our archives are immutable.
	MkfsTime int32

	// BlockSize is the size of a data block in bytes.
	// Must be a power of two between 4 KiB and 1 MiB.
	BlockSize uint32

	// Fragments is the number of entries in the fragment table.
	Fragments uint32

	// Compression is an ID designating the compressor
	// used for both data and meta data blocks.
	Compression uint16

	// The log_2 of the block size. If the two fields do not agree,
	// the archive is considered corrupted.
	BlockLog uint16

	Flags uint16

	// NoIds is the number of entries in the ID lookup table.
	NoIds uint16

	// Major is the major version number (4).
	Major uint16

	// Minor is the minor version number (0).
	Minor uint16

	// RootInode is a reference to the inode of the root directory.
	RootInode Inode

	// BytesUsed is the number of bytes used by the archive.
	// Can be less than the actual file size because SquashFS
	// archives must be padded to a multiple of the underlying
	// device block size.
	BytesUsed int64

	// Byte offsets at which the respective id table starts.
	// If the xattr, fragment or export table are absent,
	// the respective field must be set to 0xFFFFFFFFFFFFFFFF.
	IdTableStart        int64
	XattrIdTableStart   int64
	InodeTableStart     int64
	DirectoryTableStart int64
	FragmentTableStart  int64
	LookupTableStart    int64
}

const (
	dirType = 1 + iota
	fileType
	symlinkType
	blkdevType
	chrdevType
	fifoType
	socketType
	// The larger types are used for e.g. sparse files, xattrs, etc.
	ldirType
	lregType
	lsymlinkType
	lblkdevType
	lchrdevType
	lfifoType
	lsocketType
)

// https://dr-emann.github.io/squashfs/squashfs.html#_common_inode_header
type inodeHeader struct {
	InodeType uint16

	// Mode is a bit mask representing Unix file permissions for the inode.
	// This only stores permissions, not the type. The type is reconstructed
	// from the InodeType field.
	Mode uint16

	// Uid is an index into the id table, giving the user id of the owner.
	Uid uint16

	// Gid is an index into the id table, giving the group id of the owner.
	Gid uint16

	// Mtime is the signed number of seconds since the UNIX epoch.
	Mtime int32

	// InodeNumber is a unique inode number.
	// Must be at least 1, at most the inode count from the super block.
	InodeNumber uint32
}

// fileType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_file_inodes
type regInodeHeader struct {
	inodeHeader

	// StartBlock is the full byte offset from the start of the file system,
	// e.g. 96 for first file contents. Not using fragments limits us to
	// 2^32-1-96 (≈ 4GiB) bytes of file contents.
	StartBlock uint32

	// Fragment is an index into the fragment table which describes the fragment
	// block that the tail end of this file is stored in. If fragments are not
	// used, this field is set to 0xFFFFFFFF.
	Fragment uint32

	// Offset is the (uncompressed) offset within the fragment block where the
	// tail end of this file is.
	Offset uint32

	// FileSize is the (uncompressed) size of this file.
	FileSize uint32

	// Followed by a uint32 array of compressed block sizes.
	// See https://dr-emann.github.io/squashfs/squashfs.html#_data_and_fragment_blocks
}

// lregType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_file_inodes
type lregInodeHeader struct {
	inodeHeader

	// StartBlock is the full byte offset from the start of the file system,
	// e.g. 96 for first file contents.
	StartBlock uint64

	// FileSize is the (uncompressed) size of this file.
	FileSize uint64

	// Sparse is the number of bytes saved by omitting zero bytes. Used in the
	// kernel for sparse file accounting.
	Sparse uint64

	// Nlink is the number of hard links to this node.
	Nlink uint32

	// Fragment is an index into the fragment table which describes the fragment
	// block that the tail end of this file is stored in. If fragments are not
	// used, this field is set to 0xFFFFFFFF.
	Fragment uint32

	// Offset is the (uncompressed) offset within the fragment block where the
	// tail end of this file is.
	Offset uint32

	// Xattr is an index into the Xattr table, or 0xFFFFFFFF if the inode has no
	// extended attributes.
	Xattr uint32

	// Followed by a uint32 array of compressed block sizes.
}

// symlinkType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_symbolic_links
type symlinkInodeHeader struct {
	inodeHeader

	// Nlink is the number of hard links to this symlink.
	Nlink uint32

	// SymlinkSize is the size in bytes of the target path this symlink points
	// to.
	SymlinkSize uint32

	// Followed by a byte array of SymlinkSize bytes. The path is not
	// null-terminated.
}

// chrdevType and blkdevType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_device_special_files
type devInodeHeader struct {
	inodeHeader

	// Nlink is the number of hard links to this entry.
	Nlink uint32

	// Rdev is the system-specific device number.
	Rdev uint32
}

// fifoType and socketType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_ipc_inodes_fifo_or_socket
type ipcInodeHeader struct {
	inodeHeader

	// Nlink is the number of hard links to this entry.
	Nlink uint32
}

// dirType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_directory_inodes
type dirInodeHeader struct {
	inodeHeader

	// StartBlock is the block index of the metadata block in the directory
	// table where the entry information starts. This is relative to the
	// directory table location.
	StartBlock uint32

	// Nlink is the number of hard links to this directory.
	Nlink uint32

	// FileSize is the total (uncompressed) size in bytes of the entry listing
	// in the directory table, including headers.
	//
	// This value is 3 bytes larger than the real listing. The Linux kernel
	// creates "." and ".." entries for offsets 0 and 1, and only after 3 looks
	// into the listing, subtracting 3 from the size.
	FileSize uint16

	// Offset is the (uncompressed) offset within the metadata block in the
	// directory table where the directory listing starts.
	Offset uint16

	// ParentInode is the inode number of the parent of this directory. If this
	// is the root directory, ParentInode should be 0.
	ParentInode uint32
}

// ldirType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_directory_inodes
type ldirInodeHeader struct {
	inodeHeader

	// Nlink is the number of hard links to this directory.
	Nlink uint32

	// FileSize is the total (uncompressed) size in bytes of the entry listing
	// in the directory table, including headers.
	FileSize uint32

	// StartBlock is the block index of the metadata block in the directory
	// table where the entry information starts. This is relative to the
	// directory table location.
	StartBlock uint32

	// ParentInode is the inode number of the parent of this directory. If this
	// is the root directory, ParentInode should be 0.
	ParentInode uint32

	// Icount is the number of directory index entries following this inode.
	Icount uint16

	// Offset is the (uncompressed) offset within the metadata block in the
	// directory table where the directory listing starts.
	Offset uint16

	// Xattr is an index into the Xattr table, or 0xFFFFFFFF if the inode has no
	// extended attributes.
	Xattr uint32
}

// https://dr-emann.github.io/squashfs/squashfs.html#_directory_table
type dirHeader struct {
	// Count is the number of entries following the header.
	Count uint32

	// StartBlock is the location of the metadata block in the inode table where
	// the inodes are stored. This is relative to the inode table start from the
	// super block.
	StartBlock uint32

	// InodeOffset is an arbitrary inode number. The entries that follow store
	// their inode number as a difference to this value.
	InodeOffset uint32
}

func (d *dirHeader) Unmarshal(b []byte) {
	_ = b[11]
	e := binary.LittleEndian
	d.Count = e.Uint32(b)
	d.StartBlock = e.Uint32(b[4:])
	d.InodeOffset = e.Uint32(b[8:])
}

// https://dr-emann.github.io/squashfs/squashfs.html#_directory_table
type dirEntry struct {
	// Offset is an offset into the uncompressed inode metadata block.
	Offset uint16

	// InodeNumber is the difference of this inode relative to dirHeader.InodeOffset.
	InodeNumber int16

	// EntryType is the inode type. For extended inodes, the basic type is
	// stored here instead.
	EntryType uint16

	// Size is one less than the size of the entry name.
	Size uint16

	// Followed by a byte array of Size+1 bytes.
}

func (d *dirEntry) Unmarshal(b []byte) {
	_ = b[7]
	e := binary.LittleEndian
	d.Offset = e.Uint16(b)
	d.InodeNumber = int16(e.Uint16(b[2:]))
	d.EntryType = e.Uint16(b[4:])
	d.Size = e.Uint16(b[6:])
}

// xattr types
const (
	XattrTypeUser = iota
	XattrTypeTrusted
	XattrTypeSecurity
)

var xattrPrefix = map[int]string{
	XattrTypeUser:     "user.",
	XattrTypeTrusted:  "trusted.",
	XattrTypeSecurity: "security.",
}

type Xattr struct {
	// Type is a prefix id for the key name. If the value that follows is stored
	// out-of-line, the flag 0x0100 is ORed to the type id.
	Type uint16

	FullName string
	Value    []byte
}

func XattrFromAttr(attr string, val []byte) Xattr {
	for typ, prefix := range xattrPrefix {
		if !strings.HasPrefix(attr, prefix) {
			continue
		}
		return Xattr{
			Type:     uint16(typ),
			FullName: strings.TrimPrefix(attr, prefix),
			Value:    val,
		}
	}
	return Xattr{}
}

type xattrId struct {
	Xattr uint64
	Count uint32
	Size  uint32
}

func writeIdTable(w io.WriteSeeker, ids []uint32) (start int64, err error) {
	metaOff, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, ids); err != nil {
		return 0, err
	}

	if err := binary.Write(w, binary.LittleEndian, uint16(buf.Len())|0x8000); err != nil {
		return 0, err
	}
	if _, err := io.Copy(w, &buf); err != nil {
		return 0, err
	}
	off, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return off, binary.Write(w, binary.LittleEndian, metaOff)
}

type fullDirEntry struct {
	startBlock  uint32
	offset      uint16
	inodeNumber uint32
	entryType   uint16
	name        string
}

const (
	magic             = 0x73717368
	dataBlockSize     = 131072
	metadataBlockSize = 8192
	majorVersion      = 4
	minorVersion      = 0
)

// WriterOptions configures the shared Processor backing a Writer's file
// data. Zero values select sane defaults (see NewWriter).
type WriterOptions struct {
	// BlockSize is the data block size in bytes. Zero selects
	// dataBlockSize.
	BlockSize int

	// NumWorkers sizes the compression worker pool. Negative selects
	// runtime.NumCPU(); zero explicitly requests serial mode.
	NumWorkers int

	// MaxBacklog bounds in-flight blocks. Zero selects 4*NumWorkers (or
	// 4, in serial mode), clamped up to at least NumWorkers.
	MaxBacklog int

	// Compressor is cloned once per worker. Nil selects zlibCompressor
	// at zlib.BestSpeed, matching this package's historical behavior.
	Compressor Compressor
}

func (o WriterOptions) compressionID() uint16 {
	switch o.Compressor.(type) {
	case *flateCompressor:
		return zlibCompression // flate is zlib-compatible framing-wise for our purposes
	case *gzipCompressor:
		return gzipCompression
	default:
		return zlibCompression
	}
}

type Writer struct {
	// Root represents the file system root. Like all directories, Flush must be
	// called precisely once.
	Root *Directory

	xattrs   []Xattr
	xattrIds []xattrId

	w io.WriteSeeker

	sb       superblock
	inodeBuf bytes.Buffer
	dirBuf   bytes.Buffer

	writeInodeNumTo map[string][]int64

	processor *Processor
	frags     *fragmentTable
}

// slog returns the log2 of block, as required for superblock.BlockLog.
func slog(block uint32) uint16 {
	for i := uint16(12); i <= 20; i++ {
		if block == (1 << i) {
			return i
		}
	}
	return 0
}

// filesystemFlags returns flags for a SquashFS file system created by this
// package (disabling most features for now).
func filesystemFlags() uint16 {
	const (
		noI = 1 << iota // uncompressed metadata
		noD             // uncompressed data
		_
		noF               // uncompressed fragments
		noFrag            // never use fragments
		alwaysFrag        // always use fragments
		duplicateChecking // de-duplication
		exportable        // exportable via NFS
		noX               // uncompressed xattrs
		noXattr           // no xattrs
		compopt           // compressor-specific options present?
	)
	return noI | noF | noX | noXattr
}

// NewWriter returns a Writer which will write a SquashFS file system image to w
// once Flush is called.
//
// Create new files and directories with the corresponding methods on the Root
// directory of the Writer.
//
// File data is written to w even before Flush is called: every Directory.File
// submits its bytes to a shared Processor (processor.go), which compresses,
// deduplicates and packs fragments across every file opened on this Writer.
func NewWriter(w io.WriteSeeker, mkfsTime time.Time, opts WriterOptions) (*Writer, error) {
	// Skip over superblock to the data area, we come back to the superblock
	// when flushing.
	if _, err := w.Seek(96, io.SeekStart); err != nil {
		return nil, err
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = dataBlockSize
	}
	numWorkers := opts.NumWorkers
	if numWorkers < 0 {
		numWorkers = runtime.NumCPU()
	}
	maxBacklog := opts.MaxBacklog
	if maxBacklog == 0 {
		maxBacklog = 4 * numWorkers
		if maxBacklog == 0 {
			maxBacklog = 4
		}
	}
	if maxBacklog < numWorkers {
		maxBacklog = numWorkers
	}
	compressor := opts.Compressor
	if compressor == nil {
		compressor = NewZlibCompressor()
	}

	frags := newFragmentTable()
	proc, err := NewProcessor(Config{
		MaxBlockSize:  blockSize,
		NumWorkers:    numWorkers,
		MaxBacklog:    maxBacklog,
		Compressor:    compressor,
		Writer:        &diskBlockWriter{w: w},
		FragmentTable: frags,
	})
	if err != nil {
		return nil, err
	}

	wr := &Writer{
		w: w,
		sb: superblock{
			Magic:             magic,
			MkfsTime:          int32(mkfsTime.Unix()),
			BlockSize:         uint32(blockSize),
			Fragments:         0,
			Compression:       opts.compressionID(),
			BlockLog:          slog(uint32(blockSize)),
			Flags:             filesystemFlags(),
			NoIds:             1, // just one uid/gid mapping (for root)
			Major:             majorVersion,
			Minor:             minorVersion,
			XattrIdTableStart: -1, // not present
			LookupTableStart:  -1, // not present
		},
		writeInodeNumTo: make(map[string][]int64),
		processor:       proc,
		frags:           frags,
	}
	wr.Root = &Directory{
		w:       wr,
		name:    "", // root
		modTime: mkfsTime,
	}
	return wr, nil
}

// Directory represents a SquashFS directory.
type Directory struct {
	w          *Writer
	name       string
	modTime    time.Time
	dirEntries []fullDirEntry
	parent     *Directory
}

func (d *Directory) path() string {
	if d.parent == nil {
		return d.name
	}
	return filepath.Join(d.parent.path(), d.name)
}

type file struct {
	w       *Writer
	d       *Directory
	name    string
	modTime time.Time
	mode    uint16

	handle InodeHandle

	xattrRef uint32
}

// Directory creates a new directory with the specified name and modTime.
func (d *Directory) Directory(name string, modTime time.Time) *Directory {
	return &Directory{
		w:       d.w,
		name:    name,
		modTime: modTime,
		parent:  d,
	}
}

// File creates a file with the specified name, modTime and mode. The returned
// io.WriteCloser must be closed after writing the file.
func (d *Directory) File(name string, modTime time.Time, mode uint16, xattrs []Xattr) (io.WriteCloser, error) {
	xattrRef := uint32(invalidXattr)
	if len(xattrs) > 0 {
		xattrRef = uint32(len(d.w.xattrs))
		d.w.xattrs = append(d.w.xattrs, xattrs[0]) // TODO: support multiple
		size := len(xattrs[0].FullName) + len(xattrs[0].Value)
		d.w.xattrIds = append(d.w.xattrIds, xattrId{
			// Xattr is populated in writeXattrTables
			Count: 1, // TODO: support multiple
			Size:  uint32(size),
		})
	}

	handle, status := d.w.processor.BeginFile(0)
	if status != Ok {
		return nil, status
	}

	return &file{
		w:        d.w,
		d:        d,
		name:     name,
		modTime:  modTime,
		mode:     mode,
		handle:   handle,
		xattrRef: xattrRef,
	}, nil
}

// Symlink creates a symbolic link from newname to oldname with the specified
// modTime and mode.
func (d *Directory) Symlink(oldname, newname string, modTime time.Time, mode os.FileMode) error {
	startBlock := d.w.inodeBuf.Len() / metadataBlockSize
	offset := d.w.inodeBuf.Len() - startBlock*metadataBlockSize

	if err := binary.Write(&d.w.inodeBuf, binary.LittleEndian, symlinkInodeHeader{
		inodeHeader: inodeHeader{
			InodeType:   symlinkType,
			Mode:        uint16(mode),
			Uid:         0,
			Gid:         0,
			Mtime:       int32(modTime.Unix()),
			InodeNumber: d.w.sb.Inodes + 1,
		},
		Nlink:       1, // TODO(later): when is this not 1?
		SymlinkSize: uint32(len(oldname)),
	}); err != nil {
		return err
	}
	if _, err := d.w.inodeBuf.Write([]byte(oldname)); err != nil {
		return err
	}

	d.dirEntries = append(d.dirEntries, fullDirEntry{
		startBlock:  uint32(startBlock),
		offset:      uint16(offset),
		inodeNumber: d.w.sb.Inodes + 1,
		entryType:   symlinkType,
		name:        newname,
	})

	d.w.sb.Inodes++
	return nil
}

// Flush writes directory entries and creates inodes for the directory.
func (d *Directory) Flush() error {
	countByStartBlock := make(map[uint32]uint32)
	for _, de := range d.dirEntries {
		countByStartBlock[de.startBlock]++
	}

	dirBufStartBlock := d.w.dirBuf.Len() / metadataBlockSize
	dirBufOffset := d.w.dirBuf.Len()

	currentBlock := int64(-1)
	currentInodeOffset := int64(-1)
	var subdirs int
	for _, de := range d.dirEntries {
		if de.entryType == dirType {
			subdirs++
		}
		if int64(de.startBlock) != currentBlock {
			dh := dirHeader{
				Count:       countByStartBlock[de.startBlock] - 1,
				StartBlock:  de.startBlock * (metadataBlockSize + 2),
				InodeOffset: de.inodeNumber,
			}
			if err := binary.Write(&d.w.dirBuf, binary.LittleEndian, &dh); err != nil {
				return err
			}

			currentBlock = int64(de.startBlock)
			currentInodeOffset = int64(de.inodeNumber)
		}
		if err := binary.Write(&d.w.dirBuf, binary.LittleEndian, &dirEntry{
			Offset:      de.offset,
			InodeNumber: int16(de.inodeNumber - uint32(currentInodeOffset)),
			EntryType:   de.entryType,
			Size:        uint16(len(de.name) - 1),
		}); err != nil {
			return err
		}
		if _, err := d.w.dirBuf.Write([]byte(de.name)); err != nil {
			return err
		}
	}

	startBlock := d.w.inodeBuf.Len() / metadataBlockSize
	offset := d.w.inodeBuf.Len() - startBlock*metadataBlockSize
	inodeBufOffset := d.w.inodeBuf.Len()

	// parentInodeOffset is the offset (in bytes) of the ParentInode field
	// within a dirInodeHeader or ldirInodeHeader
	var parentInodeOffset int64

	if len(d.dirEntries) > 256 ||
		d.w.dirBuf.Len()-dirBufOffset > metadataBlockSize {
		parentInodeOffset = (2 + 2 + 2 + 2 + 4 + 4) + 4 + 4 + 4
		if err := binary.Write(&d.w.inodeBuf, binary.LittleEndian, ldirInodeHeader{
			inodeHeader: inodeHeader{
				InodeType: ldirType,
				Mode: unix.S_IRUSR | unix.S_IWUSR | unix.S_IXUSR |
					unix.S_IRGRP | unix.S_IXGRP |
					unix.S_IROTH | unix.S_IXOTH,
				Uid:         0,
				Gid:         0,
				Mtime:       int32(d.modTime.Unix()),
				InodeNumber: d.w.sb.Inodes + 1,
			},

			Nlink:       uint32(subdirs + 2 - 1), // + 2 for . and ..
			FileSize:    uint32(d.w.dirBuf.Len()-dirBufOffset) + 3,
			StartBlock:  uint32(dirBufStartBlock * (metadataBlockSize + 2)),
			ParentInode: d.w.sb.Inodes + 2, // invalid
			Icount:      0,                 // no directory index
			Offset:      uint16(dirBufOffset - dirBufStartBlock*metadataBlockSize),
			Xattr:       invalidXattr,
		}); err != nil {
			return err
		}
	} else {
		parentInodeOffset = (2 + 2 + 2 + 2 + 4 + 4) + 4 + 4 + 2 + 2
		if err := binary.Write(&d.w.inodeBuf, binary.LittleEndian, dirInodeHeader{
			inodeHeader: inodeHeader{
				InodeType: dirType,
				Mode: unix.S_IRUSR | unix.S_IWUSR | unix.S_IXUSR |
					unix.S_IRGRP | unix.S_IXGRP |
					unix.S_IROTH | unix.S_IXOTH,
				Uid:         0,
				Gid:         0,
				Mtime:       int32(d.modTime.Unix()),
				InodeNumber: d.w.sb.Inodes + 1,
			},
			StartBlock:  uint32(dirBufStartBlock * (metadataBlockSize + 2)),
			Nlink:       uint32(subdirs + 2 - 1), // + 2 for . and ..
			FileSize:    uint16(d.w.dirBuf.Len()-dirBufOffset) + 3,
			Offset:      uint16(dirBufOffset - dirBufStartBlock*metadataBlockSize),
			ParentInode: d.w.sb.Inodes + 2, // invalid
		}); err != nil {
			return err
		}
	}

	path := d.path()
	for _, offset := range d.w.writeInodeNumTo[path] {
		// Directly manipulating unread data in bytes.Buffer via Bytes(), as per
		// https://groups.google.com/d/msg/golang-nuts/1ON9XVQ1jXE/8j9RaeSYxuEJ
		b := d.w.inodeBuf.Bytes()
		binary.LittleEndian.PutUint32(b[offset:offset+4], d.w.sb.Inodes+1)
	}

	if d.parent != nil {
		parentPath := filepath.Dir(d.path())
		if parentPath == "." {
			parentPath = ""
		}
		d.w.writeInodeNumTo[parentPath] = append(d.w.writeInodeNumTo[parentPath], int64(inodeBufOffset)+parentInodeOffset)
		d.parent.dirEntries = append(d.parent.dirEntries, fullDirEntry{
			startBlock:  uint32(startBlock),
			offset:      uint16(offset),
			inodeNumber: d.w.sb.Inodes + 1,
			entryType:   dirType,
			name:        d.name,
		})
	} else { // root
		d.w.sb.RootInode = Inode((startBlock*(metadataBlockSize+2))<<16 | offset)
	}

	d.w.sb.Inodes++

	return nil
}

// Write implements io.Writer: bytes flow straight into the Processor.
func (f *file) Write(p []byte) (n int, err error) {
	if status := f.w.processor.Append(p); status != Ok {
		return 0, status
	}
	return len(p), nil
}

// Close implements io.Closer. It ends the file's submission and waits for
// every block belonging to this file (including its tail fragment, if any)
// to be fully dispatched before writing the inode header, since only then
// are f.handle's fields final. Processor.Drain is safe to call here because
// Non-goals exclude concurrent submission of multiple files on one Writer.
func (f *file) Close() error {
	if status := f.w.processor.EndFile(); status != Ok {
		return status
	}
	if status := f.w.processor.Drain(); status != Ok {
		return status
	}

	slot := *f.handle

	startBlock := f.w.inodeBuf.Len() / metadataBlockSize
	offset := f.w.inodeBuf.Len() - startBlock*metadataBlockSize

	if err := binary.Write(&f.w.inodeBuf, binary.LittleEndian, lregInodeHeader{
		inodeHeader: inodeHeader{
			InodeType:   lregType,
			Mode:        f.mode,
			Uid:         0,
			Gid:         0,
			Mtime:       int32(f.modTime.Unix()),
			InodeNumber: f.w.sb.Inodes + 1,
		},
		StartBlock: slot.StartBlock,
		FileSize:   slot.FileSize,
		Nlink:      1,
		Fragment:   slot.FragBlock,
		Offset:     slot.FragOffset,
		Xattr:      f.xattrRef,
	}); err != nil {
		return err
	}

	if err := binary.Write(&f.w.inodeBuf, binary.LittleEndian, slot.BlockSizes); err != nil {
		return err
	}

	f.d.dirEntries = append(f.d.dirEntries, fullDirEntry{
		startBlock:  uint32(startBlock),
		offset:      uint16(offset),
		inodeNumber: f.w.sb.Inodes + 1,
		entryType:   fileType,
		name:        f.name,
	})

	f.w.sb.Inodes++

	return nil
}

// diskBlockWriter implements BlockWriter by appending to the archive's
// output seeker. Consecutive calls land at consecutive offsets because the
// Processor's completer (completer.go) only ever calls WriteBlock from
// inside its own mutex, in strict sequence order — matching the "data has
// already been written" assumption the rest of Writer.Flush relies on.
type diskBlockWriter struct {
	w io.WriteSeeker
}

func (d *diskBlockWriter) WriteBlock(payload []byte, flags BlockFlags) (uint64, error) {
	off, err := d.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := d.w.Write(payload); err != nil {
		return 0, err
	}
	return uint64(off), nil
}

// fragTableEntry is one packed-fragment block's on-disk location, mirroring
// SquashFS's fragment table entry layout (start, size, unused).
type fragTableEntry struct {
	offset uint64
	size   uint32
}

type fragLoc struct {
	blockIndex uint32
	offset     uint32
}

// fragmentTable implements FragmentTable for a Writer: entries records
// every packed-fragment block's disk location in emission order (its index
// doubles as the fragment-block index stored in regInodeHeader.Fragment),
// while index lets admitFragment dedup a tail against any fragment ever
// packed, not just the one currently pending in the packer's own buffer.
type fragmentTable struct {
	entries []fragTableEntry
	index   map[dedupKey]fragLoc
}

func newFragmentTable() *fragmentTable {
	return &fragmentTable{index: make(map[dedupKey]fragLoc)}
}

func (t *fragmentTable) Append(offset uint64, size uint32, flags BlockFlags, pieces []FragmentPiece) (uint32, error) {
	idx := uint32(len(t.entries))
	t.entries = append(t.entries, fragTableEntry{offset: offset, size: size})
	for _, p := range pieces {
		key := dedupKey{p.Size, p.Checksum}
		if _, exists := t.index[key]; !exists {
			t.index[key] = fragLoc{blockIndex: idx, offset: uint32(p.Offset)}
		}
	}
	return idx, nil
}

func (t *fragmentTable) LookupByChecksum(size int, checksum uint32) (uint32, uint32, bool) {
	loc, ok := t.index[dedupKey{size, checksum}]
	if !ok {
		return 0, 0, false
	}
	return loc.blockIndex, loc.offset, true
}

// fragEntryOnDisk is the wire layout of one fragment table entry.
type fragEntryOnDisk struct {
	Start  uint64
	Size   uint32
	Unused uint32
}

// writeFragmentTable chunks the fragment entries through writeMetadataChunks
// exactly as writeXattrTables does for the xattr id table, then writes a
// trailing index of metadata-block offsets and returns where that index
// begins (what sb.FragmentTableStart must point at). Returns -1 if there
// are no fragments, so the caller can leave the field at its "absent" value.
func (w *Writer) writeFragmentTable() (int64, error) {
	if len(w.frags.entries) == 0 {
		return -1, nil
	}

	var buf bytes.Buffer
	for _, e := range w.frags.entries {
		if err := binary.Write(&buf, binary.LittleEndian, fragEntryOnDisk{Start: e.offset, Size: e.size}); err != nil {
			return 0, err
		}
	}
	fragBlocks := (buf.Len() + (metadataBlockSize - 1)) / metadataBlockSize

	tableStart, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := w.writeMetadataChunks(&buf); err != nil {
		return 0, err
	}

	idxOff, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	for i := 0; i < fragBlocks; i++ {
		if err := binary.Write(w.w, binary.LittleEndian, struct{ BlockOffset uint64 }{
			BlockOffset: uint64(tableStart) + uint64(i)*(metadataBlockSize+2),
		}); err != nil {
			return 0, err
		}
	}
	return idxOff, nil
}

// https://dr-emann.github.io/squashfs/squashfs.html#_xattr_table
func writeXattr(w io.Writer, xattrs []Xattr) error {
	for _, attr := range xattrs {
		if err := binary.Write(w, binary.LittleEndian, struct {
			Type     uint16
			NameSize uint16
		}{
			Type:     attr.Type,
			NameSize: uint16(len(attr.FullName)),
		}); err != nil {
			return err
		}
		if _, err := w.Write([]byte(attr.FullName)); err != nil {
			return err
		}

		if err := binary.Write(w, binary.LittleEndian, struct {
			ValSize uint32
		}{
			ValSize: uint32(len(attr.Value)),
		}); err != nil {
			return err
		}

		if _, err := w.Write(attr.Value); err != nil {
			return err
		}
	}
	return nil
}

type xattrTableHeader struct {
	XattrTableStart uint64
	XattrIds        uint32
	Unused          uint32
}

func (w *Writer) writeXattrTables() (int64, error) {
	if len(w.xattrs) == 0 {
		return -1, nil
	}
	off, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	xattrTableStart := uint64(off)

	var xattrBuf bytes.Buffer
	if err := writeXattr(&xattrBuf, w.xattrs); err != nil {
		return 0, err
	}
	xattrBlocks := (xattrBuf.Len() + (metadataBlockSize - 1)) / metadataBlockSize

	if err := w.writeMetadataChunks(&xattrBuf); err != nil {
		return 0, err
	}

	// write xattr id table
	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	idTableOff := uint64(off)
	var xattrIdBuf bytes.Buffer
	size := uint64(0)
	for _, id := range w.xattrIds {
		id.Xattr = uint64(size)
		size += uint64(id.Size) + 8 /* sizeof(Type+NameSize+ValSize) */
		if err := binary.Write(&xattrIdBuf, binary.LittleEndian, id); err != nil {
			return 0, err
		}
	}
	if err := w.writeMetadataChunks(&xattrIdBuf); err != nil {
		return 0, err
	}

	// xattr table header
	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := binary.Write(w.w, binary.LittleEndian, xattrTableHeader{
		XattrTableStart: xattrTableStart,
		XattrIds:        uint32(len(w.xattrs)),
	}); err != nil {
		return 0, err
	}
	// write block index
	for i := 0; i < xattrBlocks; i++ {
		if err := binary.Write(w.w, binary.LittleEndian, struct {
			BlockOffset uint64
		}{
			BlockOffset: idTableOff + (uint64(i) * (8192 + 2 /* sizeof(uint16) */)),
		}); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// writeMetadataChunks copies from r to w in blocks of metadataBlockSize bytes
// each, prefixing each block with a uint16 length header, setting the
// uncompressed bit.
func (w *Writer) writeMetadataChunks(r io.Reader) error {
	buf := make([]byte, metadataBlockSize)
	for {
		buf = buf[:metadataBlockSize]
		n, err := r.Read(buf)
		if err != nil {
			if err == io.EOF { // done
				return nil
			}
			return err
		}
		buf = buf[:n]
		if err := binary.Write(w.w, binary.LittleEndian, uint16(len(buf))|0x8000); err != nil {
			return err
		}
		if _, err := w.w.Write(buf); err != nil {
			return err
		}
	}
}

// Flush writes the SquashFS file system. The Writer must not be used after
// calling Flush.
func (w *Writer) Flush() error {
	// (1) superblock will be written later

	// (2) compressor-specific options omitted

	// (3) data has already been written

	// finish the block processor: flush the pending fragment block (if
	// any file left a tail fragment short of a full packed block) and
	// drain every remaining in-flight block.
	if status := w.processor.Finish(); status != Ok {
		return status
	}

	// (4) write inode table
	off, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.sb.InodeTableStart = off

	if err := w.writeMetadataChunks(&w.inodeBuf); err != nil {
		return err
	}

	// (5) write directory table
	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.sb.DirectoryTableStart = off

	if err := w.writeMetadataChunks(&w.dirBuf); err != nil {
		return err
	}

	// (6) write fragment table
	fragTableStart, err := w.writeFragmentTable()
	if err != nil {
		return err
	}
	w.sb.FragmentTableStart = fragTableStart
	w.sb.Fragments = uint32(len(w.frags.entries))

	// (7) export table omitted

	// (8) write uid/gid lookup table
	idTableStart, err := writeIdTable(w.w, []uint32{0})
	if err != nil {
		return err
	}
	w.sb.IdTableStart = idTableStart

	// (9) xattr table
	off, err = w.writeXattrTables()
	if err != nil {
		return err
	}
	w.sb.XattrIdTableStart = off

	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.sb.BytesUsed = off

	// Pad to 4096, required for the kernel to be able to access all pages
	if pad := off % 4096; pad > 0 {
		padding := make([]byte, 4096-pad)
		if _, err := w.w.Write(padding); err != nil {
			return err
		}
	}

	// (1) Write superblock
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return binary.Write(w.w, binary.LittleEndian, &w.sb)
}

// Stats returns the Writer's accumulated block processor counters (see
// Processor.Stats), useful for progress reporting in cmd/mksquashfs.
func (w *Writer) Stats() Stats {
	return w.processor.Stats()
}
