// Command mksquashfs packs a directory tree into a SquashFS image using the
// internal/squashfs block processor.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/sqfsgo/mkfs/internal/env"
	"github.com/sqfsgo/mkfs/internal/oninterrupt"
	"github.com/sqfsgo/mkfs/internal/squashfs"
	"github.com/sqfsgo/mkfs/internal/trace"
)

func usage() {
	fmt.Fprintf(os.Stderr, `mksquashfs packs a directory tree into a SquashFS image.

Usage: mksquashfs [flags] <source-dir>

Flags:
`)
	flag.PrintDefaults()
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func compressorByName(name string) (squashfs.Compressor, error) {
	switch strings.ToLower(name) {
	case "zlib", "":
		return squashfs.NewZlibCompressor(), nil
	case "flate":
		return squashfs.NewFlateCompressor(), nil
	case "gzip":
		return squashfs.NewGzipCompressor(), nil
	default:
		return nil, xerrors.Errorf("unknown -compressor %q (want zlib, flate or gzip)", name)
	}
}

// readXattrs mirrors the teacher's cmd/distri/convert.go: xattrs are
// optional decoration on an otherwise plain file.
func readXattrs(fd int) ([]squashfs.Xattr, error) {
	sz, err := unix.Flistxattr(fd, nil)
	if err != nil {
		if err == unix.ENOTSUP {
			return nil, nil
		}
		return nil, err
	}
	buf := make([]byte, sz)
	sz, err = unix.Flistxattr(fd, buf)
	if err != nil {
		return nil, err
	}
	var attrs []squashfs.Xattr
	off := 0
	for i, b := range buf[:sz] {
		if b != 0 {
			continue
		}
		name := string(buf[off:i])
		off = i + 1
		vsz, err := unix.Fgetxattr(fd, name, nil)
		if err != nil {
			return nil, err
		}
		val := make([]byte, vsz)
		if _, err := unix.Fgetxattr(fd, name, val); err != nil {
			return nil, err
		}
		attrs = append(attrs, squashfs.XattrFromAttr(name, val))
	}
	return attrs, nil
}

// progress prints periodic counters to stderr when it is a terminal, the
// way a long-running packing tool should: quiet in scripts and CI logs,
// chatty on an interactive TTY.
type progress struct {
	w       *squashfs.Writer
	enabled bool
}

func newProgress(w *squashfs.Writer) *progress {
	return &progress{w: w, enabled: isatty.IsTerminal(os.Stderr.Fd())}
}

func (p *progress) run(ctx context.Context) error {
	if !p.enabled {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprint(os.Stderr, "\r\033[K")
			return nil
		case <-ticker.C:
			s := p.w.Stats()
			fmt.Fprintf(os.Stderr, "\r%d data blocks, %d fragments, %d sparse, %s read",
				s.DataBlockCount, s.ActualFragCount, s.SparseBlockCount, formatBytes(s.InputBytesRead))
		}
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// cp walks src and feeds every regular file, directory and symlink into
// dir, the way cmd/distri/convert.go's cp does, but over *squashfs.Directory
// backed by the block processor instead of the teacher's unbuffered writer.
func cp(dir *squashfs.Directory, src string) error {
	fis, err := ioutil.ReadDir(src)
	if err != nil {
		return err
	}
	for _, fi := range fis {
		full := filepath.Join(src, fi.Name())
		switch {
		case fi.IsDir():
			sub := dir.Directory(fi.Name(), fi.ModTime())
			if err := cp(sub, full); err != nil {
				return err
			}

		case fi.Mode().IsRegular():
			in, err := os.Open(full)
			if err != nil {
				return err
			}
			attrs, err := readXattrs(int(in.Fd()))
			if err != nil {
				in.Close()
				return err
			}
			mode := uint16(fi.Mode().Perm())
			if st, ok := fi.Sys().(*syscall.Stat_t); ok {
				mode = uint16(st.Mode)
			}
			f, err := dir.File(fi.Name(), fi.ModTime(), mode, attrs)
			if err != nil {
				in.Close()
				return err
			}
			if _, err := io.Copy(f, in); err != nil {
				in.Close()
				return err
			}
			in.Close()
			if err := f.Close(); err != nil {
				return err
			}

		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return err
			}
			if err := dir.Symlink(target, fi.Name(), fi.ModTime(), fi.Mode().Perm()); err != nil {
				return err
			}

		default:
			log.Printf("skipping unsupported file %s", full)
		}
	}
	return dir.Flush()
}

func run(args []string) error {
	fset := flag.NewFlagSet("mksquashfs", flag.ContinueOnError)
	fset.Usage = usage
	var (
		output     = fset.String("o", "", "output file path (required)")
		blockSize  = fset.Int("block-size", 131072, "data block size in bytes, must be a power of two")
		workers    = fset.Int("workers", env.Workers, "compression worker pool size, 0 for serial mode")
		backlog    = fset.Int("backlog", 0, "max in-flight blocks, 0 selects 4x -workers")
		compressor = fset.String("compressor", env.Compressor, "compressor: zlib, flate or gzip")
		tracefile  = fset.String("trace", "", "if set, write a chrome://tracing JSON file here")
	)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		usage()
		return xerrors.Errorf("exactly one source directory required")
	}
	src := fset.Arg(0)
	if *output == "" {
		return xerrors.Errorf("-o is required")
	}
	if !isPowerOfTwo(*blockSize) {
		return xerrors.Errorf("-block-size %d must be a power of two", *blockSize)
	}
	if *workers < 0 {
		return xerrors.Errorf("-workers must be >= 0")
	}

	if *tracefile != "" {
		tf, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		defer tf.Close()
		trace.Sink(tf)
	}

	comp, err := compressorByName(*compressor)
	if err != nil {
		return err
	}

	out, err := renameio.TempFile("", *output)
	if err != nil {
		return xerrors.Errorf("renameio.TempFile: %v", err)
	}
	defer out.Cleanup()
	oninterrupt.Register(func() { out.Cleanup() })

	w, err := squashfs.NewWriter(out, time.Now(), squashfs.WriterOptions{
		BlockSize:  *blockSize,
		NumWorkers: *workers,
		MaxBacklog: *backlog,
		Compressor: comp,
	})
	if err != nil {
		return xerrors.Errorf("NewWriter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return newProgress(w).run(ctx) })

	packErr := cp(w.Root, src)
	cancel()
	if err := eg.Wait(); err != nil {
		log.Printf("progress reporter: %v", err)
	}
	if packErr != nil {
		return packErr
	}

	if err := w.Flush(); err != nil {
		return err
	}

	s := w.Stats()
	log.Printf("packed %s: %d data blocks, %d fragments (%d deduplicated), %d sparse",
		formatBytes(s.InputBytesRead), s.DataBlockCount, s.ActualFragCount,
		s.TotalFragCount-s.ActualFragCount, s.SparseBlockCount)

	return out.CloseAtomicallyReplace()
}

func main() {
	log.SetFlags(0)
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
