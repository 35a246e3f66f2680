// Package env captures environment-derived defaults for cmd/mksquashfs.
package env

import (
	"os"
	"runtime"
	"strconv"
)

// Workers is the default worker pool size, overridable for benchmarking or
// debugging without touching -workers on every invocation.
var Workers = findWorkers()

func findWorkers() int {
	if v := os.Getenv("MKSQUASHFS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

// Compressor is the default compressor name ("zlib", "flate" or "gzip").
var Compressor = findCompressor()

func findCompressor() string {
	if v := os.Getenv("MKSQUASHFS_COMPRESSOR"); v != "" {
		return v
	}
	return "zlib"
}
