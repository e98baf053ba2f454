// Package archivecodec registers a faster DEFLATE implementation for
// archive/zip writers. Both the hash catalog archive and the
// consolidated per-identifier archive are write-once, read-many, and
// built under time pressure during the export run, so the stdlib
// compress/flate encoder's extra CPU cost buys nothing here.
package archivecodec

import (
	"archive/zip"
	"io"

	"github.com/klauspost/compress/flate"
)

// RegisterFastDeflate points zw's DEFLATE method at
// klauspost/compress/flate instead of the stdlib implementation.
func RegisterFastDeflate(zw *zip.Writer) {
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
}
