package archive

import (
	"hash"
	"hash/adler32"
	"io"
)

// checksumWriter digests everything written through it, so a tar stream
// picks up its Adler-32 while it is being laid down on tape.
type checksumWriter struct {
	w io.Writer
	h hash.Hash32
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	return &checksumWriter{w: w, h: adler32.New()}
}

func (cw *checksumWriter) Write(p []byte) (int, error) {
	cw.h.Write(p)
	return cw.w.Write(p)
}

// Sum32 is the digest of everything written so far.
func (cw *checksumWriter) Sum32() uint32 {
	return cw.h.Sum32()
}

// checksumReader digests everything read through it.
type checksumReader struct {
	r io.Reader
	h hash.Hash32
}

func newChecksumReader(r io.Reader) *checksumReader {
	return &checksumReader{r: r, h: adler32.New()}
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.h.Write(p[:n])
	}
	return n, err
}

// Sum32 is the digest of everything read so far.
func (cr *checksumReader) Sum32() uint32 {
	return cr.h.Sum32()
}
