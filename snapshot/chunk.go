package snapshot

import (
	"bytes"
	"hash"
	"io"
	"os"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.sqlsnap.dev/core/codecs"
)

// ErrHashMismatch is returned when the content of a chunk doesn't match the
// sum recorded by its frame.
var ErrHashMismatch = errors.New("chunk content doesn't match frame hash")

// ChunkWriter compresses content into an exclusively created chunk file,
// while summing its uncompressed bytes.
type ChunkWriter struct {
	path   string
	file   afero.File
	comp   codecs.Compressor
	summer hash.Hash
	n      int64
}

// CreateChunk exclusively creates the chunk file at |path|, compressed with |codec|.
func CreateChunk(fs afero.Fs, path string, codec codecs.Codec) (*ChunkWriter, error) {
	var f, err = fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.WithMessage(err, "creating chunk")
	}
	comp, err := codecs.NewCodecWriter(f, codec)
	if err != nil {
		_ = f.Close()
		_ = fs.Remove(path)
		return nil, err
	}
	return &ChunkWriter{
		path:   path,
		file:   f,
		comp:   comp,
		summer: sha256.New(),
	}, nil
}

// Path of the chunk file.
func (w *ChunkWriter) Path() string { return w.path }

// Len returns the number of uncompressed bytes written to the chunk.
func (w *ChunkWriter) Len() int64 { return w.n }

func (w *ChunkWriter) Write(p []byte) (int, error) {
	var n, err = w.comp.Write(p)
	_, _ = w.summer.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Close flushes the compressor, syncs and closes the chunk file, and returns
// the sum of its uncompressed content.
func (w *ChunkWriter) Close() (Hash, error) {
	var sum Hash
	var err = w.comp.Close()
	if err == nil {
		err = w.file.Sync()
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return sum, errors.WithMessagef(err, "closing chunk %s", w.path)
	}
	copy(sum[:], w.summer.Sum(nil))
	return sum, nil
}

// OpenChunk opens the chunk at |path| for reading of its uncompressed content.
// The returned reader fails with ErrHashMismatch upon reaching EOF if the
// content doesn't sum to |expect|.
func OpenChunk(fs afero.Fs, path string, expect Hash) (io.ReadCloser, error) {
	var f, err = fs.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening chunk")
	}
	dec, _, err := codecs.NewSniffingReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.WithMessagef(err, "reading chunk %s", path)
	}
	return &verifyingReader{
		path:   path,
		dec:    dec,
		file:   f,
		summer: sha256.New(),
		expect: expect,
	}, nil
}

type verifyingReader struct {
	path   string
	dec    codecs.Decompressor
	file   afero.File
	summer hash.Hash
	expect Hash
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	var n, err = r.dec.Read(p)
	_, _ = r.summer.Write(p[:n])

	if err == io.EOF && !bytes.Equal(r.summer.Sum(nil), r.expect[:]) {
		err = errors.WithMessagef(ErrHashMismatch, "chunk %s", r.path)
	} else if err != nil && err != io.EOF {
		err = errors.WithMessagef(err, "reading chunk %s", r.path)
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	var err = r.dec.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
