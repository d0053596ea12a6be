package snapshot

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	// Signature which begins every index file.
	Signature = "SQLITESNAPSHOT\x00"
	// Version of the index format written by this package.
	Version = 2
	// IndexSuffix is the file extension of index files.
	IndexSuffix = ".snapshot"
	// FrameSize is the encoded length of a frame record.
	FrameSize = 8 + HashSize
	// HashSize is the length of a frame's SHA-256 sum.
	HashSize = 32

	headerFixedSize = len(Signature) + 1 + 4
	maxPathLength   = 1 << 16
)

var (
	// ErrBadSignature is returned when reading a file which is not a snapshot index.
	ErrBadSignature = errors.New("bad snapshot index signature")
	// ErrUnsupportedVersion is returned when reading an index of an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported snapshot index version")
)

// Hash is a SHA-256 sum of chunk content.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ChunkPath returns the path of chunk |n| of the index at |indexPath|.
func ChunkPath(indexPath string, n int64) string {
	return fmt.Sprintf("%s.%016d", indexPath, n)
}

// NewIndexName returns a new, randomized index file name for the database at |dbPath|.
func NewIndexName(dbPath string) string {
	return filepath.Base(dbPath) + "-" + uuid.New().String() + IndexSuffix
}

func encodeHeader(dbPath string) []byte {
	var b = make([]byte, headerFixedSize+len(dbPath))
	copy(b, Signature)
	b[len(Signature)] = Version
	binary.LittleEndian.PutUint32(b[len(Signature)+1:], uint32(len(dbPath)))
	copy(b[headerFixedSize:], dbPath)
	return b
}

// readHeader reads and validates an index header, returning its database path.
func readHeader(r io.Reader) (string, error) {
	var fixed [headerFixedSize]byte

	if _, err := io.ReadFull(r, fixed[:]); err == io.EOF || err == io.ErrUnexpectedEOF {
		return "", ErrBadSignature
	} else if err != nil {
		return "", err
	}
	if string(fixed[:len(Signature)]) != Signature {
		return "", ErrBadSignature
	} else if v := fixed[len(Signature)]; v != Version {
		return "", errors.WithMessagef(ErrUnsupportedVersion, "version %d", v)
	}

	var n = binary.LittleEndian.Uint32(fixed[len(Signature)+1:])
	if n == 0 || n > maxPathLength {
		return "", errors.Errorf("invalid database path length %d", n)
	}
	var path = make([]byte, n)
	if _, err := io.ReadFull(r, path); err != nil {
		return "", errors.WithMessage(err, "reading database path")
	}
	return string(path), nil
}

func encodeFrame(ts int64, sum Hash) []byte {
	var b = make([]byte, FrameSize)
	binary.LittleEndian.PutUint64(b, uint64(ts))
	copy(b[8:], sum[:])
	return b
}

// IndexWriter appends frames to a newly created index file.
type IndexWriter struct {
	path   string
	file   afero.File
	last   int64 // Timestamp of the last appended frame.
	frames int64
}

// CreateIndex exclusively creates an index file at |path| describing the
// database at |dbPath|, and durably writes its header.
func CreateIndex(fs afero.Fs, path, dbPath string) (*IndexWriter, error) {
	if l := len(dbPath); l == 0 || l > maxPathLength {
		return nil, errors.Errorf("invalid database path length %d", l)
	}
	var f, err = fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.WithMessage(err, "creating index")
	}
	if _, err = f.Write(encodeHeader(dbPath)); err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Close()
		return nil, errors.WithMessage(err, "writing index header")
	}
	return &IndexWriter{path: path, file: f}, nil
}

// Path of the index file.
func (w *IndexWriter) Path() string { return w.path }

// Frames returns the number of frames appended to the index.
func (w *IndexWriter) Frames() int64 { return w.frames }

// ChunkPath returns the path of chunk |n| of this index.
func (w *IndexWriter) ChunkPath(n int64) string { return ChunkPath(w.path, n) }

// Append durably appends a frame of |ts| and |sum|. Timestamps are clamped
// such that frames of an index never decrease. The appended timestamp is returned.
func (w *IndexWriter) Append(ts time.Time, sum Hash) (time.Time, error) {
	var nanos = ts.UnixNano()
	if nanos < w.last {
		nanos = w.last
	}

	if _, err := w.file.Write(encodeFrame(nanos, sum)); err != nil {
		return time.Time{}, errors.WithMessage(err, "writing frame")
	} else if err = w.file.Sync(); err != nil {
		return time.Time{}, errors.WithMessage(err, "syncing index")
	}
	w.last = nanos
	w.frames++

	return time.Unix(0, nanos), nil
}

// Close the index file.
func (w *IndexWriter) Close() error { return w.file.Close() }
