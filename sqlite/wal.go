package sqlite

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Layout of the SQLite write-ahead log (https://www.sqlite.org/fileformat.html#walformat).
const (
	walHeaderSize      = 32
	walFrameHeaderSize = 24
	walMagicLE         = 0x377f0682
	walMagicBE         = 0x377f0683
)

// errWALReset is returned when the WAL no longer extends the captured
// content, as when it's been truncated or restarted by another connection.
var errWALReset = errors.New("write-ahead log was reset outside of a snapshot checkpoint")

// walHeader is the identifying portion of a WAL header.
type walHeader struct {
	pageSize uint32
	salt1    uint32
	salt2    uint32
}

func parseWALHeader(b []byte) (walHeader, error) {
	if m := binary.BigEndian.Uint32(b[0:4]); m != walMagicLE && m != walMagicBE {
		return walHeader{}, errors.Errorf("invalid WAL magic %#x", m)
	}
	var hdr = walHeader{
		pageSize: binary.BigEndian.Uint32(b[8:12]),
		salt1:    binary.BigEndian.Uint32(b[16:20]),
		salt2:    binary.BigEndian.Uint32(b[20:24]),
	}
	// Page sizes are powers of two in [512, 65536]. 65536 is encoded as 1.
	if hdr.pageSize == 1 {
		hdr.pageSize = 65536
	}
	if hdr.pageSize < 512 || hdr.pageSize > 65536 || hdr.pageSize&(hdr.pageSize-1) != 0 {
		return walHeader{}, errors.Errorf("invalid WAL page size %d", hdr.pageSize)
	}
	return hdr, nil
}

// scanWAL walks the frames of a WAL of |size| bytes, beginning at |offset|,
// and returns the end offset of the last complete commit frame. If |offset|
// is zero the WAL header is parsed and returned. Otherwise the WAL header
// must match |hdr|, as captured when scanning from offset zero. Frames whose
// salts don't match the header are stale, and end the scan.
func scanWAL(r io.ReaderAt, offset, size int64, hdr walHeader) (int64, walHeader, error) {
	if size < offset {
		return 0, hdr, errors.WithMessagef(errWALReset, "WAL size %d < offset %d", size, offset)
	} else if size < walHeaderSize {
		return offset, hdr, nil // Header isn't yet written.
	}

	var b [walHeaderSize]byte
	if _, err := r.ReadAt(b[:], 0); err != nil {
		return 0, hdr, errors.WithMessage(err, "reading WAL header")
	}
	var cur, err = parseWALHeader(b[:])
	if err != nil {
		return 0, hdr, err
	}

	if offset == 0 {
		hdr, offset = cur, walHeaderSize
	} else if cur != hdr {
		return 0, hdr, errors.WithMessage(errWALReset, "WAL header changed")
	}

	var frameSize = int64(walFrameHeaderSize) + int64(hdr.pageSize)
	var end = offset

	for pos := offset; pos+frameSize <= size; pos += frameSize {
		var fh [walFrameHeaderSize]byte
		if _, err = r.ReadAt(fh[:], pos); err != nil {
			return 0, hdr, errors.WithMessagef(err, "reading WAL frame header at %d", pos)
		}
		if binary.BigEndian.Uint32(fh[8:12]) != hdr.salt1 ||
			binary.BigEndian.Uint32(fh[12:16]) != hdr.salt2 {
			break
		}
		if binary.BigEndian.Uint32(fh[4:8]) != 0 {
			end = pos + frameSize // Commit frame.
		}
	}

	if end == walHeaderSize {
		return 0, walHeader{}, nil // No committed frames yet.
	}
	return end, hdr, nil
}
