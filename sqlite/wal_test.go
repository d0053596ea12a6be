package sqlite

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestScanWALCommitBoundaries(t *testing.T) {
	var w = newTestWAL(512, 1, 2)
	var frameSize = int64(walFrameHeaderSize + 512)

	// Header only.
	var end, hdr, err = scanWAL(w.reader(), 0, w.size(), walHeader{})
	require.NoError(t, err)
	require.Equal(t, int64(0), end)
	require.Equal(t, walHeader{}, hdr)

	// Two frames of an uncommitted transaction, then its commit.
	w.frame(0)
	w.frame(0)
	end, _, err = scanWAL(w.reader(), 0, w.size(), walHeader{})
	require.NoError(t, err)
	require.Equal(t, int64(0), end)

	w.frame(3)
	end, hdr, err = scanWAL(w.reader(), 0, w.size(), walHeader{})
	require.NoError(t, err)
	require.Equal(t, walHeaderSize+3*frameSize, end)
	require.Equal(t, walHeader{pageSize: 512, salt1: 1, salt2: 2}, hdr)

	// A partially written commit frame isn't yet captured.
	w.frame(3)
	var partial = w.size() - 10
	end2, _, err := scanWAL(w.reader(), end, partial, hdr)
	require.NoError(t, err)
	require.Equal(t, end, end2)

	end2, _, err = scanWAL(w.reader(), end, w.size(), hdr)
	require.NoError(t, err)
	require.Equal(t, end+frameSize, end2)

	// Frames with stale salts end the scan.
	w.frameWithSalts(4, 9, 9)
	end3, _, err := scanWAL(w.reader(), end2, w.size(), hdr)
	require.NoError(t, err)
	require.Equal(t, end2, end3)
}

func TestScanWALResets(t *testing.T) {
	var w = newTestWAL(1024, 5, 6)
	w.frame(1)

	var end, hdr, err = scanWAL(w.reader(), 0, w.size(), walHeader{})
	require.NoError(t, err)
	require.NotZero(t, end)

	// The WAL shrank beneath the captured offset.
	_, _, err = scanWAL(w.reader(), end, walHeaderSize, hdr)
	require.Equal(t, errWALReset, errors.Cause(err))

	// The WAL was restarted with new salts.
	var w2 = newTestWAL(1024, 7, 8)
	w2.frame(1)
	w2.frame(1)
	_, _, err = scanWAL(w2.reader(), end, w2.size(), hdr)
	require.Equal(t, errWALReset, errors.Cause(err))
}

func TestParseWALHeaderErrors(t *testing.T) {
	var w = newTestWAL(4096, 1, 1)
	var b = w.buf.Bytes()

	var hdr, err = parseWALHeader(b)
	require.NoError(t, err)
	require.Equal(t, uint32(4096), hdr.pageSize)

	binary.BigEndian.PutUint32(b[8:12], 1)
	hdr, err = parseWALHeader(b)
	require.NoError(t, err)
	require.Equal(t, uint32(65536), hdr.pageSize)

	binary.BigEndian.PutUint32(b[8:12], 1000)
	_, err = parseWALHeader(b)
	require.EqualError(t, err, "invalid WAL page size 1000")

	binary.BigEndian.PutUint32(b[0:4], 0xdeadbeef)
	_, err = parseWALHeader(b)
	require.EqualError(t, err, "invalid WAL magic 0xdeadbeef")
}

type testWAL struct {
	buf          bytes.Buffer
	pageSize     int
	salt1, salt2 uint32
}

func newTestWAL(pageSize int, salt1, salt2 uint32) *testWAL {
	var w = &testWAL{pageSize: pageSize, salt1: salt1, salt2: salt2}
	var b [walHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], walMagicLE)
	binary.BigEndian.PutUint32(b[4:8], 3007000)
	binary.BigEndian.PutUint32(b[8:12], uint32(pageSize))
	binary.BigEndian.PutUint32(b[16:20], salt1)
	binary.BigEndian.PutUint32(b[20:24], salt2)
	w.buf.Write(b[:])
	return w
}

// frame appends a frame, which is a commit frame if |commitSize| != 0.
func (w *testWAL) frame(commitSize uint32) {
	w.frameWithSalts(commitSize, w.salt1, w.salt2)
}

func (w *testWAL) frameWithSalts(commitSize, salt1, salt2 uint32) {
	var b = make([]byte, walFrameHeaderSize+w.pageSize)
	binary.BigEndian.PutUint32(b[0:4], 1)
	binary.BigEndian.PutUint32(b[4:8], commitSize)
	binary.BigEndian.PutUint32(b[8:12], salt1)
	binary.BigEndian.PutUint32(b[12:16], salt2)
	w.buf.Write(b)
}

func (w *testWAL) size() int64 { return int64(w.buf.Len()) }

func (w *testWAL) reader() *bytes.Reader { return bytes.NewReader(w.buf.Bytes()) }
