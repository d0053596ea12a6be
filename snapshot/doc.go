// Package snapshot defines the on-disk representation of continuous database
// snapshots, and offline operations to collect, verify and restore them.
//
// # Format
//
// A snapshot generation is an index file and a sequence of companion chunk
// files. The index file begins with a fixed header:
//
//	bytes 0-14:  Signature ("SQLITESNAPSHOT\x00")
//	byte  15:    format Version (2)
//	bytes 16-19: little-endian int32 length N of the database path
//	N bytes:     path of the captured database, without terminator
//
// and is followed by a sequence of 40-byte frame records, each a little-endian
// int64 Unix-nanosecond timestamp and a 32-byte SHA-256 sum. Frame k of the
// index describes chunk k, a file named after the index file with a suffix of
// "." and k formatted as 16 zero-padded digits. Chunk 0 is the full image of
// the database file, and each chunk k >= 1 is the write-ahead log captured
// from its first byte through the checkpoint which closed the chunk. Chunks
// are compressed (see package codecs) and the sum of a frame is taken over
// its chunk's uncompressed content. Chunks without a frame are incomplete and
// are ignored.
//
// A generation is restored to frame k by writing chunk 0 as the database
// file, and then for each chunk 1 through k in turn writing it as the
// database's "-wal" file and letting SQLite replay and checkpoint it.
package snapshot
