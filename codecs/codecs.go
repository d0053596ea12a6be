// Package codecs provides compressing writers and decompressing readers over
// byte streams, under a selectable Codec.
package codecs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec is a compression codec of a byte stream.
type Codec int

const (
	// None passes content through without compression.
	None Codec = iota
	// Gzip compresses with RFC 1952 gzip.
	Gzip
	// Snappy compresses with the snappy framing format.
	Snappy
	// Zstandard compresses with zstd. It's available only if enabled at
	// compile time (see zstandard_enable.go).
	Zstandard
)

var codecNames = map[Codec]string{
	None:      "NONE",
	Gzip:      "GZIP",
	Snappy:    "SNAPPY",
	Zstandard: "ZSTANDARD",
}

func (c Codec) String() string {
	if s, ok := codecNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Codec(%d)", int(c))
}

// ParseCodec returns the Codec of case-insensitive |name|.
func ParseCodec(name string) (Codec, error) {
	for c, s := range codecNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return None, fmt.Errorf("unknown codec %q", name)
}

// UnmarshalFlag parses a Codec from a command-line flag or INI value.
func (c *Codec) UnmarshalFlag(value string) (err error) {
	*c, err = ParseCodec(value)
	return err
}

// MarshalFlag returns the flag representation of the Codec.
func (c Codec) MarshalFlag() (string, error) { return c.String(), nil }

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewSniffingReader inspects the leading magic bytes of Reader to determine
// its Codec, and returns a Decompressor of the Reader under that Codec.
// Content not matching a known magic is passed through as None.
func NewSniffingReader(r io.Reader) (Decompressor, Codec, error) {
	var br = bufio.NewReaderSize(r, 64)
	var peek, err = br.Peek(len(snappyMagic))

	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, None, err
	}

	var codec = None
	switch {
	case bytes.HasPrefix(peek, gzipMagic):
		codec = Gzip
	case bytes.HasPrefix(peek, zstdMagic):
		codec = Zstandard
	case bytes.HasPrefix(peek, snappyMagic):
		codec = Snappy
	}

	dec, err := NewCodecReader(br, codec)
	return dec, codec, err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")

	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
)
