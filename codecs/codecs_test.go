package codecs

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripAndSniffing(t *testing.T) {
	var content = strings.Repeat("SQLite format 3\x00 some page content ", 512)

	for _, codec := range []Codec{None, Gzip, Snappy, Zstandard} {
		var buf bytes.Buffer

		var w, err = NewCodecWriter(&buf, codec)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		if codec != None {
			require.Less(t, buf.Len(), len(content), codec.String())
		}

		// Read back under the explicit codec.
		r, err := NewCodecReader(bytes.NewReader(buf.Bytes()), codec)
		require.NoError(t, err)
		b, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.Equal(t, content, string(b))

		// And again, detecting the codec from the stream.
		r, sniffed, err := NewSniffingReader(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, codec, sniffed)
		b, err = io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, content, string(b))
	}
}

func TestSniffingEmptyAndShortStreams(t *testing.T) {
	for _, content := range []string{"", "a", "\x1f"} {
		var r, codec, err = NewSniffingReader(strings.NewReader(content))
		require.NoError(t, err)
		require.Equal(t, None, codec)

		b, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, content, string(b))
	}
}

func TestParseCodec(t *testing.T) {
	for _, codec := range []Codec{None, Gzip, Snappy, Zstandard} {
		var parsed, err = ParseCodec(strings.ToLower(codec.String()))
		require.NoError(t, err)
		require.Equal(t, codec, parsed)
	}
	var _, err = ParseCodec("lz4")
	require.EqualError(t, err, `unknown codec "lz4"`)

	var c Codec
	require.NoError(t, c.UnmarshalFlag("snappy"))
	require.Equal(t, Snappy, c)
	require.Equal(t, "Codec(9)", Codec(9).String())

	_, err = NewCodecWriter(io.Discard, Codec(9))
	require.EqualError(t, err, "unsupported codec Codec(9)")
}
