// Package compression encodes stored snapshot content. Readers detect the
// codec from the data itself, so the configured codec can change without
// rewriting existing blobs. Uncompressed data that would be mistaken for a
// compressed frame is stored behind a raw marker.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec names a compression format.
type Codec string

const (
	None Codec = "none"
	Gzip Codec = "gzip"
	Zstd Codec = "zstd"
	// Raw is uncompressed data framed by rawMagic.
	Raw Codec = "raw"
)

// DefaultLevel is used when a codec is configured with level 0.
const DefaultLevel = 6

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	rawMagic  = []byte{0x00, 't', 'r', 'w'}
)

// Compressor encodes blobs with one codec. A nil Compressor stores data as
// given.
type Compressor struct {
	codec Codec
	level int
	enc   *zstd.Encoder
}

// Plain returns a compressor that stores data unchanged.
func Plain() *Compressor {
	return &Compressor{codec: None}
}

// New builds a compressor from the blobs.compression setting and a level.
// gzip levels are clamped to 1..9; zstd levels follow the zstd command line
// scale.
func New(kind string, level int) (*Compressor, error) {
	if level <= 0 {
		level = DefaultLevel
	}
	switch Codec(strings.ToLower(kind)) {
	case "", None:
		return Plain(), nil
	case Gzip:
		return &Compressor{codec: Gzip, level: min(level, gzip.BestCompression)}, nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return &Compressor{codec: Zstd, level: level, enc: enc}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q (none, gzip or zstd)", kind)
	}
}

// Codec reports the codec new blobs are written with.
func (c *Compressor) Codec() Codec {
	if c == nil {
		return None
	}
	return c.codec
}

func (c *Compressor) String() string {
	if c.Codec() == None {
		return string(None)
	}
	return fmt.Sprintf("%s-%d", c.codec, c.level)
}

// Compress encodes data with the configured codec.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.Codec() {
	case Gzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, c.level)
		if err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		if Detect(data) == None {
			return data, nil
		}
		return append(append(make([]byte, 0, len(rawMagic)+len(data)), rawMagic...), data...), nil
	}
}

// Detect reports the codec data was written with. Data without a known
// header is reported as None.
func Detect(data []byte) Codec {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return Gzip
	case bytes.HasPrefix(data, zstdMagic):
		return Zstd
	case bytes.HasPrefix(data, rawMagic):
		return Raw
	default:
		return None
	}
}

var decoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// Decompress reverses Compress for any codec. Data without a known header
// is returned as is.
func Decompress(data []byte) ([]byte, error) {
	switch Detect(data) {
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	case Zstd:
		dec, err := decoder()
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd read: %w", err)
		}
		return out, nil
	case Raw:
		return data[len(rawMagic):], nil
	default:
		return data, nil
	}
}
