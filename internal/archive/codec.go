package archive

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder and decoder; EncodeAll and DecodeAll are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic(fmt.Sprintf("archive: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("archive: zstd decoder: %v", err))
	}
}

// Body encodings stored in archived_items.encoding.
const (
	encodingPlain = "plain"
	encodingZstd  = "zstd"
)

// encode compresses text, falling back to plain storage when zstd does not
// shrink it.
func encode(text string) ([]byte, string) {
	raw := []byte(text)
	compressed := zstdEncoder.EncodeAll(raw, nil)
	if len(compressed) >= len(raw) {
		return raw, encodingPlain
	}
	return compressed, encodingZstd
}

func decode(body []byte, encoding string, rawSize int) (string, error) {
	switch encoding {
	case encodingPlain:
		return string(body), nil
	case encodingZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, rawSize))
		if err != nil {
			return "", fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return "", fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return string(out), nil
	}
	return "", fmt.Errorf("unknown body encoding %q", encoding)
}
