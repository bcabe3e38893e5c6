package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const compressionZstd = "zstd"

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// decoder serve every cache.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompress(method string, blob []byte) ([]byte, error) {
	switch method {
	case "":
		return blob, nil
	case compressionZstd:
		return zstdDecoder.DecodeAll(blob, nil)
	}
	return nil, fmt.Errorf("unknown compression %q", method)
}
