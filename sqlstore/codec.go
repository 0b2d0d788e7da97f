package sqlstore

import (
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compressPayload(update string) []byte {
	return zstdEncoder.EncodeAll([]byte(update), nil)
}

func decompressPayload(data []byte) (string, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// payloadHash identifies an update in history together with its timestamp
func payloadHash(update string) int64 {
	return int64(xxhash.Sum64String(update))
}
