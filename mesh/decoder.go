package mesh

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// maxDecodedBytes bounds decompressed payloads
const maxDecodedBytes = 64 << 20

// zstdMagic opens every zstd frame
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// DecodeScanData decodes an entity scan from any supported payload form:
//   - raw JSON (starts with '{' after optional whitespace)
//   - zstd-compressed JSON
//   - zlib-compressed JSON
func DecodeScanData(data []byte) (*Scan, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var jsonBytes []byte
	var err error

	switch {
	case IsZstd(data):
		jsonBytes, err = inflateZstd(data)
		if err != nil {
			return nil, fmt.Errorf("decompressing zstd payload: %w", err)
		}
	case looksLikeJSON(data):
		jsonBytes = data
	default:
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not JSON, zstd or zlib-compressed")
		}
	}

	if len(bytes.TrimSpace(jsonBytes)) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}

	return ParseScanJSON(jsonBytes)
}

// IsZstd checks if data starts with the zstd frame magic
func IsZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// inflateZstd decompresses a zstd stream
func inflateZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderMaxMemory(maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	return io.ReadAll(io.LimitReader(dec, maxDecodedBytes))
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}

// CompressScan encodes a scan as zstd-compressed JSON, the compact form
// accepted by DecodeScanData.
func CompressScan(s *Scan) ([]byte, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling scan: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}
