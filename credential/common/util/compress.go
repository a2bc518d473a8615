package util

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// maxDecompressed bounds the size of an inflated status list.
const maxDecompressed = 16 << 20

// Compress gzips data.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress gunzips data.
func Decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	defer gz.Close()

	out, err := io.ReadAll(io.LimitReader(gz, maxDecompressed+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(out) > maxDecompressed {
		return nil, fmt.Errorf("failed to decompress: output exceeds %d bytes", maxDecompressed)
	}
	return out, nil
}

// CompressToBase64URL gzips data and encodes it as unpadded base64url, the
// encoding of a bitstring status list.
func CompressToBase64URL(data []byte) (string, error) {
	compressed, err := Compress(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(compressed), nil
}

// DecompressFromBase64URL reverses CompressToBase64URL. A multibase "u"
// prefix is accepted.
func DecompressFromBase64URL(data string) ([]byte, error) {
	if len(data) > 0 && data[0] == 'u' {
		if out, err := decodeAndInflate(data[1:]); err == nil {
			return out, nil
		}
	}
	return decodeAndInflate(data)
}

func decodeAndInflate(data string) ([]byte, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64url: %w", err)
	}
	return Decompress(compressed)
}
