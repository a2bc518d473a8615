package util

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple string", input: []byte("Hello, World!")},
		{name: "empty", input: []byte{}},
		{name: "large", input: bytes.Repeat([]byte("status list "), 10000)},
		{name: "bitstring", input: make([]byte, 16*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := CompressToBase64URL(tt.input)
			require.NoError(t, err)
			assert.NotContains(t, encoded, "=")
			assert.NotContains(t, encoded, "+")

			decoded, err := DecompressFromBase64URL(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), len(decoded))
			assert.True(t, bytes.Equal(tt.input, decoded))
		})
	}
}

func TestDecompressFromBase64URL_MultibasePrefix(t *testing.T) {
	encoded, err := CompressToBase64URL([]byte{0x01, 0x80})
	require.NoError(t, err)

	decoded, err := DecompressFromBase64URL("u" + encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x80}, decoded)
}

func TestDecompressErrors(t *testing.T) {
	_, err := DecompressFromBase64URL("!!not base64!!")
	assert.ErrorContains(t, err, "base64url")

	_, err = DecompressFromBase64URL(base64.RawURLEncoding.EncodeToString([]byte("plain, not gzip")))
	assert.ErrorContains(t, err, "decompress")

	_, err = Decompress(nil)
	assert.Error(t, err)
}
