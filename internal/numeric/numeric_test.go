package numeric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBase64URLEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("hello, world"),
		{0x00, 0x01, 0xff, 0xfe, 0x10},
	}

	for _, data := range cases {
		encoded := Base64URLEncode(data)
		assert.NotContains(t, encoded, "=")
		assert.NotContains(t, encoded, "+")
		assert.NotContains(t, encoded, "/")

		decoded, err := Base64URLDecode(encoded)
		assert.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestBase64URLDecodeRejectsPadding(t *testing.T) {
	_, err := Base64URLDecode("aGVsbG8=")
	assert.Error(t, err)
}

func TestEncodeToNumericDigitPairs(t *testing.T) {
	// 'shlink:/' base64url encoded, but numeric encoding operates on the
	// raw JWS compact string's characters per spec: each char c maps to
	// two decimal digits ord(c)-45.
	numeric, err := EncodeToNumeric("-.")
	assert := assert.New(t)
	assert.NoError(err)
	assert.Equal("0001", numeric)
}

func TestDecodeFromNumericRoundTrip(t *testing.T) {
	assert := assert.New(t)

	input := "abcdefghij.-_0123456789"
	numeric, err := EncodeToNumeric(input)
	assert.NoError(err)
	assert.Len(numeric, len(input)*2)

	decoded, err := DecodeFromNumeric(numeric)
	assert.NoError(err)
	assert.Equal(input, decoded)
}

func TestEncodeToNumericRejectsOutOfRangeChars(t *testing.T) {
	_, err := EncodeToNumeric(string(rune(44)))
	assert.Error(t, err)
}

func TestDecodeFromNumericRejectsOddLength(t *testing.T) {
	_, err := DecodeFromNumeric("123")
	assert.Error(t, err)
}
