package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// payloadSample stands in for a generated call-argument struct; it is
// round-tripped through every Encoding whose codec accepts plain structs
// (not EncodingProtocolBuffers, which requires a proto.Message).
type payloadSample struct {
	Name   string
	Values []int64
}

// TestCodecRoundTrip verifies that for each struct-accepting encoding,
// decode(encode(x)) == x.
func TestCodecRoundTrip(t *testing.T) {
	encodings := []Encoding{EncodingYASBinary, EncodingYASCompressedBinary, EncodingYASJSON}
	sample := payloadSample{Name: "three-zone-hop", Values: []int64{1, 2, 3, 5, 8}}

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			data, err := Marshal(enc, sample)
			require.NoError(t, err)

			var out payloadSample
			require.NoError(t, Unmarshal(enc, data, &out))
			assert.Equal(t, sample, out)
		})
	}
}

func TestPrefixRoundTrip(t *testing.T) {
	p := Prefix{ProtocolVersion: 3, Direction: DirectionReply, SequenceNumber: 42, PayloadSize: 128}
	buf := EncodePrefix(p)
	out, err := DecodePrefix(buf)
	require.NoError(t, err)
	assert.Equal(t, p, out)
}

func TestDecodeEnvelopeFingerprintMismatch(t *testing.T) {
	env, err := EncodeEnvelope(Fingerprint("payloadSample", 1), EncodingYASJSON, payloadSample{Name: "x"})
	require.NoError(t, err)

	var out payloadSample
	err = DecodeEnvelope(env, Fingerprint("payloadSample", 2), &out)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidData, CodeOf(err))
}
