package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressCodecRoundTrip(t *testing.T) {
	codec := CompressCodec{}
	in := map[string]any{
		"args":   []any{"show clock", float64(42)},
		"nested": map[string]any{"a": true, "b": nil},
	}
	blob, err := codec.Encode(in)
	require.NoError(t, err)
	// stored payload must be printable base64
	for _, c := range blob {
		assert.True(t, c == '+' || c == '/' || c == '=' ||
			(c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'))
	}

	var out map[string]any
	require.NoError(t, codec.Decode(blob, &out))
	assert.Equal(t, in, out)
}

func TestCompressCodecEmptyPayload(t *testing.T) {
	var out map[string]any
	require.NoError(t, CompressCodec{}.Decode("", &out))
	assert.Nil(t, out)
}

func TestCompressCodecRejectsGarbage(t *testing.T) {
	var out map[string]any
	assert.Error(t, CompressCodec{}.Decode("not base64 at all!!", &out))
	assert.Error(t, CompressCodec{}.Decode("aGVsbG8=", &out)) // base64 but not zlib
}

func TestPlainCodecRoundTrip(t *testing.T) {
	codec := PlainCodec{}
	blob, err := codec.Encode([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, blob)

	var out []any
	require.NoError(t, codec.Decode(blob, &out))
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestMarshalSetSorts(t *testing.T) {
	assert.Equal(t, `["w1","w2","w3"]`, marshalSet([]string{"w3", "w1", "w2"}))
	assert.Equal(t, []string{"w1", "w2"}, unmarshalSet(`["w1","w2"]`))
	assert.Equal(t, []string{}, unmarshalSet(""))
}
