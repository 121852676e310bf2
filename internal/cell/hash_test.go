package cell

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

func TestSum_MatchesBLAKE3(t *testing.T) {
	data := []byte("Hello, World!")
	want := blake3.Sum256(data)
	assert.Equal(t, Hash(want), Sum(data))
}

func TestHashFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{"empty", 0, true},
		{"short", 31, true},
		{"exact", 32, false},
		{"long", 33, true},
		{"double", 64, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, tt.length)
			for i := range b {
				b[i] = byte(i)
			}
			h, err := HashFromBytes(b)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidHash)
				assert.True(t, h.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, b, h.Bytes())
		})
	}
}

func TestParseHash(t *testing.T) {
	h := Sum([]byte("parse me"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash(h.String()[:62])
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = ParseHash(strings.Repeat("zz", 32))
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = ParseHash(".chunk-123.tmp")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestHash_JSON(t *testing.T) {
	h := Sum([]byte("json"))

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, `"`+h.String()+`"`, string(data))

	var decoded Hash
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, h, decoded)

	assert.ErrorIs(t, json.Unmarshal([]byte(`"abcd"`), &decoded), ErrInvalidHash)
}

func TestHash_Short(t *testing.T) {
	h := Sum([]byte("short"))
	assert.Len(t, h.Short(), 8)
	assert.True(t, strings.HasPrefix(h.String(), h.Short()))
}
