package basket

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Key
		wantErr bool
	}{
		{"1.2.3", Key{1, 2, 3}, false},
		{"0.0.1", Key{0, 0, 1}, false},
		{"0x10.0x2.0x3", Key{16, 2, 3}, false},
		{"0xFFFFFFFFFFFFFFFF.1.1", Key{math.MaxUint64, 1, 1}, false},
		{" 291.1.3 ", Key{291, 1, 3}, false},
		{"1.2.0", Key{}, true},
		{"1.2", Key{}, true},
		{"1.2.3.4", Key{}, true},
		{"", Key{}, true},
		{"a.1.1", Key{}, true},
		{"-1.1.1", Key{}, true},
		{"+1.1.1", Key{}, true},
		{"0x.1.1", Key{}, true},
		{"1..1", Key{}, true},
		{"1.4294967296.1", Key{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var pe *ParseError
				assert.True(t, errors.As(err, &pe))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	k, err := New(5, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "5.1.2", k.String())

	_, err = New(5, 1, 0)
	assert.Error(t, err)
}

func TestKeyStringRoundTrip(t *testing.T) {
	keys := []Key{
		{0, 0, 1},
		{1, 2, 3},
		{291, 1, 3},
		{4567890, 1, 2},
		{math.MaxUint64, math.MaxUint32, math.MaxUint32},
	}
	for _, k := range keys {
		got, err := Parse(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)

		// Both converters render forms that parse back to the same key.
		got, err = Parse(Hex64Seq{}.String(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
		got, err = Parse(Dec40Seq{}.String(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestKeyRevisions(t *testing.T) {
	k := MustParse("7.1.1")
	_, ok := k.PreviousRevision()
	assert.False(t, ok)

	next := k.NextRevision()
	assert.Equal(t, Key{7, 1, 2}, next)

	prev, ok := next.PreviousRevision()
	require.True(t, ok)
	assert.Equal(t, k, prev)
	assert.Equal(t, k.CT(), next.CT())
}

func TestKeyCompare(t *testing.T) {
	assert.Equal(t, 0, Key{1, 2, 3}.Compare(Key{1, 2, 3}))
	assert.Equal(t, -1, Key{1, 2, 3}.Compare(Key{2, 0, 1}))
	assert.Equal(t, -1, Key{1, 2, 3}.Compare(Key{1, 3, 1}))
	assert.Equal(t, 1, Key{1, 2, 4}.Compare(Key{1, 2, 3}))
}

func TestKeyJSON(t *testing.T) {
	type wrapper struct {
		Basket Key `json:"basket"`
	}
	data, err := json.Marshal(wrapper{Basket: Key{1, 2, 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"basket":"1.2.3"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"basket":"0x10.1.2"}`), &w))
	assert.Equal(t, Key{16, 1, 2}, w.Basket)

	assert.Error(t, json.Unmarshal([]byte(`{"basket":"1.1.0"}`), &w))
}
