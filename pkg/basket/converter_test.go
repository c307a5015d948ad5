package basket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDec40SeqPath(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"291.1.3", "/expdsk/1/baskets/a/0/000/000/291.1.3"},
		{"4567890.1.2", "/expdsk/1/baskets/a/0/004/567/4567890.1.2"},
		{"1234567890123.0.1", "/expdsk/0/baskets/a/1234/567/890/1234567890123.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Dec40Seq{}.Path("/expdsk", MustParse(tt.key)))
		})
	}
}

func TestHex64SeqPath(t *testing.T) {
	k := Key{Content: 0x1234, Type: 2, Revision: 1}
	assert.Equal(t, "/data/2/baskets/a/0/000/000/000/001/0000000000001234.2.1", Hex64Seq{}.Path("/data", k))
	assert.Equal(t, "0x0000000000001234.2.1", Hex64Seq{}.String(k))

	k = Key{Content: 0xfedcba9876543210, Type: 1, Revision: 9}
	assert.Equal(t, "/d/1/baskets/a/f/edc/ba9/876/543/fedcba9876543210.1.9", Hex64Seq{}.Path("/d", k))
}

func TestNewConverterTable(t *testing.T) {
	table, err := NewConverterTable(map[string]string{
		"Dec40Seq": "0-999",
		"Hex64Seq": "1000-1999, 5000",
	})
	require.NoError(t, err)

	assert.Equal(t, "Dec40Seq", table.Lookup(0).Name())
	assert.Equal(t, "Dec40Seq", table.Lookup(999).Name())
	assert.Equal(t, "Hex64Seq", table.Lookup(1000).Name())
	assert.Equal(t, "Hex64Seq", table.Lookup(5000).Name())
	// Uncovered types use the fallback.
	assert.Equal(t, "Dec40Seq", table.Lookup(4999).Name())
	assert.Equal(t, "Dec40Seq", table.Lookup(70000).Name())
}

func TestNewConverterTableErrors(t *testing.T) {
	tests := []struct {
		name string
		spec map[string]string
	}{
		{"overlap", map[string]string{"Dec40Seq": "0-100", "Hex64Seq": "100-200"}},
		{"self overlap", map[string]string{"Dec40Seq": "0-100,50"}},
		{"unknown", map[string]string{"Oct32Seq": "0-1"}},
		{"reversed", map[string]string{"Dec40Seq": "10-1"}},
		{"garbage", map[string]string{"Dec40Seq": "x-y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConverterTable(tt.spec)
			require.Error(t, err)
			var ce *ConfigError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestConverterTableEmptyRange(t *testing.T) {
	table, err := NewConverterTable(map[string]string{"Dec40Seq": "0-65535", "Hex64Seq": ""})
	require.NoError(t, err)
	assert.Equal(t, "Dec40Seq", table.Lookup(1).Name())
}

func TestConverterTableBaseDir(t *testing.T) {
	table := DefaultConverterTable()
	k := MustParse("291.1.3")

	base, ok := table.BaseDir("/expdsk/1/baskets/a/0/000/000/291.1.3", k)
	require.True(t, ok)
	assert.Equal(t, "/expdsk", base)

	_, ok = table.BaseDir("/somewhere/else", k)
	assert.False(t, ok)

	assert.Equal(t, "291.1.3", table.String(k))
	assert.Equal(t, "/mnt/1/baskets/a/0/000/000/291.1.3", table.Path("/mnt", k))
}
