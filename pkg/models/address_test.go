package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	t.Run("accepts lowercase", func(t *testing.T) {
		require.NoError(t, ValidateAddress("0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"))
	})

	t.Run("accepts checksummed", func(t *testing.T) {
		require.NoError(t, ValidateAddress("0xDe0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"))
	})

	tests := []struct {
		name string
		addr string
	}{
		{"missing prefix", "de0b295669a9fd93d5f28d9ec85e40f4cb697bae"},
		{"too short", "0x1234"},
		{"too long", "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae00"},
		{"not hex", "0xzz0b295669a9fd93d5f28d9ec85e40f4cb697bae"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateAddress(tt.addr))
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t,
		"0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae",
		NormalizeAddress("0xDe0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"))
}
