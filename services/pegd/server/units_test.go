package server

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "0", FormatUnits(nil, 18))
	require.Equal(t, "1", FormatUnits(uint256.NewInt(1_000_000_000_000_000_000), 18))
	require.Equal(t, "0.005", FormatUnits(uint256.NewInt(5_000_000_000_000_000), 18))
	require.Equal(t, "24750", FormatUnits(uint256.NewInt(24750), 0))
}

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("1.5", 18)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", v.Dec())

	v, err = ParseUnits("42", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v.Uint64())

	_, err = ParseUnits("0.123", 2)
	require.Error(t, err)
	_, err = ParseUnits("-1", 18)
	require.Error(t, err)
	_, err = ParseUnits("abc", 18)
	require.Error(t, err)
}

func TestParseBaseUnits(t *testing.T) {
	v, err := ParseBaseUnits(" 1000 ")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), v.Uint64())
	_, err = ParseBaseUnits("")
	require.Error(t, err)
	_, err = ParseBaseUnits("1.5")
	require.Error(t, err)
}
