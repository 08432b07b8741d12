package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := make([]byte, AddressLength)
	raw[19] = 0x2a
	addr := NewAddress(AccountPrefix, raw)

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr, decoded)
	require.Equal(t, AccountPrefix, decoded.Prefix())
	require.False(t, decoded.IsZero())
}

func TestModuleAddressDeterministic(t *testing.T) {
	a := ModuleAddress("fees")
	b := ModuleAddress("fees")
	c := ModuleAddress("swap")
	require.Equal(t, a, b)
	require.False(t, a.Equal(c))
	require.Equal(t, ModulePrefix, a.Prefix())
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	_, err := DecodeAddress("not-an-address")
	require.Error(t, err)
}

func TestAddressRLPRoundTrip(t *testing.T) {
	raw := make([]byte, AddressLength)
	raw[0] = 0x7f
	addr := NewAddress(AccountPrefix, raw)

	encoded, err := rlp.EncodeToBytes(addr)
	require.NoError(t, err)
	var decoded Address
	require.NoError(t, rlp.DecodeBytes(encoded, &decoded))
	require.Equal(t, addr, decoded)

	encoded, err = rlp.EncodeToBytes(Address{})
	require.NoError(t, err)
	require.NoError(t, rlp.DecodeBytes(encoded, &decoded))
	require.True(t, decoded.IsZero())
}
