package keyfragment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBitsGetBits(t *testing.T) {
	f := FromBits(0b1011, 4)
	require.Equal(t, 4, f.Bits())

	v, err := f.GetBits(4, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0b1011), v)

	v2, err := f.GetBits(2, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(0b11), v2)
}

func TestRemoveBitsIsPrefixPop(t *testing.T) {
	f := FromBits(0b10110, 5)
	rest := f.RemoveBits(2)
	require.Equal(t, 3, rest.Bits())

	v, err := rest.GetBits(3, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0b110), v)
}

func TestPrefixSuffix(t *testing.T) {
	f := FromBytes([]byte{0b10101010, 0b11110000})
	p := f.Prefix(4)
	v, _ := p.GetBits(4, 0)
	require.Equal(t, uint64(0b1010), v)

	s := f.Suffix(4)
	v2, _ := s.GetBits(4, 0)
	require.Equal(t, uint64(0b0000), v2)
}

func TestCommonPrefixLen(t *testing.T) {
	a := FromBytes([]byte{0xFF, 0x00})
	b := FromBytes([]byte{0xFF, 0x0F})
	require.Equal(t, 12, a.CommonPrefixLen(b))
}

func TestConcatInline(t *testing.T) {
	a := FromBits(0b101, 3)
	b := FromBits(0b01, 2)
	c := a.Concat(b)
	require.Equal(t, 5, c.Bits())

	v, _ := c.GetBits(5, 0)
	require.Equal(t, uint64(0b10101), v)
}

func TestConcatOverflowsToExternal(t *testing.T) {
	big := make([]byte, 10)
	for i := range big {
		big[i] = byte(i + 1)
	}
	a := FromBytes(big)
	b := FromBits(0b1, 1)
	c := a.Concat(b)
	require.Equal(t, 81, c.Bits())

	v, _ := c.GetBits(1, 80)
	require.Equal(t, uint64(1), v)
}

func TestCompareOrdersByBits(t *testing.T) {
	a := FromBits(0b10, 2)
	b := FromBits(0b11, 2)
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestComparePrefixSortsFirst(t *testing.T) {
	short := FromBits(0b10, 2)
	long := FromBits(0b101, 3)
	require.Equal(t, -1, short.Compare(long))
}

func TestEqual(t *testing.T) {
	a := FromBytes([]byte{0xAB, 0xCD})
	b := FromBytes([]byte{0xAB, 0xCD})
	require.True(t, a.Equal(b))

	c := FromBytes([]byte{0xAB, 0xCE})
	require.False(t, a.Equal(c))
}

func TestCopyReprRefcount(t *testing.T) {
	big := make([]byte, 9)
	f := FromBytes(big)
	g := f.CopyRepr()
	require.Equal(t, int32(2), f.ext.refs)
	g.DeallocRepr()
	require.Equal(t, int32(1), f.ext.refs)
}

func TestBytesRoundTrip(t *testing.T) {
	in := []byte{0x12, 0x34, 0x56}
	f := FromBytes(in)
	require.Equal(t, in, f.Bytes())
}
