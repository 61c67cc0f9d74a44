package obfuscate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testKey = [KeySize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func TestInvolution(t *testing.T) {
	samples := [][]byte{
		{},
		{0x00},
		{0xFF, 0xFF, 0xFF},
		[]byte("the quick brown fox jumps over the lazy dog"),
	}
	for _, s := range samples {
		for _, start := range []int{0, 1, 7, 256, 1000} {
			enc := Encrypt(s, testKey, start)
			dec := Decrypt(enc, testKey, start)
			require.Equal(t, s, dec)
		}
	}
}

func TestSBoxIsBijective(t *testing.T) {
	seen := map[byte]bool{}
	for i := 0; i < 256; i++ {
		seen[sbox[byte(i)]] = true
	}
	require.Len(t, seen, 256)
}
