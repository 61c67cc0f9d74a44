package identifier

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		ip   net.IP
		port uint16
	}{
		{net.IPv4(1, 2, 3, 4), 1},
		{net.IPv4(192, 168, 0, 1), 5901},
		{net.IPv4(255, 255, 255, 255), 65535},
		{net.IPv4(0, 0, 0, 0), 80},
	}
	for _, c := range cases {
		tok, err := Encode(c.ip, c.port, DefaultKey)
		require.NoError(t, err)
		require.Regexp(t, `^[A-Z0-9-]{10,}$`, tok)

		gotIP, gotPort, err := Decode(tok, DefaultKey)
		require.NoError(t, err)
		require.True(t, gotIP.Equal(c.ip))
		require.Equal(t, c.port, gotPort)
	}
}

func TestTokenFormatIsGrouped(t *testing.T) {
	tok, err := Encode(net.IPv4(10, 0, 0, 1), 4000, DefaultKey)
	require.NoError(t, err)
	require.Len(t, tok, 16) // 13 chars + 3 dashes for a 13-char base32 body
}

func TestSingleCharEditRejectsOrDiffers(t *testing.T) {
	tok, err := Encode(net.IPv4(8, 8, 8, 8), 53, DefaultKey)
	require.NoError(t, err)
	stripped := []rune(tok)
	for i, r := range stripped {
		if r == '-' {
			continue
		}
		mutated := append([]rune(nil), stripped...)
		// Swap to a different alphabet character.
		for _, c := range Alphabet {
			if c != r {
				mutated[i] = c
				break
			}
		}
		mutTok := string(mutated)
		ip, port, err := Decode(mutTok, DefaultKey)
		if err == nil {
			// Must not silently decode to the same (host, port).
			origIP, origPort, _ := Decode(tok, DefaultKey)
			require.False(t, ip.Equal(origIP) && port == origPort)
		}
	}
}

func TestIsToken(t *testing.T) {
	require.False(t, IsToken("example.com:5901"))
	require.False(t, IsToken("10.0.0.1:80"))
	require.True(t, IsToken("ABCD-EFGH-JKLM-N"))
	require.True(t, IsToken("not-a-host-or-token"))
}

func TestDecodeRejectsBadLength(t *testing.T) {
	_, _, err := Decode("AB", DefaultKey)
	require.Error(t, err)
}
