// Package identifier implements the short, group-separated relay address
// token of spec §4.3: an (ipv4, port) pair, obfuscated and base32-encoded.
package identifier

import (
	"encoding/base32"
	"fmt"
	"net"
	"strconv"
	"strings"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/obfuscate"
)

// Alphabet is the base32 alphabet used for tokens (spec §4.3): it excludes
// easily-confused characters (I, O, 0, 1).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var encoding = base32.NewEncoding(Alphabet).WithPadding(base32.NoPadding)

// DefaultKey is the shared key used when no deployment-specific key is
// configured. Obfuscation carries no security claim (spec §4.2); this key
// only needs to match across relay and peers of the same deployment.
var DefaultKey = [obfuscate.KeySize]byte{
	0x4B, 0x32, 0x44, 0x52, 0x54, 0x6F, 0x6B, 0x65,
	0x6E, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
}

// Encode builds an identifier token for an IPv4 endpoint using key.
func Encode(ip net.IP, port uint16, key [obfuscate.KeySize]byte) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", deskerrors.New(deskerrors.KindProtocol, "identifier: not an IPv4 address")
	}
	buf := make([]byte, 8)
	copy(buf[0:4], v4)
	buf[4] = byte(port >> 8)
	buf[5] = byte(port)
	var x byte
	for i := 0; i < 6; i++ {
		x ^= buf[i]
	}
	buf[6] = x
	buf[7] = 0x2A

	enc := obfuscate.Encrypt(buf, key, 0)
	raw := encoding.EncodeToString(enc)
	return groupWithDashes(raw), nil
}

// Decode parses a token produced by Encode (or an equivalent legacy peer),
// validating structure and the XOR checksum byte before returning anything
// derived from it, per spec §4.3 ("Validation MUST precede any use of the
// result").
func Decode(token string, key [obfuscate.KeySize]byte) (net.IP, uint16, error) {
	stripped := strings.ToUpper(strings.ReplaceAll(token, "-", ""))
	if len(stripped) < 10 || len(stripped) > 16 {
		return nil, 0, deskerrors.New(deskerrors.KindProtocol, "identifier: bad token length")
	}
	for _, r := range stripped {
		if !strings.ContainsRune(Alphabet, r) {
			return nil, 0, deskerrors.New(deskerrors.KindProtocol, "identifier: invalid character")
		}
	}
	raw, err := encoding.DecodeString(stripped)
	if err != nil {
		return nil, 0, deskerrors.Wrap(deskerrors.KindProtocol, err, "identifier: base32 decode")
	}
	if len(raw) != 8 {
		return nil, 0, deskerrors.New(deskerrors.KindProtocol, "identifier: bad decoded length")
	}
	dec := obfuscate.Decrypt(raw, key, 0)

	var x byte
	for i := 0; i < 6; i++ {
		x ^= dec[i]
	}
	if x != dec[6] {
		return nil, 0, deskerrors.New(deskerrors.KindProtocol, "identifier: checksum mismatch")
	}
	ip := net.IPv4(dec[0], dec[1], dec[2], dec[3])
	port := uint16(dec[4])<<8 | uint16(dec[5])
	return ip, port, nil
}

// IsToken reports whether s looks like an identifier token rather than a
// host:port literal, per the parsing rule in spec §6 ("Relay address
// input"): a colon followed by a valid port number means literal; otherwise
// token validation applies.
func IsToken(s string) bool {
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		if port, err := strconv.Atoi(s[idx+1:]); err == nil && port >= 1 && port <= 65535 {
			return false
		}
	}
	return true
}

// groupWithDashes emits the base32 string in groups of 4 separated by '-',
// matching the "XXXX-XXXX-XXXX-X" layout of spec §6.
func groupWithDashes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += 4 {
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

// FormatEndpoint renders a human-facing "host:port" string, used by the
// relay-address-input parser's literal branch.
func FormatEndpoint(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}
