package lend

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/luxfi/ids"
	"golang.org/x/crypto/sha3"
)

// DeriveIdentity derives a ledger identity from a public key: the last
// 20 bytes of the key's Keccak-256 digest, the same scheme EVM
// addresses use.
func DeriveIdentity(pub []byte) ids.ShortID {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	id, _ := ids.ToShortID(sum[12:])
	return id
}

// ParseIdentity parses a 0x-prefixed 40-hex-digit identity.
func ParseIdentity(s string) (ids.ShortID, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return ids.ShortID{}, fmt.Errorf("invalid identity %q: %v", s, err)
	}
	id, err := ids.ToShortID(b)
	if err != nil {
		return ids.ShortID{}, fmt.Errorf("invalid identity %q: %v", s, err)
	}
	return id, nil
}

// FormatIdentity renders an identity as 0x-prefixed hex.
func FormatIdentity(id ids.ShortID) string {
	return "0x" + hex.EncodeToString(id.Bytes())
}
