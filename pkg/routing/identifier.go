// pkg/routing/identifier.go
package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// IdentifierSize is the length in bytes of a ring position.
const IdentifierSize = 32

// Identifier is a position on the 2^256 ring. The zero value is position 0.
type Identifier struct {
	v uint256.Int
}

// NewIdentifier interprets b as a big-endian 256-bit integer.
func NewIdentifier(b [IdentifierSize]byte) Identifier {
	var id Identifier
	id.v.SetBytes32(b[:])
	return id
}

// GenerateIdentifier hashes b with SHA-256 and uses the digest as the position.
func GenerateIdentifier(b []byte) Identifier {
	return NewIdentifier(sha256.Sum256(b))
}

// ParseIdentifier decodes a 64 character hex string.
func ParseIdentifier(s string) (Identifier, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Identifier{}, fmt.Errorf("invalid identifier: %w", err)
	}
	if len(raw) != IdentifierSize {
		return Identifier{}, fmt.Errorf("invalid identifier: got %d bytes, want %d", len(raw), IdentifierSize)
	}
	var b [IdentifierSize]byte
	copy(b[:], raw)
	return NewIdentifier(b), nil
}

// IsBetween reports whether id lies on the clockwise arc (first, second].
// Both distances are taken modulo 2^256, so the arc may wrap past zero.
func (id Identifier) IsBetween(first, second Identifier) bool {
	var toSecond, span uint256.Int
	toSecond.Sub(&second.v, &id.v)
	span.Sub(&second.v, &first.v)
	return toSecond.Lt(&span)
}

// Bytes returns the canonical big-endian form.
func (id Identifier) Bytes() [IdentifierSize]byte {
	return id.v.Bytes32()
}

func (id Identifier) Equal(other Identifier) bool {
	return id.v.Eq(&other.v)
}

// Cmp orders identifiers as plain integers. Only useful for sorting; ring
// decisions go through IsBetween.
func (id Identifier) Cmp(other Identifier) int {
	return id.v.Cmp(&other.v)
}

// AddPowerOfTwo returns (id + 2^i) mod 2^256, the start of finger i.
func (id Identifier) AddPowerOfTwo(i int) Identifier {
	var step, out uint256.Int
	step.Lsh(uint256.NewInt(1), uint(i))
	out.Add(&id.v, &step)
	return Identifier{v: out}
}

func (id Identifier) String() string {
	b := id.Bytes()
	return hex.EncodeToString(b[:])
}

// Short is the first eight hex digits, for log lines.
func (id Identifier) Short() string {
	return id.String()[:8]
}
