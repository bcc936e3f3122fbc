package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Sequence is an unsigned 256-bit integer stored big-endian. The fixed array
// keeps it comparable so it can key maps directly.
type Sequence [32]byte

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// SequenceFromUint64 widens n into a Sequence.
func SequenceFromUint64(n uint64) Sequence {
	var s Sequence
	binary.BigEndian.PutUint64(s[24:], n)
	return s
}

// SequenceFromBig converts b, refusing negative values and values wider than
// 256 bits.
func SequenceFromBig(b *big.Int) (Sequence, error) {
	var s Sequence
	if b == nil || b.Sign() < 0 {
		return s, fmt.Errorf("sequence must be non-negative")
	}
	if b.Cmp(maxUint256) > 0 {
		return s, fmt.Errorf("sequence exceeds 256 bits")
	}
	b.FillBytes(s[:])
	return s, nil
}

// ParseSequence reads a base-10 sequence.
func ParseSequence(text string) (Sequence, error) {
	b, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return Sequence{}, fmt.Errorf("sequence %q is not a decimal integer", text)
	}
	return SequenceFromBig(b)
}

// Big returns the value as a fresh big.Int.
func (s Sequence) Big() *big.Int { return new(big.Int).SetBytes(s[:]) }

// Uint64 reports the value and whether it fits in 64 bits.
func (s Sequence) Uint64() (uint64, bool) {
	for _, b := range s[:24] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(s[24:]), true
}

// Cmp compares numerically; big-endian byte order matches numeric order.
func (s Sequence) Cmp(o Sequence) int { return bytes.Compare(s[:], o[:]) }

// Next returns s+1, wrapping to zero past the maximum.
func (s Sequence) Next() Sequence {
	for i := len(s) - 1; i >= 0; i-- {
		s[i]++
		if s[i] != 0 {
			break
		}
	}
	return s
}

func (s Sequence) String() string { return s.Big().String() }

// MarshalText keeps JSON output readable for values beyond float precision.
func (s Sequence) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Sequence) UnmarshalText(text []byte) error {
	v, err := ParseSequence(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
