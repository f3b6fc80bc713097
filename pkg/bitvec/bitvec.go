// Package bitvec packs ordered single-bit sequences into byte buffers the way
// XVC carries TMS, TDI and TDO vectors: bit 0 is the least-significant bit of
// byte 0 and is clocked first.
package bitvec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/boljen/go-bitmap"
)

// ErrTruncatedInput reports a buffer too short for the requested bit count.
var ErrTruncatedInput = errors.New("bitvec: truncated input")

// Vector is an ordered sequence of n bits backed by ByteLen(n) bytes.
// Bits past n in the final byte are always zero.
type Vector struct {
	n    int
	data []byte
}

// ByteLen returns ceil(n/8), the number of bytes needed to hold n bits.
func ByteLen(n int) int {
	return (n + 7) / 8
}

// New returns an all-zero vector of n bits.
func New(n int) Vector {
	if n < 0 {
		n = 0
	}
	return Vector{n: n, data: make([]byte, ByteLen(n))}
}

// Decode reads n bits from b. Only the first ByteLen(n) bytes are consulted
// and high bits of the final byte beyond n are ignored.
func Decode(b []byte, n int) (Vector, error) {
	if n < 0 {
		return Vector{}, fmt.Errorf("bitvec: negative bit count %d", n)
	}
	need := ByteLen(n)
	if len(b) < need {
		return Vector{}, fmt.Errorf("%w: need %d bytes for %d bits, have %d", ErrTruncatedInput, need, n, len(b))
	}
	v := Vector{n: n, data: make([]byte, need)}
	copy(v.data, b[:need])
	v.maskTail()
	return v, nil
}

// FromBools builds a vector whose bit i is bits[i].
func FromBools(bits []bool) Vector {
	v := New(len(bits))
	for i, bit := range bits {
		if bit {
			bitmap.Set(v.data, i, true)
		}
	}
	return v
}

// Ones returns a vector of n set bits.
func Ones(n int) Vector {
	v := New(n)
	for i := range v.data {
		v.data[i] = 0xFF
	}
	v.maskTail()
	return v
}

// Len reports the number of bits.
func (v Vector) Len() int {
	return v.n
}

// Bit returns bit i. It panics when i is out of range.
func (v Vector) Bit(i int) bool {
	if i < 0 || i >= v.n {
		panic(fmt.Sprintf("bitvec: index %d out of range [0,%d)", i, v.n))
	}
	return bitmap.Get(v.data, i)
}

// SetBit assigns bit i. It panics when i is out of range.
func (v Vector) SetBit(i int, on bool) {
	if i < 0 || i >= v.n {
		panic(fmt.Sprintf("bitvec: index %d out of range [0,%d)", i, v.n))
	}
	bitmap.Set(v.data, i, on)
}

// Encode returns the packed form: ByteLen(n) bytes with unused high bits of
// the last byte cleared. The returned slice is a copy.
func (v Vector) Encode() []byte {
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

// Bools expands the vector into one bool per bit.
func (v Vector) Bools() []bool {
	out := make([]bool, v.n)
	for i := range out {
		out[i] = bitmap.Get(v.data, i)
	}
	return out
}

// Slice returns bits [from, to) as a new vector.
func (v Vector) Slice(from, to int) Vector {
	if from < 0 || to > v.n || from > to {
		panic(fmt.Sprintf("bitvec: slice [%d:%d] out of range for %d bits", from, to, v.n))
	}
	out := New(to - from)
	for i := from; i < to; i++ {
		if bitmap.Get(v.data, i) {
			bitmap.Set(out.data, i-from, true)
		}
	}
	return out
}

// Equal reports whether both vectors hold the same bits.
func (v Vector) Equal(o Vector) bool {
	if v.n != o.n {
		return false
	}
	for i := range v.data {
		if v.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// String renders the bits in clock order, bit 0 first.
func (v Vector) String() string {
	var sb strings.Builder
	sb.Grow(v.n)
	for i := 0; i < v.n; i++ {
		if bitmap.Get(v.data, i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func (v Vector) maskTail() {
	if rem := v.n % 8; rem != 0 {
		v.data[len(v.data)-1] &= byte(1<<rem) - 1
	}
}
