// Package align rounds addresses to power-of-two boundaries.
package align

import (
	"errors"
	"math/bits"
)

var (
	// ErrInvalidAlignment indicates an alignment of zero or one that is not a power of two.
	ErrInvalidAlignment = errors.New("align: alignment must be a non-zero power of two")

	// ErrOverflow indicates that rounding up would wrap past the top of the address space.
	ErrOverflow = errors.New("align: rounded address overflows")
)

// IsPowerOfTwo reports whether x is a non-zero power of two.
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}

// AlignDown returns the largest multiple of align that is <= addr.
func AlignDown(addr, align uintptr) (uintptr, error) {
	if !IsPowerOfTwo(align) {
		return 0, ErrInvalidAlignment
	}
	return addr &^ (align - 1), nil
}

// AlignUp returns the smallest multiple of align that is >= addr.
func AlignUp(addr, align uintptr) (uintptr, error) {
	if !IsPowerOfTwo(align) {
		return 0, ErrInvalidAlignment
	}
	sum, carry := bits.Add(uint(addr), uint(align-1), 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return uintptr(sum) &^ (align - 1), nil
}

// Log2 returns k such that 1<<k == x. x must be a power of two.
func Log2(x uintptr) uint {
	return uint(bits.TrailingZeros(uint(x)))
}

// CeilLog2 returns the smallest k such that 1<<k >= x. CeilLog2(0) and CeilLog2(1) are 0.
func CeilLog2(x uintptr) uint {
	if x <= 1 {
		return 0
	}
	return uint(bits.Len(uint(x - 1)))
}
