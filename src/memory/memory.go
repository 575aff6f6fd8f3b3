// Package memory provides the byte storage behind an arena.
//
// A Region maps the address range [Start, End) onto bytes. Regions created by
// Map are backed by an anonymous private mapping and their addresses are the
// real virtual addresses of the mapping. Regions created by New are backed by
// a Go slice and use a caller-chosen logical base, which lets tests and the
// simulator reproduce fixed ranges such as [0, 1024).
package memory

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/alexlewtschuk/palloc/src/alloc"
)

// WordSize is the size of the words read and written by LoadWord and StoreWord.
const WordSize = 8

// ErrEmptyRegion is returned by Map for a zero size.
var ErrEmptyRegion = errors.New("memory: region size must be greater than zero")

// Region is a contiguous, byte-addressable address range.
type Region struct {
	base   alloc.Addr
	data   []byte
	mapped bool
}

// Map creates a region over a fresh anonymous mapping of size bytes.
func Map(size uintptr) (*Region, error) {
	if size == 0 {
		return nil, ErrEmptyRegion
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	// The mapping is not managed by the Go heap, so its address is stable.
	return &Region{
		base:   alloc.Addr(uintptr(unsafe.Pointer(&data[0]))),
		data:   data,
		mapped: true,
	}, nil
}

// New creates a slice-backed region of size bytes starting at base.
func New(base alloc.Addr, size uintptr) *Region {
	return &Region{base: base, data: make([]byte, size)}
}

// Unmap releases a mapped region. It is a no-op for slice-backed or already
// released regions.
func (r *Region) Unmap() error {
	if r == nil || !r.mapped || r.data == nil {
		return nil
	}
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	r.data = nil
	r.mapped = false
	return nil
}

// Start returns the first address of the region.
func (r *Region) Start() alloc.Addr { return r.base }

// End returns the address one past the last byte of the region.
func (r *Region) End() alloc.Addr { return r.base + alloc.Addr(len(r.data)) }

// Size returns the length of the region in bytes.
func (r *Region) Size() uintptr { return uintptr(len(r.data)) }

// Mapped reports whether the region is backed by an OS mapping.
func (r *Region) Mapped() bool { return r.mapped }

// Contains reports whether [a, a+n) lies inside the region.
func (r *Region) Contains(a alloc.Addr, n uintptr) bool {
	if a < r.base {
		return false
	}
	off := uintptr(a - r.base)
	return off <= uintptr(len(r.data)) && n <= uintptr(len(r.data))-off
}

// Bytes returns the n bytes starting at a. The slice aliases the region.
func (r *Region) Bytes(a alloc.Addr, n uintptr) []byte {
	off := r.offset("bytes", a, n)
	return r.data[off : off+n : off+n]
}

// LoadWord reads the native-endian word stored at a.
func (r *Region) LoadWord(a alloc.Addr) alloc.Addr {
	off := r.offset("load", a, WordSize)
	return alloc.Addr(binary.NativeEndian.Uint64(r.data[off:]))
}

// StoreWord writes v as a native-endian word at a.
func (r *Region) StoreWord(a, v alloc.Addr) {
	off := r.offset("store", a, WordSize)
	binary.NativeEndian.PutUint64(r.data[off:], uint64(v))
}

func (r *Region) offset(op string, a alloc.Addr, n uintptr) uintptr {
	if !r.Contains(a, n) {
		alloc.Violate(op, a, alloc.Layout{Size: n, Align: 1}, "outside region [%s, %s)", r.Start(), r.End())
	}
	return uintptr(a - r.base)
}
