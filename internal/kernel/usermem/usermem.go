// Package usermem simulates per-task user address spaces and is the single
// choke point through which the kernel touches user memory.
//
// Every pointer argument a syscall receives is validated here before any
// side effect, in a fixed order: null, canonical range, overflow-checked
// end, alignment, mapped bounds. Buffers always cross the boundary as
// (pointer, length) pairs, and the kernel copies instead of aliasing user
// bytes. A zero-length buffer at a canonical address is valid.
package usermem

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// CanonicalMax is the top of the canonical user address range on x86_64.
const CanonicalMax uint64 = 0x0000_7FFF_FFFF_FFFF

const (
	// DefaultBase is where simulated spaces start; low pages stay unmapped
	// so small bogus pointers fault.
	DefaultBase uint64 = 0x10000

	// DefaultSize is the per-task region size unless configured otherwise.
	DefaultSize uint64 = 1 << 20
)

// ASID identifies an address space. Futexes key on it, so two tasks sharing
// a space contend on the same futex words while separate spaces never do.
type ASID uint64

var nextASID atomic.Uint64

// AddressSpace is a simulated linear user region plus a watermark allocator
// for stacks and staging buffers.
type AddressSpace struct {
	id   ASID
	base uint64

	mu   sync.RWMutex
	data []byte
	brk  uint64 // allocation watermark, offset from base
}

// New creates a space of the given size at DefaultBase. Size 0 picks
// DefaultSize.
func New(size uint64) *AddressSpace {
	if size == 0 {
		size = DefaultSize
	}
	return &AddressSpace{
		id:   ASID(nextASID.Add(1)),
		base: DefaultBase,
		data: make([]byte, size),
	}
}

// ID returns the space identity.
func (as *AddressSpace) ID() ASID { return as.id }

// Base returns the lowest mapped address.
func (as *AddressSpace) Base() uint64 { return as.base }

// Size returns the mapped region size in bytes.
func (as *AddressSpace) Size() uint64 { return uint64(len(as.data)) }

// Used returns the allocation watermark in bytes.
func (as *AddressSpace) Used() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.brk
}

// check validates addr/length/align against the pointer contract and returns
// the offset into the backing region. The order of checks is part of the
// contract: null, canonical, overflow, alignment, mapped bounds.
func (as *AddressSpace) check(addr, length, align uint64) (uint64, error) {
	if addr == 0 {
		return 0, syserr.ErrNullPointer
	}
	if addr > CanonicalMax {
		return 0, syserr.ErrBadAddress
	}
	end := addr + length
	if end < addr {
		return 0, syserr.ErrBufferOverflow
	}
	if length > 0 && end-1 > CanonicalMax {
		return 0, syserr.ErrBadAddress
	}
	if align > 1 && addr%align != 0 {
		return 0, syserr.ErrMisaligned
	}
	if length == 0 {
		return 0, nil
	}
	if addr < as.base || end > as.base+uint64(len(as.data)) {
		return 0, syserr.ErrBadAddress
	}
	return addr - as.base, nil
}

// Alloc reserves size bytes and returns their address. align must be a power
// of two (0 means 8). The region is never reclaimed; thread stacks and
// staging buffers live for the task.
func (as *AddressSpace) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, syserr.ErrInvalidArgument
	}
	if align == 0 {
		align = 8
	}
	if align&(align-1) != 0 {
		return 0, syserr.ErrInvalidArgument
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	off := (as.brk + align - 1) &^ (align - 1)
	if off+size < off || off+size > uint64(len(as.data)) {
		return 0, syserr.ErrNoSpace
	}
	as.brk = off + size
	return as.base + off, nil
}

// AllocBytes reserves room for b, copies it in, and returns its address.
// Empty input returns address 0, which pairs with length 0 at the syscall
// boundary.
func (as *AddressSpace) AllocBytes(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	addr, err := as.Alloc(uint64(len(b)), 8)
	if err != nil {
		return 0, err
	}
	s, err := as.Slice(addr, uint64(len(b)))
	if err != nil {
		return 0, err
	}
	if err := s.CopyOut(b); err != nil {
		return 0, err
	}
	return addr, nil
}

// ReadUint32 loads a little-endian u32 from a 4-aligned address.
func (as *AddressSpace) ReadUint32(addr uint64) (uint32, error) {
	off, err := as.check(addr, 4, 4)
	if err != nil {
		return 0, err
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	return binary.LittleEndian.Uint32(as.data[off:]), nil
}

// ReadUint64 loads a little-endian u64 from an 8-aligned address.
func (as *AddressSpace) ReadUint64(addr uint64) (uint64, error) {
	off, err := as.check(addr, 8, 8)
	if err != nil {
		return 0, err
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	return binary.LittleEndian.Uint64(as.data[off:]), nil
}

// WriteUint32 stores a little-endian u32 at a 4-aligned address.
func (as *AddressSpace) WriteUint32(addr uint64, v uint32) error {
	off, err := as.check(addr, 4, 4)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	binary.LittleEndian.PutUint32(as.data[off:], v)
	return nil
}

// WriteUint64 stores a little-endian u64 at an 8-aligned address.
func (as *AddressSpace) WriteUint64(addr uint64, v uint64) error {
	off, err := as.check(addr, 8, 8)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	binary.LittleEndian.PutUint64(as.data[off:], v)
	return nil
}

// Slice validates a (pointer, length) pair and returns a window over it.
func (as *AddressSpace) Slice(addr, length uint64) (Slice, error) {
	off, err := as.check(addr, length, 1)
	if err != nil {
		return Slice{}, err
	}
	return Slice{as: as, off: off, addr: addr, n: length}, nil
}

// Slice is a validated window of user memory. All access copies.
type Slice struct {
	as   *AddressSpace
	off  uint64
	addr uint64
	n    uint64
}

// Addr returns the user address the window starts at.
func (s Slice) Addr() uint64 { return s.addr }

// Len returns the window length.
func (s Slice) Len() int { return int(s.n) }

// Bytes copies the window out of user memory.
func (s Slice) Bytes() []byte {
	if s.n == 0 {
		return nil
	}
	s.as.mu.RLock()
	defer s.as.mu.RUnlock()
	out := make([]byte, s.n)
	copy(out, s.as.data[s.off:s.off+s.n])
	return out
}

// Str copies the window and validates it as UTF-8.
func (s Slice) Str() (string, error) {
	b := s.Bytes()
	if !utf8.Valid(b) {
		return "", syserr.ErrInvalidUTF8
	}
	return string(b), nil
}

// CopyOut writes src into the window. Source longer than the window fails
// with ErrBufferOverflow before any byte moves.
func (s Slice) CopyOut(src []byte) error {
	if uint64(len(src)) > s.n {
		return syserr.ErrBufferOverflow
	}
	if len(src) == 0 {
		return nil
	}
	s.as.mu.Lock()
	defer s.as.mu.Unlock()
	copy(s.as.data[s.off:], src)
	return nil
}
