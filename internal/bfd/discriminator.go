package bfd

import (
	"errors"
	"fmt"
	"sync"
)

// maxAllocAttempts bounds the wrap-around scan for a free discriminator so a
// saturated allocator fails fast instead of spinning through the full 32-bit
// space on every call.
const maxAllocAttempts = 1 << 16

// ErrDiscriminatorExhausted indicates that the allocator could not find an
// unused nonzero discriminator after scanning maxAllocAttempts candidates
// from the current counter position, i.e. when that many consecutive values
// starting there are all held. The rest of the 32-bit space is not scanned.
var ErrDiscriminatorExhausted = errors.New("discriminator allocator exhausted")

// DiscriminatorAllocator generates unique, nonzero, monotonically increasing
// local discriminators for BFD sessions.
//
// RFC 5880 Section 6.8.1: bfd.LocalDiscr "MUST be unique across all BFD
// sessions on this system, and nonzero." This allocator satisfies uniqueness
// and non-zero-ness with a strictly increasing counter rather than the RFC's
// SHOULD-random recommendation: the counter starts at 1 and wraps to 1 after
// 2^32-1, skipping any value already held by a caller-supplied discriminator.
// Thread-safe via sync.Mutex.
type DiscriminatorAllocator struct {
	mu        sync.Mutex
	next      uint32
	allocated map[uint32]struct{}
}

// NewDiscriminatorAllocator creates a new DiscriminatorAllocator with an
// empty allocation set. The first call to Allocate returns 1.
func NewDiscriminatorAllocator() *DiscriminatorAllocator {
	return &DiscriminatorAllocator{
		next:      1,
		allocated: make(map[uint32]struct{}),
	}
}

// Allocate returns the next unused discriminator in strictly increasing
// order, wrapping from 2^32-1 back to 1. The zero value is never returned:
// RFC 5880 Section 6.8.6 step 7b reserves zero as "Your Discriminator not
// yet known."
//
// Returns ErrDiscriminatorExhausted if no free value is found within
// maxAllocAttempts consecutive candidates starting at the counter.
func (d *DiscriminatorAllocator) Allocate() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidate := d.next

	for range maxAllocAttempts {
		if candidate == 0 {
			candidate = 1
		}

		if _, exists := d.allocated[candidate]; !exists {
			d.allocated[candidate] = struct{}{}
			d.next = candidate + 1
			return candidate, nil
		}

		candidate++
	}

	return 0, fmt.Errorf("allocate discriminator after %d attempts: %w",
		maxAllocAttempts, ErrDiscriminatorExhausted)
}

// Reserve marks an explicit, caller-supplied discriminator as allocated.
// Returns false if the value is zero or already allocated; the registry
// uses this to reject discriminator collisions on session create
// (RFC 5880 Section 6.8.1, spec's RegistryConflict error kind).
func (d *DiscriminatorAllocator) Reserve(discr uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if discr == 0 {
		return false
	}

	if _, exists := d.allocated[discr]; exists {
		return false
	}

	d.allocated[discr] = struct{}{}
	return true
}

// Release removes a previously allocated discriminator from the allocation
// set, making the value available for future allocations. This is called
// during session teardown to prevent discriminator leaks.
//
// Releasing a discriminator that was not allocated is a no-op.
func (d *DiscriminatorAllocator) Release(discr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.allocated, discr)
}

// IsAllocated reports whether a discriminator is currently allocated.
func (d *DiscriminatorAllocator) IsAllocated(discr uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, exists := d.allocated[discr]
	return exists
}
