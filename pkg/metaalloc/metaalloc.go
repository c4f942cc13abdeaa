// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metaalloc provides the two backends from which enclave memory
// manager metadata (EMA nodes and accept bitmaps) is charged.
//
// Static is a small fixed pool used while bootstrapping, before the manager
// can map new memory for itself. Reserve grows on demand in chunks, each
// chunk being backed by memory the manager maps from the enclave's runtime
// range. Every piece of metadata records the Kind it came from and is always
// returned to the same backend.
package metaalloc

import (
	"fmt"
	"sync"

	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/log"
)

// Kind identifies a metadata backend.
type Kind uint8

const (
	// Reserve is the growable backend.
	Reserve Kind = iota

	// Static is the fixed bootstrap backend.
	Static
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Reserve:
		return "reserve"
	case Static:
		return "static"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	// DefaultStaticSize is the capacity of the static pool.
	DefaultStaticSize = 64 << 10

	// DefaultChunkSize is the growth step of the reserve pool.
	DefaultChunkSize = 64 << 10

	// granule is the allocation granularity of both pools.
	granule = 16
)

// Allocator is a metadata backend.
type Allocator interface {
	// Kind returns the backend this allocator implements.
	Kind() Kind

	// Alloc charges size bytes to the backend. It returns ENOMEM if the
	// backend cannot satisfy the request.
	Alloc(size uint64) error

	// Free returns size bytes previously charged with Alloc.
	Free(size uint64)

	// InUse returns the number of bytes currently charged.
	InUse() uint64
}

// RoundSize returns size rounded up to the allocation granularity, the
// amount Alloc actually charges.
func RoundSize(size uint64) uint64 {
	return (size + granule - 1) &^ (granule - 1)
}

// StaticPool is a fixed-capacity Allocator.
type StaticPool struct {
	capacity uint64

	mu sync.Mutex
	// +checklocks:mu
	used uint64
}

// NewStaticPool returns a pool of the given capacity in bytes.
func NewStaticPool(capacity uint64) *StaticPool {
	return &StaticPool{capacity: capacity}
}

// Kind implements Allocator.Kind.
func (p *StaticPool) Kind() Kind { return Static }

// Alloc implements Allocator.Alloc.
func (p *StaticPool) Alloc(size uint64) error {
	size = RoundSize(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if size > p.capacity-p.used {
		return linuxerr.ENOMEM
	}
	p.used += size
	return nil
}

// Free implements Allocator.Free.
func (p *StaticPool) Free(size uint64) {
	size = RoundSize(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if size > p.used {
		panic(fmt.Sprintf("static pool: freeing %d bytes with only %d in use", size, p.used))
	}
	p.used -= size
}

// InUse implements Allocator.InUse.
func (p *StaticPool) InUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Capacity returns the fixed capacity of the pool.
func (p *StaticPool) Capacity() uint64 { return p.capacity }

// GrowFunc obtains backing for size more bytes of reserve metadata.
type GrowFunc func(size uint64) error

// ReservePool is an Allocator that grows in chunks.
type ReservePool struct {
	chunkSize uint64

	mu sync.Mutex
	// +checklocks:mu
	grow GrowFunc
	// +checklocks:mu
	capacity uint64
	// +checklocks:mu
	used uint64
	// +checklocks:mu
	chunks int
}

// NewReservePool returns an empty pool that grows by chunkSize bytes (or by
// the request rounded up to chunkSize, whichever is larger).
func NewReservePool(chunkSize uint64) *ReservePool {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	return &ReservePool{chunkSize: chunkSize}
}

// SetGrowFunc installs the function used to back new chunks. With no
// GrowFunc the pool grows without limit.
//
// fn is called with the pool's lock held and must not allocate from the pool.
func (p *ReservePool) SetGrowFunc(fn GrowFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grow = fn
}

// Kind implements Allocator.Kind.
func (p *ReservePool) Kind() Kind { return Reserve }

// Alloc implements Allocator.Alloc.
func (p *ReservePool) Alloc(size uint64) error {
	size = RoundSize(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if size > p.capacity-p.used {
		need := size - (p.capacity - p.used)
		n := (need + p.chunkSize - 1) / p.chunkSize * p.chunkSize
		if p.grow != nil {
			if err := p.grow(n); err != nil {
				log.Warningf("reserve pool: growing by %d bytes failed: %v", n, err)
				return linuxerr.ENOMEM
			}
		}
		p.capacity += n
		p.chunks++
		log.Debugf("reserve pool: grew by %d bytes to %d", n, p.capacity)
	}
	p.used += size
	return nil
}

// Free implements Allocator.Free. Chunks are never returned.
func (p *ReservePool) Free(size uint64) {
	size = RoundSize(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if size > p.used {
		panic(fmt.Sprintf("reserve pool: freeing %d bytes with only %d in use", size, p.used))
	}
	p.used -= size
}

// InUse implements Allocator.InUse.
func (p *ReservePool) InUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Capacity returns the bytes backed so far and the number of chunks.
func (p *ReservePool) Capacity() (bytes uint64, chunks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity, p.chunks
}

// Set holds one allocator per Kind.
type Set struct {
	reserve Allocator
	static  Allocator
}

// NewSet returns a Set of the given allocators. It panics if either reports
// the wrong Kind.
func NewSet(reserve, static Allocator) *Set {
	if reserve.Kind() != Reserve || static.Kind() != Static {
		panic(fmt.Sprintf("metaalloc: NewSet(%v, %v) with mismatched kinds", reserve.Kind(), static.Kind()))
	}
	return &Set{reserve: reserve, static: static}
}

// NewDefaultSet returns a Set with an unbounded reserve pool and a static
// pool of DefaultStaticSize.
func NewDefaultSet() *Set {
	return NewSet(NewReservePool(DefaultChunkSize), NewStaticPool(DefaultStaticSize))
}

// Get returns the allocator for k.
func (s *Set) Get(k Kind) Allocator {
	switch k {
	case Reserve:
		return s.reserve
	case Static:
		return s.static
	default:
		panic(fmt.Sprintf("metaalloc: unknown kind %d", k))
	}
}
