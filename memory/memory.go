// Package memory models guest physical memory as seen by the agent and the
// host: a flat, page-granular address space with a page allocator.
package memory

import (
	"sort"

	"github.com/pkg/errors"
)

// PageSize is the allocation granule of the firmware page allocator.
const PageSize = 4096

var (
	// ErrOutOfRange is returned for accesses outside the address space.
	ErrOutOfRange = errors.New("memory: access out of range")
	// ErrNoMemory is returned when the allocator cannot satisfy a request.
	ErrNoMemory = errors.New("memory: out of resources")
)

// Space is byte-addressable guest memory.
type Space interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Allocator hands out page-aligned guest memory.
type Allocator interface {
	AllocatePages(pages int) (uint64, error)
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) int {
	return int((size + PageSize - 1) / PageSize)
}

type page [PageSize]byte

// Flat is a sparse emulated address space of a fixed size. Pages are
// materialized on first write; untouched memory reads as zero. Allocation
// is a bump pointer starting at heapBase.
type Flat struct {
	size     uint64
	heapBase uint64
	next     uint64
	pages    map[uint64]*page
}

// NewFlat creates an address space of size bytes whose allocator serves
// pages from heapBase upwards.
func NewFlat(size, heapBase uint64) *Flat {
	heapBase = alignUp(heapBase)
	return &Flat{
		size:     size,
		heapBase: heapBase,
		next:     heapBase,
		pages:    make(map[uint64]*page),
	}
}

func alignUp(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// Size reports the size of the address space in bytes.
func (f *Flat) Size() uint64 {
	return f.size
}

func (f *Flat) check(addr uint64, n int) error {
	end := addr + uint64(n)
	if end < addr || end > f.size {
		return errors.Wrapf(ErrOutOfRange, "[0x%x, 0x%x) exceeds 0x%x", addr, end, f.size)
	}
	return nil
}

func (f *Flat) Read(addr uint64, p []byte) error {
	if err := f.check(addr, len(p)); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		cur := addr + uint64(done)
		base, off := cur&^(PageSize-1), cur&(PageSize-1)
		n := PageSize - int(off)
		if n > len(p)-done {
			n = len(p) - done
		}
		if pg, ok := f.pages[base]; ok {
			copy(p[done:done+n], pg[off:])
		} else {
			clear(p[done : done+n])
		}
		done += n
	}
	return nil
}

func (f *Flat) Write(addr uint64, p []byte) error {
	if err := f.check(addr, len(p)); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		cur := addr + uint64(done)
		base, off := cur&^(PageSize-1), cur&(PageSize-1)
		n := PageSize - int(off)
		if n > len(p)-done {
			n = len(p) - done
		}
		pg, ok := f.pages[base]
		if !ok {
			pg = new(page)
			f.pages[base] = pg
		}
		copy(pg[off:], p[done:done+n])
		done += n
	}
	return nil
}

// AllocatePages reserves pages contiguous pages and returns their base.
func (f *Flat) AllocatePages(pages int) (uint64, error) {
	if pages <= 0 {
		return 0, errors.Wrapf(ErrNoMemory, "invalid page count %d", pages)
	}
	want := uint64(pages) * PageSize
	if f.next+want > f.size || f.next+want < f.next {
		return 0, errors.Wrapf(ErrNoMemory, "%d pages requested, 0x%x bytes left", pages, f.size-f.next)
	}
	addr := f.next
	f.next += want
	return addr, nil
}

// Snapshot is a frozen copy of a Flat address space.
type Snapshot struct {
	next  uint64
	pages map[uint64]*page
}

// Snapshot captures all materialized pages and the allocator position.
func (f *Flat) Snapshot() *Snapshot {
	s := &Snapshot{next: f.next, pages: make(map[uint64]*page, len(f.pages))}
	for base, pg := range f.pages {
		cp := *pg
		s.pages[base] = &cp
	}
	return s
}

// Restore rewinds the address space to s. Pages written after the
// snapshot are dropped.
func (f *Flat) Restore(s *Snapshot) {
	f.next = s.next
	f.pages = make(map[uint64]*page, len(s.pages))
	for base, pg := range s.pages {
		cp := *pg
		f.pages[base] = &cp
	}
}

// Mapped lists the base addresses of materialized pages in ascending order.
func (f *Flat) Mapped() []uint64 {
	bases := make([]uint64, 0, len(f.pages))
	for base := range f.pages {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases
}
