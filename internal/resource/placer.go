package resource

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/google/btree"

	"github.com/tinyrange/httopo/internal/topology"
)

// Placement regions.
const (
	ioFloor  = 0x1000
	ioTop    = 0x1_0000
	memFloor = 0x10_0000
	fourGiB  = 1 << 32
)

type span struct {
	name string
	base uint64
	size uint64
}

func (s span) end() uint64 { return s.base + s.size }

func spanLess(a, b span) bool { return a.base < b.base }

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	return baseA < baseB+sizeB && baseB < baseA+sizeA
}

// Placer assigns addresses to windows top-down inside their class region.
// IO and memory each keep an index of placed and reserved spans ordered by
// base, so a placement never overlaps anything else in the same space.
type Placer struct {
	platform *topology.Platform
	io       *btree.BTreeG[span]
	mem      *btree.BTreeG[span]
}

func NewPlacer(p *topology.Platform) *Placer {
	return &Placer{
		platform: p,
		io:       btree.NewG(8, spanLess),
		mem:      btree.NewG(8, spanLess),
	}
}

func (p *Placer) tree(class Class) *btree.BTreeG[span] {
	if class == ClassIO {
		return p.io
	}
	return p.mem
}

// overlapping returns the span that intersects [base, base+size), if any.
// Spans in a tree never overlap each other, so only the last span starting
// before the end of the range can intersect it.
func overlapping(t *btree.BTreeG[span], base, size uint64) (span, bool) {
	var hit span
	var found bool
	t.DescendLessOrEqual(span{base: base + size - 1}, func(s span) bool {
		if regionsOverlap(base, size, s.base, s.size) {
			hit, found = s, true
		}
		return false
	})
	return hit, found
}

// Reserve marks a fixed range as unavailable for placement.
func (p *Placer) Reserve(class Class, name string, base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("placer: cannot reserve zero-size region %s", name)
	}
	t := p.tree(class)
	if s, ok := overlapping(t, base, size); ok {
		return fmt.Errorf("placer: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
			name, base, base+size, s.name, s.base, s.end())
	}
	t.ReplaceOrInsert(span{name: name, base: base, size: size})
	return nil
}

func (p *Placer) region(w *Window) (lo, hi uint64) {
	switch {
	case w.Class == ClassIO:
		lo, hi = ioFloor, ioTop
	case w.Class == ClassMMIOPrefetch && p.platform.Prefetch64:
		lo, hi = fourGiB, mmioLimit+1
	default:
		lo, hi = memFloor, p.platform.MMIOCeiling
	}
	if w.Limit+1 < hi {
		hi = w.Limit + 1
	}
	return lo, hi
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// Place assigns an address range of at least size bytes to w. A zero size
// leaves the window unassigned.
func (p *Placer) Place(w *Window, size uint64) error {
	if size == 0 || w.Assigned {
		return nil
	}
	size = alignUp(size, uint64(1)<<w.Gran)
	align := uint64(1) << w.Align
	lo, hi := p.region(w)
	t := p.tree(w.Class)

	cursor := hi
	for {
		if cursor < lo+size {
			return fmt.Errorf("%w: no room for %s of 0x%x bytes in [0x%x-0x%x)",
				topology.ErrResourceExhausted, w, size, lo, hi)
		}
		base := alignDown(cursor-size, align)
		if base < lo {
			return fmt.Errorf("%w: no room for %s of 0x%x bytes in [0x%x-0x%x)",
				topology.ErrResourceExhausted, w, size, lo, hi)
		}
		if s, ok := overlapping(t, base, size); ok {
			cursor = s.base
			continue
		}
		t.ReplaceOrInsert(span{name: fmt.Sprintf("%s node %d link %d", w.Class, w.Node, w.Link), base: base, size: size})
		w.Base, w.Size, w.Assigned = base, size, true
		return nil
	}
}

// Request asks for Size bytes of address space for a window.
type Request struct {
	Window *Window
	Size   uint64
}

// PlaceAll places requests largest first, so big alignments are not broken up
// by small windows. Ties keep request order.
func (p *Placer) PlaceAll(reqs []Request) error {
	sorted := slices.Clone(reqs)
	slices.SortStableFunc(sorted, func(a, b Request) int {
		return cmp.Compare(b.Size, a.Size)
	})
	for _, r := range sorted {
		if err := p.Place(r.Window, r.Size); err != nil {
			return err
		}
	}
	return nil
}
