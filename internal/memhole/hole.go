package memhole

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/topology"
)

// Hole describes the single system-wide memory hole below 4 GiB. Node is -1
// when no hole is programmed.
type Hole struct {
	StartK uint64
	Node   int
	SizeK  uint64
}

func (h Hole) Present() bool { return h.Node >= 0 }

func (h Hole) size() uint64 { return h.SizeK << 10 }

func (h Hole) String() string {
	if !h.Present() {
		return "none"
	}
	return fmt.Sprintf("start %dK node %d size %dK", h.StartK, h.Node, h.SizeK)
}

// HoleInfo finds a hole left by earlier boot stages. A node with its hoist
// register enabled wins; failing that the first gap between consecutive
// nodes below 4 GiB is the hole, owned by the node above the gap.
func HoleInfo(m *DRAMMap, defaultStartK uint64) Hole {
	h := Hole{StartK: defaultStartK, Node: -1}
	for i := range m.Ranges {
		r := &m.Ranges[i]
		if r.Enabled && r.Hoist.Valid() {
			h.StartK, h.Node = r.Hoist.Base()>>10, r.Node
			break
		}
	}
	if !h.Present() {
		var prev uint64
		for i := range m.Ranges {
			r := &m.Ranges[i]
			if !r.Enabled {
				continue
			}
			if r.Base > fourGiB || prev >= fourGiB {
				break
			}
			if r.Base != prev {
				h.StartK, h.Node = prev>>10, r.Node
				break
			}
			prev = r.Limit
		}
	}
	if h.Present() {
		h.SizeK = (fourGiB - h.StartK<<10) >> 10
	}
	return h
}

func (m *DRAMMap) entry(node int) int {
	for i := range m.Ranges {
		if m.Ranges[i].Enabled && m.Ranges[i].Node == node {
			return i
		}
	}
	return -1
}

// Unhoist undoes hole, moving every range above it back down.
func Unhoist(m *DRAMMap, hole Hole) error {
	idx := m.entry(hole.Node)
	if idx < 0 {
		return fmt.Errorf("%w: hole owner node %d has no dram range", topology.ErrUnsupportedTopology, hole.Node)
	}
	size := hole.size()
	owner := &m.Ranges[idx]

	if owner.Hoist.Valid() {
		if owner.Hoist.Base() < owner.Base || owner.Limit < owner.Base+size {
			return fmt.Errorf("%w: hoist at 0x%x inconsistent with %s", topology.ErrUnsupportedTopology, owner.Hoist.Base(), owner)
		}
		owner.Hoist = 0
		owner.dirtyHoist = true
		owner.Limit -= size
		owner.dirtyRange = true
		if owner.DctSelHi && owner.DctSelBase >= fourGiB {
			owner.shiftDct(-int64(size))
		}
	} else {
		if owner.Base < size {
			return fmt.Errorf("%w: %s cannot move down by 0x%x", topology.ErrUnsupportedTopology, owner, size)
		}
		// A gap that ends below 4 GiB is smaller than the shift.
		for j := idx - 1; j >= 0; j-- {
			if prev := &m.Ranges[j]; prev.Enabled {
				if owner.Base-size < prev.Limit {
					return fmt.Errorf("%w: moving %s down by 0x%x overlaps %s", topology.ErrUnsupportedTopology, owner, size, prev)
				}
				break
			}
		}
		owner.shift(-int64(size))
	}
	for j := idx + 1; j < len(m.Ranges); j++ {
		if m.Ranges[j].Enabled {
			m.Ranges[j].shift(-int64(size))
		}
	}
	slog.Debug("memhole: hole removed", "hole", hole.String())
	return nil
}

// Hoist opens a hole at mmio. The node whose RAM contains mmio keeps the part
// below it and has the rest remapped above 4 GiB; every later node moves up
// by the hole size. It returns a Hole with Node -1 when mmio is not inside
// RAM below 4 GiB.
func Hoist(m *DRAMMap, mmio uint64) Hole {
	idx := -1
	for i := range m.Ranges {
		r := &m.Ranges[i]
		if r.Enabled && r.Base < fourGiB && r.Base <= mmio && r.Limit > mmio {
			idx = i
			break
		}
	}
	if idx < 0 || mmio >= fourGiB {
		return Hole{StartK: mmio >> 10, Node: -1}
	}
	size := fourGiB - mmio
	owner := &m.Ranges[idx]

	for j := idx + 1; j < len(m.Ranges); j++ {
		if m.Ranges[j].Enabled {
			m.Ranges[j].shift(int64(size))
		}
	}
	if owner.Base == mmio {
		// A hole offset of zero is not encodable; move the whole node instead.
		owner.shift(int64(size))
	} else {
		owner.Hoist = regs.NewDRAMHole(mmio, owner.Base+size)
		owner.dirtyHoist = true
		owner.Limit += size
		owner.dirtyRange = true
		if owner.DctSelHi && owner.DctSelBase >= mmio {
			owner.shiftDct(int64(size))
		}
	}
	h := Hole{StartK: mmio >> 10, Node: owner.Node, SizeK: size >> 10}
	slog.Debug("memhole: hoisting", "hole", h.String())
	return h
}

// Span is an address range [Base, End) owned by a node.
type Span struct {
	Node int
	Base uint64
	End  uint64
}

func (s Span) Size() uint64 { return s.End - s.Base }

// cut removes [lo, hi) from s.
func cut(s Span, lo, hi uint64) []Span {
	if hi <= s.Base || lo >= s.End {
		return []Span{s}
	}
	var out []Span
	if s.Base < lo {
		out = append(out, Span{Node: s.Node, Base: s.Base, End: lo})
	}
	if hi < s.End {
		out = append(out, Span{Node: s.Node, Base: hi, End: s.End})
	}
	return out
}

func cutAll(spans []Span, lo, hi uint64) []Span {
	var out []Span
	for _, s := range spans {
		out = append(out, cut(s, lo, hi)...)
	}
	return out
}

// Result is the reconciled RAM map.
type Result struct {
	MMIOBase uint64
	Hole     Hole

	// Visible is the RAM of each node outside the MMIO window and outside
	// the relocated chunk.
	Visible []Span

	// Relocated is the RAM moved from [MMIOBase, 4G) to [4G, 4G+hole).
	Relocated Span

	Map *DRAMMap
}

// VisibleSize returns the total of Visible.
func (r *Result) VisibleSize() uint64 {
	var total uint64
	for _, s := range r.Visible {
		total += s.Size()
	}
	return total
}

// TopOfLowMemory returns the end of the highest RAM span below 4 GiB.
func (r *Result) TopOfLowMemory() uint64 {
	var top uint64
	for _, s := range r.Visible {
		if s.End <= fourGiB && s.End > top {
			top = s.End
		}
	}
	return top
}

// Reconcile makes room for PCI MMIO starting at mmioBase. A hole already
// programmed below mmioBase is kept as is; otherwise any old hole is undone
// and a new one is opened at mmioBase rounded down to the platform hole
// alignment. Modified registers are marked for Flush.
func Reconcile(m *DRAMMap, mmioBase uint64, p *topology.Platform) (*Result, error) {
	mmio := mmioBase &^ (p.MMIOHoleAlign - 1)
	hole := HoleInfo(m, p.HoleStartK)

	if hole.Present() && mmio > hole.StartK<<10 {
		slog.Debug("memhole: keeping programmed hole", "hole", hole.String(), "mmio", fmt.Sprintf("0x%x", mmio))
		mmio = hole.StartK << 10
	} else {
		if hole.Present() {
			if err := Unhoist(m, hole); err != nil {
				return nil, err
			}
		}
		if p.HoleAutoGrow {
			mmio = autoGrow(m, mmio)
		}
		hole = Hoist(m, mmio)
	}

	res := &Result{MMIOBase: mmio, Hole: hole, Map: m}
	var spans []Span
	for i := range m.Ranges {
		r := &m.Ranges[i]
		if r.Enabled {
			spans = append(spans, Span{Node: r.Node, Base: r.Base, End: r.Limit})
		}
	}
	if mmio < fourGiB {
		spans = cutAll(spans, mmio, fourGiB)
	}
	if hole.Present() {
		res.Relocated = Span{Node: hole.Node, Base: fourGiB, End: fourGiB + hole.size()}
		spans = cutAll(spans, res.Relocated.Base, res.Relocated.End)
	}
	res.Visible = spans
	return res, nil
}

// autoGrow moves a hole that would start exactly on a node boundary down to
// the previous node's base.
func autoGrow(m *DRAMMap, mmio uint64) uint64 {
	var prev uint64
	seen := false
	for i := range m.Ranges {
		r := &m.Ranges[i]
		if !r.Enabled {
			continue
		}
		if seen && r.Base == mmio {
			slog.Debug("memhole: growing hole to previous node", "from", fmt.Sprintf("0x%x", mmio), "to", fmt.Sprintf("0x%x", prev))
			return prev
		}
		prev, seen = r.Base, true
	}
	return mmio
}

// Apply reads the RAM map, reconciles it against mmioBase and writes back
// the registers that changed.
func Apply(space *regs.Space, nodes int, mmioBase uint64, p *topology.Platform) (*Result, error) {
	m, err := ReadDRAMMap(space, nodes)
	if err != nil {
		return nil, err
	}
	res, err := Reconcile(m, mmioBase, p)
	if err != nil {
		return nil, err
	}
	if err := m.Flush(space); err != nil {
		return nil, err
	}
	return res, nil
}
