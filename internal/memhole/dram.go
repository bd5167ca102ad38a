package memhole

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/httopo/internal/regs"
)

const fourGiB = 1 << 32

// Range is one DRAM base/limit entry together with the per-node state the
// hole logic touches: the hoist register and the DCT select high range.
type Range struct {
	Node    int
	Enabled bool

	// Base and Limit are system addresses; Limit is exclusive.
	Base  uint64
	Limit uint64

	Hoist regs.DRAMHole

	DctSelHi     bool
	DctSelBase   uint64
	DctSelOffset uint64

	rawBase  regs.DRAMBase
	rawLimit regs.DRAMLimit
	rawDct   regs.DctSelLow

	dirtyRange bool
	dirtyHoist bool
	dirtyDct   bool
}

// Hoisted returns the size of the window below 4 GiB that this range's hoist
// register remaps above 4 GiB, or zero.
func (r *Range) Hoisted() uint64 {
	if !r.Hoist.Valid() || r.Hoist.Base() >= fourGiB {
		return 0
	}
	return fourGiB - r.Hoist.Base()
}

// DRAMSize returns the amount of memory behind the range, which excludes a
// hoisted window.
func (r *Range) DRAMSize() uint64 {
	if !r.Enabled {
		return 0
	}
	return r.Limit - r.Base - r.Hoisted()
}

func (r *Range) shift(delta int64) {
	r.Base = uint64(int64(r.Base) + delta)
	r.Limit = uint64(int64(r.Limit) + delta)
	r.dirtyRange = true
	if r.DctSelHi {
		r.shiftDct(delta)
	}
}

func (r *Range) shiftDct(delta int64) {
	r.DctSelBase = uint64(int64(r.DctSelBase) + delta)
	off := int64(r.DctSelOffset) + delta
	if off < 0 {
		off = 0
	}
	r.DctSelOffset = uint64(off)
	r.dirtyDct = true
}

func (r *Range) String() string {
	if !r.Enabled {
		return fmt.Sprintf("node %d disabled", r.Node)
	}
	s := fmt.Sprintf("node %d [0x%x-0x%x)", r.Node, r.Base, r.Limit)
	if r.Hoist.Valid() {
		s += fmt.Sprintf(" hoist 0x%x offset 0x%x", r.Hoist.Base(), r.Hoist.Offset())
	}
	if r.DctSelHi {
		s += fmt.Sprintf(" dctsel 0x%x", r.DctSelBase)
	}
	return s
}

// DRAMMap is the system RAM map, one entry per node in address order.
type DRAMMap struct {
	Ranges []Range
}

// ReadDRAMMap reads the DRAM base/limit pairs from node 0 and the hoist and
// DCT select registers from each owning node.
func ReadDRAMMap(space *regs.Space, nodes int) (*DRAMMap, error) {
	entries := nodes
	if entries > regs.DRAMPairs {
		entries = regs.DRAMPairs
	}
	m := &DRAMMap{}
	for n := 0; n < entries; n++ {
		b, err := space.ReadAddrMap(regs.DRAMBaseReg(n))
		if err != nil {
			return nil, err
		}
		l, err := space.ReadAddrMap(regs.DRAMBaseReg(n) + 4)
		if err != nil {
			return nil, err
		}
		base, limit := regs.DRAMBase(b), regs.DRAMLimit(l)
		r := Range{Node: n, rawBase: base, rawLimit: limit}
		if b != 0xffff_ffff && base.Enabled() {
			r.Enabled = true
			r.Node = limit.Node()
			r.Base = base.Base()
			r.Limit = limit.End()
		}
		if r.Enabled {
			h, err := space.Read(r.Node, regs.FuncAddrMap, regs.RegDRAMHole)
			if err != nil {
				return nil, err
			}
			if h != 0xffff_ffff {
				r.Hoist = regs.DRAMHole(h)
			}
			lo, err := space.Read(r.Node, regs.FuncDRAM, regs.RegDctSelLow)
			if err != nil {
				return nil, err
			}
			if lo != 0xffff_ffff && regs.DctSelLow(lo).HiRangeEnabled() {
				off, err := space.Read(r.Node, regs.FuncDRAM, regs.RegDctSelOffset)
				if err != nil {
					return nil, err
				}
				r.rawDct = regs.DctSelLow(lo)
				r.DctSelHi = true
				r.DctSelBase = regs.DctSelLow(lo).BaseAddr()
				r.DctSelOffset = regs.DctSelOffset(off).Offset()
			}
		}
		m.Ranges = append(m.Ranges, r)
	}
	return m, nil
}

// Clone returns a deep copy of the map.
func (m *DRAMMap) Clone() *DRAMMap {
	out := &DRAMMap{Ranges: make([]Range, len(m.Ranges))}
	copy(out.Ranges, m.Ranges)
	return out
}

// Installed returns the total DRAM behind all enabled ranges.
func (m *DRAMMap) Installed() uint64 {
	var total uint64
	for i := range m.Ranges {
		total += m.Ranges[i].DRAMSize()
	}
	return total
}

// Dirty reports whether any register needs writing back.
func (m *DRAMMap) Dirty() bool {
	for i := range m.Ranges {
		r := &m.Ranges[i]
		if r.dirtyRange || r.dirtyHoist || r.dirtyDct {
			return true
		}
	}
	return false
}

// Flush writes every modified register back. Base/limit pairs are broadcast
// to all nodes, the hoist and DCT select registers go to the owning node.
func (m *DRAMMap) Flush(space *regs.Space) error {
	for n := range m.Ranges {
		r := &m.Ranges[n]
		if r.dirtyRange {
			limit := r.rawLimit.WithEnd(r.Limit)
			base := r.rawBase.WithBase(r.Base)
			if err := space.WriteAddrMap(regs.DRAMBaseReg(n)+4, uint32(limit)); err != nil {
				return err
			}
			if err := space.WriteAddrMap(regs.DRAMBaseReg(n), uint32(base)); err != nil {
				return err
			}
			r.rawBase, r.rawLimit, r.dirtyRange = base, limit, false
			slog.Debug("memhole: dram range written", "range", r.String())
		}
		if r.dirtyHoist {
			if err := space.Write(r.Node, regs.FuncAddrMap, regs.RegDRAMHole, uint32(r.Hoist)); err != nil {
				return err
			}
			r.dirtyHoist = false
		}
		if r.dirtyDct {
			lo := r.rawDct.WithBaseAddr(r.DctSelBase).WithHiRange(r.DctSelHi)
			if err := space.Write(r.Node, regs.FuncDRAM, regs.RegDctSelLow, uint32(lo)); err != nil {
				return err
			}
			if err := space.Write(r.Node, regs.FuncDRAM, regs.RegDctSelOffset, uint32(regs.NewDctSelOffset(r.DctSelOffset))); err != nil {
				return err
			}
			r.rawDct, r.dirtyDct = lo, false
		}
	}
	return nil
}
