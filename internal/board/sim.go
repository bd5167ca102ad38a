package board

import (
	"time"

	"github.com/tinyrange/httopo/internal/regs"
)

// delayBackend stretches every access, which makes the stages of a simulated
// run visible on a progress bar.
type delayBackend struct {
	regs.Backend
	delay time.Duration
}

func (d delayBackend) Read32(loc regs.Locus, reg uint16) (uint32, error) {
	time.Sleep(d.delay)
	return d.Backend.Read32(loc, reg)
}

func (d delayBackend) Write32(loc regs.Locus, reg uint16, value uint32) error {
	time.Sleep(d.delay)
	return d.Backend.Write32(loc, reg, value)
}

// Backend builds the register file of the described machine. The second
// result is what the pipeline should use; it wraps the first when an access
// delay is configured.
func (b *Board) Backend() (*regs.MemBackend, regs.Backend) {
	mem := regs.NewMemBackend()
	p := &b.Platform
	nodes := len(b.Nodes)
	space := p.Space(mem, nodes)

	fns := []uint8{regs.FuncHT, regs.FuncAddrMap, regs.FuncDRAM}
	if p.LinksPerNode > 4 {
		fns = append(fns, regs.FuncLink)
	}

	for i, n := range b.Nodes {
		for _, fn := range fns {
			mem.AddFunction(space.NodeLocus(i, fn))
		}
		f0 := space.NodeLocus(i, regs.FuncHT)
		f1 := space.NodeLocus(i, regs.FuncAddrMap)
		f2 := space.NodeLocus(i, regs.FuncDRAM)
		mem.AddIndirect(f1, regs.RegExtAddrIndex, regs.RegExtAddrData)

		mem.Set(f0, regs.RegNodeID, uint32(nodes-1)&7<<4)
		mem.Set(f0, regs.RegNodeIDExt, uint32(nodes-1)>>3<<4)
		mem.Set(f0, regs.RegUnitID, uint32(b.SBLink&7)<<8)

		if !n.Absent {
			f3 := space.NodeLocus(i, regs.FuncMisc)
			mem.AddFunction(f3)
			mem.Set(f3, regs.RegNBCap, uint32(regs.NewNBCap(max(n.Cores, 1)-1)))
		}

		sublinks := make(map[int]bool)
		for _, l := range n.Links {
			fn := regs.FuncHT
			if l.Num > 3 {
				fn = regs.FuncLink
				sublinks[l.Num&3] = true
			}
			loc := space.NodeLocus(i, fn)
			reg := regs.LinkTypeReg(l.Num)

			lt := regs.LinkTypeConnected | regs.LinkTypeInitComplete
			if !l.Coherent {
				lt |= regs.LinkTypeNonCoherent
			}
			for range l.Pending {
				mem.Script(loc, reg, uint32(regs.LinkTypePending))
			}
			for range l.InitDelay {
				mem.Script(loc, reg, uint32(lt&^regs.LinkTypeInitComplete))
			}
			if l.Stuck {
				lt = regs.LinkTypePending
			}
			mem.Set(loc, reg, uint32(lt))
		}
		if p.LinksPerNode > 4 {
			for k := 0; k < 4; k++ {
				if !sublinks[k] {
					mem.Set(f0, regs.LinkExtCtlReg(k), 1)
				}
			}
		}

		if h := n.Hoist; h != nil {
			mem.Set(f1, regs.RegDRAMHole, uint32(regs.NewDRAMHole(h.Base, h.Offset)))
		}
		if d := n.DctSel; d != nil {
			lo := regs.DctSelLow(0).WithBaseAddr(d.Base).WithHiRange(true)
			mem.Set(f2, regs.RegDctSelLow, uint32(lo))
			mem.Set(f2, regs.RegDctSelOffset, uint32(regs.NewDctSelOffset(d.Offset)))
		}
	}

	// DRAM base/limit pairs are replicated on every node, entry i for node i.
	for i, n := range b.Nodes {
		if n.DRAM == nil || n.DRAM.Size == 0 || i >= regs.DRAMPairs {
			continue
		}
		base, limit := regs.NewDRAMPair(i, n.DRAM.Base, n.DRAM.Base+n.DRAM.Size)
		for j := range b.Nodes {
			f1 := space.NodeLocus(j, regs.FuncAddrMap)
			mem.Set(f1, regs.DRAMBaseReg(i), uint32(base))
			mem.Set(f1, regs.DRAMBaseReg(i)+4, uint32(limit))
		}
	}

	if b.AccessDelay > 0 {
		return mem, delayBackend{Backend: mem, delay: time.Duration(b.AccessDelay)}
	}
	return mem, mem
}
