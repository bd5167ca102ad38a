package memhole

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/tinyrange/httopo/internal/topology"
)

// Legacy VGA frame buffer, never reported as RAM.
const (
	vgaHoleBase = 0xa_0000
	vgaHoleEnd  = 0xc_0000
)

// Kind classifies an OS-facing memory region.
type Kind int

const (
	KindRAM Kind = iota
	KindTables
	KindUMA
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindTables:
		return "tables"
	case KindUMA:
		return "uma"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Region is one entry of the memory map handed to the OS.
type Region struct {
	Kind Kind
	Node int
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

func nodeAt(spans []Span, addr uint64) int {
	for _, s := range spans {
		if addr >= s.Base && addr < s.End {
			return s.Node
		}
	}
	return -1
}

// RAMResources builds the memory map for the OS from a reconciled result:
// every visible span plus the relocated chunk, less the legacy VGA hole, the
// UMA frame buffer at the top of low memory and the firmware table area.
func RAMResources(res *Result, p *topology.Platform) []Region {
	spans := slices.Clone(res.Visible)
	if res.Relocated.Size() > 0 {
		spans = append(spans, res.Relocated)
	}
	slices.SortFunc(spans, func(a, b Span) int { return cmp.Compare(a.Base, b.Base) })
	spans = cutAll(spans, vgaHoleBase, vgaHoleEnd)

	var extra []Region

	// Tables go at the top of the first node's low memory, or under UMA.
	tablesTop := uint64(0)
	if len(spans) > 0 {
		first := spans[0].Node
		for _, s := range spans {
			if s.Node == first && s.End <= fourGiB {
				tablesTop = s.End
			}
		}
	}

	if p.UMASize > 0 {
		top := res.TopOfLowMemory()
		if top > p.UMASize {
			base := top - p.UMASize
			extra = append(extra, Region{Kind: KindUMA, Node: nodeAt(spans, base), Base: base, Size: p.UMASize})
			spans = cutAll(spans, base, top)
			tablesTop = base
		}
	}
	if p.HighTablesSize > 0 && tablesTop > p.HighTablesSize {
		base := tablesTop - p.HighTablesSize
		extra = append(extra, Region{Kind: KindTables, Node: nodeAt(spans, base), Base: base, Size: p.HighTablesSize})
		spans = cutAll(spans, base, tablesTop)
	}

	out := make([]Region, 0, len(spans)+len(extra))
	for _, s := range spans {
		out = append(out, Region{Kind: KindRAM, Node: s.Node, Base: s.Base, Size: s.Size()})
	}
	out = append(out, extra...)
	slices.SortFunc(out, func(a, b Region) int { return cmp.Compare(a.Base, b.Base) })
	return out
}
