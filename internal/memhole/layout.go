package memhole

import (
	"fmt"

	"github.com/tinyrange/httopo/internal/topology"
)

// Fixed is an address range claimed by a device window.
type Fixed struct {
	Name string
	Base uint64
	Size uint64
}

// Layout is the final physical address map: RAM split around the PCI hole
// plus the MMIO ranges decoded by the northbridge. It is filled in once by
// the pipeline and only read afterwards; it is not safe for concurrent
// registration.
type Layout struct {
	// When isSplit is true, RAM continues above 4 GiB:
	//   - Low memory: [lowBase, lowBase+lowMemSize)
	//   - High memory: [highMemBase, highMemBase+highMemSize)
	isSplit     bool
	lowBase     uint64
	lowMemSize  uint64
	highMemBase uint64
	highMemSize uint64

	regions []Region
	fixed   []Fixed
}

// NewLayout builds a layout from the OS memory map.
func NewLayout(regions []Region) *Layout {
	l := &Layout{regions: regions}
	lowSet, highSet := false, false
	var lowEnd, highEnd uint64
	for _, r := range regions {
		if r.Base < fourGiB {
			if !lowSet || r.Base < l.lowBase {
				l.lowBase = r.Base
			}
			lowEnd = max(lowEnd, r.End())
			lowSet = true
			continue
		}
		if !highSet || r.Base < l.highMemBase {
			l.highMemBase = r.Base
		}
		highEnd = max(highEnd, r.End())
		highSet = true
	}
	if lowSet {
		l.lowMemSize = lowEnd - l.lowBase
	}
	if highSet {
		l.isSplit = true
		l.highMemSize = highEnd - l.highMemBase
	}
	return l
}

func (l *Layout) IsSplit() bool       { return l.isSplit }
func (l *Layout) LowMemSize() uint64  { return l.lowMemSize }
func (l *Layout) HighMemBase() uint64 { return l.highMemBase }
func (l *Layout) HighMemSize() uint64 { return l.highMemSize }

// Regions returns the memory map the layout was built from.
func (l *Layout) Regions() []Region { return l.regions }

// RegisterFixed records a device window. It fails if the window overlaps
// memory or another window.
func (l *Layout) RegisterFixed(name string, base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("layout: cannot register zero-size fixed region %s", name)
	}
	end := base + size

	for _, r := range l.regions {
		if base < r.End() && end > r.Base {
			return fmt.Errorf("%w: layout: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x) of node %d",
				topology.ErrUnsupportedTopology, name, base, end, r.Kind, r.Base, r.End(), r.Node)
		}
	}
	for _, f := range l.fixed {
		if base < f.Base+f.Size && end > f.Base {
			return fmt.Errorf("%w: layout: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				topology.ErrUnsupportedTopology, name, base, end, f.Name, f.Base, f.Base+f.Size)
		}
	}

	l.fixed = append(l.fixed, Fixed{Name: name, Base: base, Size: size})
	return nil
}

// FixedRegions returns all registered device windows.
func (l *Layout) FixedRegions() []Fixed {
	result := make([]Fixed, len(l.fixed))
	copy(result, l.fixed)
	return result
}
