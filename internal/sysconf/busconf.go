package sysconf

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/httopo/internal/topology"
)

// Chain preset word layout, shared by the board presets and ConfBus:
//
//	[0]     found
//	[7:4]   link, 0xf matches any link
//	[15:8]  node, 0xff matches any node
//	[23:16] secondary bus within its segment
//	[31:24] subordinate bus within its segment
const (
	presetFound   = 1
	presetAnyLink = 0xf
	presetAnyNode = 0xff

	// DefaultPreset matches any chain.
	DefaultPreset uint32 = presetAnyNode<<8 | presetAnyLink<<4

	// DefaultUnitIDBases marks all four chain devices as unassigned.
	DefaultUnitIDBases uint32 = 0x2020_2020
)

// ChainWord encodes a numbered link as a found preset.
func ChainWord(l *topology.Link) uint32 {
	return presetFound |
		uint32(l.Num&0xf)<<4 |
		uint32(l.Node)<<8 |
		uint32(l.Secondary&0xff)<<16 |
		uint32(l.Subordinate&0xff)<<24
}

// PresetFound reports whether a preset word was matched to a chain.
func PresetFound(w uint32) bool { return w&presetFound != 0 }

// PresetBuses returns the bus range recorded in a found preset word.
func PresetBuses(w uint32) (secondary, subordinate uint8) {
	return uint8(w >> 16), uint8(w >> 24)
}

func presetMatches(w uint32, l *topology.Link) bool {
	link := int(w>>4) & 0xf
	node := int(w>>8) & 0xff
	if link != presetAnyLink && link != l.Num {
		return false
	}
	if node != presetAnyNode && node != int(l.Node) {
		return false
	}
	return true
}

// BusConf is the board's chain table resolved against the discovered
// chains. Slot 0 is always the south bridge chain.
type BusConf struct {
	Presets []uint32
	HCDN    []uint32

	// SBDN is the unit id base of the first device on the south bridge
	// chain.
	SBDN  uint8
	SBBus uint16
}

// Found returns the number of preset slots matched to a chain.
func (b *BusConf) Found() int {
	n := 0
	for _, w := range b.Presets {
		if PresetFound(w) {
			n++
		}
	}
	return n
}

// ResolveBusConf fills the board presets from the numbered links. The south
// bridge chain takes slot 0; every other chain, in routing slot order, takes
// the first unmatched slot whose node and link constraints it meets. Chains
// that match no slot are left out.
func ResolveBusConf(h Hints, nodes []topology.Node, sbLink int) (BusConf, error) {
	presets := slices.Clone(h.Presets)
	if len(presets) == 0 {
		presets = []uint32{DefaultPreset}
	}
	hcdn := make([]uint32, len(presets))
	for i := range hcdn {
		hcdn[i] = DefaultUnitIDBases
		if i < len(h.UnitIDBases) {
			hcdn[i] = h.UnitIDBases[i]
		}
	}
	for i := range presets {
		presets[i] &^= presetFound
	}

	var sb *topology.Link
	var chains []*topology.Link
	for i := range nodes {
		for j := range nodes[i].Links {
			l := &nodes[i].Links[j]
			if !l.HasChildren() {
				continue
			}
			if l.Node == 0 && l.Num == sbLink {
				sb = l
				continue
			}
			chains = append(chains, l)
		}
	}
	if sb == nil {
		return BusConf{}, fmt.Errorf("bus conf: %w: node 0 link %d has no bus range", topology.ErrNoSouthBridge, sbLink)
	}
	slices.SortFunc(chains, func(a, b *topology.Link) int { return a.ConfigIndex - b.ConfigIndex })

	presets[0], hcdn[0] = ChainWord(sb), sb.UnitIDWord()
	for _, l := range chains {
		matched := false
		for j := 1; j < len(presets); j++ {
			if PresetFound(presets[j]) || !presetMatches(presets[j], l) {
				continue
			}
			presets[j], hcdn[j] = ChainWord(l), l.UnitIDWord()
			matched = true
			break
		}
		if !matched {
			slog.Debug("sysconf: chain has no preset slot", "link", l.ID().String())
		}
	}

	return BusConf{
		Presets: presets,
		HCDN:    hcdn,
		SBDN:    uint8(hcdn[0] & 0xff),
		SBBus:   sb.Secondary,
	}, nil
}
