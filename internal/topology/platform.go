package topology

import (
	"fmt"

	"github.com/tinyrange/httopo/internal/regs"
)

// SouthBridgeLocus names where the legacy south bridge hangs off node 0.
type SouthBridgeLocus struct {
	// Link overrides the SbLink field of the unit id register when set.
	Link *int `yaml:"link,omitempty"`

	// Device is the device number of the south bridge on its chain (sbdn).
	Device uint8 `yaml:"device"`
}

// Platform is the table of per-platform constants every component is
// parameterized by.
type Platform struct {
	MaxNodes     int `yaml:"max_nodes"`
	LinksPerNode int `yaml:"links_per_node"`
	CoreIDBits   int `yaml:"core_id_bits"`

	// Node northbridge functions live at bus ConfigBusBase, device
	// ConfigDevBase+node. Nodes 32..63 sit on bus ConfigBusBase-1 at device
	// ConfigDevBase+node-32. ConfigDevBase is nil until set; Normalize
	// defaults it to 0x18, and 64-node boards set it to 0.
	ConfigBusBase uint8  `yaml:"config_bus_base"`
	ConfigDevBase *uint8 `yaml:"config_dev_base,omitempty"`

	ConfigMapSlots int `yaml:"config_map_slots"`
	IOPairSlots    int `yaml:"io_pair_slots"`
	MMIOPairSlots  int `yaml:"mmio_pair_slots"`

	// ExtendedConfig enables the index-addressed extended address map used
	// once the fixed register pairs run out.
	ExtendedConfig    bool `yaml:"extended_config"`
	ConfigMapExtSlots int  `yaml:"config_map_ext_slots"`
	IOExtSlots        int  `yaml:"io_ext_slots"`
	MMIOExtSlots      int  `yaml:"mmio_ext_slots"`

	// SegmentBits is log2 of the number of 256-bus PCI segments.
	SegmentBits uint `yaml:"segment_bits"`

	SouthBridge        SouthBridgeLocus `yaml:"south_bridge"`
	SBChainOnBus0      bool             `yaml:"sb_chain_on_bus0"`
	ChainUnitIDBase    uint8            `yaml:"chain_unit_id_base"`
	ChainEndUnitIDBase uint8            `yaml:"chain_end_unit_id_base"`
	SBUnitIDOffsetOnly bool             `yaml:"sb_unit_id_offset_only"`

	MaxPollIterations int `yaml:"max_poll_iterations"`

	// HoleStartK is the hole start reported when hardware has no hole yet.
	HoleStartK     uint64 `yaml:"hole_start_k"`
	HoleAutoGrow   bool   `yaml:"hole_auto_grow"`
	MMIOHoleAlign  uint64 `yaml:"mmio_hole_align"`
	HighTablesSize uint64 `yaml:"high_tables_size"`
	UMASize        uint64 `yaml:"uma_size"`

	// MMIOCeiling is the first address above the 32-bit window used for
	// bridge MMIO. Prefetch64 lets prefetchable windows go above 4 GiB.
	MMIOCeiling uint64 `yaml:"mmio_ceiling"`
	Prefetch64  bool   `yaml:"prefetch64"`

	DisableRelaxedOrdering bool `yaml:"disable_relaxed_ordering"`
}

// DefaultPlatform returns the constants of a stock four-link board.
func DefaultPlatform() Platform {
	p := Platform{
		SBChainOnBus0:  true,
		ExtendedConfig: true,
	}
	p.Normalize()
	return p
}

// Normalize fills unset fields with their defaults.
func (p *Platform) Normalize() {
	if p.MaxNodes == 0 {
		p.MaxNodes = 8
	}
	if p.LinksPerNode == 0 {
		p.LinksPerNode = 4
	}
	if p.CoreIDBits == 0 {
		p.CoreIDBits = 2
	}
	if p.ConfigDevBase == nil {
		cdb := uint8(0x18)
		p.ConfigDevBase = &cdb
	}
	if p.ConfigMapSlots == 0 {
		p.ConfigMapSlots = regs.ConfigMapPairs
	}
	if p.IOPairSlots == 0 {
		p.IOPairSlots = regs.IOPairs
	}
	if p.MMIOPairSlots == 0 {
		p.MMIOPairSlots = regs.MMIOPairs
	}
	if p.ConfigMapExtSlots == 0 {
		p.ConfigMapExtSlots = 32
	}
	if p.IOExtSlots == 0 {
		p.IOExtSlots = regs.ExtIOEntries
	}
	if p.MMIOExtSlots == 0 {
		p.MMIOExtSlots = regs.ExtMMIOEntries
	}
	if p.ChainUnitIDBase == 0 {
		p.ChainUnitIDBase = 1
	}
	if p.ChainEndUnitIDBase == 0 {
		p.ChainEndUnitIDBase = 0x20
	}
	if p.MaxPollIterations == 0 {
		p.MaxPollIterations = 1000
	}
	if p.HoleStartK == 0 {
		p.HoleStartK = 0x10_0000
	}
	if p.MMIOHoleAlign == 0 {
		p.MMIOHoleAlign = 64 << 20
	}
	if p.HighTablesSize == 0 {
		p.HighTablesSize = 64 << 10
	}
	if p.MMIOCeiling == 0 {
		p.MMIOCeiling = 0xfc00_0000
	}
}

// Validate rejects constants outside what the register layout can express.
func (p *Platform) Validate() error {
	switch {
	case p.MaxNodes < 1 || p.MaxNodes > 64:
		return fmt.Errorf("%w: max nodes %d outside 1..64", ErrUnsupportedTopology, p.MaxNodes)
	case p.LinksPerNode != 4 && p.LinksPerNode != 8:
		return fmt.Errorf("%w: links per node must be 4 or 8, got %d", ErrUnsupportedTopology, p.LinksPerNode)
	case p.SegmentBits > 4:
		return fmt.Errorf("%w: segment bits %d above 4", ErrUnsupportedTopology, p.SegmentBits)
	case p.ConfigMapSlots > regs.ConfigMapPairs:
		return fmt.Errorf("%w: %d config map slots, hardware has %d", ErrUnsupportedTopology, p.ConfigMapSlots, regs.ConfigMapPairs)
	case p.IOPairSlots > regs.IOPairs:
		return fmt.Errorf("%w: %d io pairs, hardware has %d", ErrUnsupportedTopology, p.IOPairSlots, regs.IOPairs)
	case p.MMIOPairSlots > regs.MMIOPairs:
		return fmt.Errorf("%w: %d mmio pairs, hardware has %d", ErrUnsupportedTopology, p.MMIOPairSlots, regs.MMIOPairs)
	case p.IOExtSlots > regs.ExtIOEntries || p.MMIOExtSlots > regs.ExtMMIOEntries || p.ConfigMapExtSlots > regs.ExtConfigEntries:
		return fmt.Errorf("%w: extended slot count above index width", ErrUnsupportedTopology)
	case p.MMIOHoleAlign&(p.MMIOHoleAlign-1) != 0:
		return fmt.Errorf("%w: hole alignment 0x%x is not a power of 2", ErrUnsupportedTopology, p.MMIOHoleAlign)
	}
	if last := int(p.CDB()) + min(p.MaxNodes, 32) - 1; last > 31 {
		return fmt.Errorf("%w: %d nodes from device 0x%02x reach device 0x%02x", ErrUnsupportedTopology, p.MaxNodes, p.CDB(), last)
	}
	if p.MaxNodes > 32 && p.ConfigBusBase == 0 {
		return fmt.Errorf("%w: nodes 32..%d need a bus below config bus 0", ErrUnsupportedTopology, p.MaxNodes-1)
	}
	if p.SouthBridge.Link != nil && (*p.SouthBridge.Link < 0 || *p.SouthBridge.Link >= p.LinksPerNode) {
		return fmt.Errorf("%w: south bridge link %d", ErrUnsupportedTopology, *p.SouthBridge.Link)
	}
	return nil
}

// CDB returns the config device base, 0x18 when unset.
func (p *Platform) CDB() uint8 {
	if p.ConfigDevBase == nil {
		return 0x18
	}
	return *p.ConfigDevBase
}

// Segments returns the number of 256-bus segments.
func (p *Platform) Segments() int { return 1 << p.SegmentBits }

// Space returns a register space for backend laid out per the platform.
func (p *Platform) Space(backend regs.Backend, nodes int) *regs.Space {
	return &regs.Space{
		Backend: backend,
		CBB:     p.ConfigBusBase,
		CDB:     p.CDB(),
		Nodes:   nodes,
	}
}
