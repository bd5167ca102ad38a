package regs

// Northbridge register offsets. The function each register lives in is noted
// alongside; link relative registers are computed by the helpers below.
const (
	RegNodeID      uint16 = 0x060 // F0
	RegUnitID      uint16 = 0x064 // F0
	RegHTTC        uint16 = 0x068 // F0
	RegNodeIDExt   uint16 = 0x160 // F0
	RegLinkExtCtl0 uint16 = 0x170 // F0, one per sublink0 link

	RegDRAMBase0    uint16 = 0x040 // F1, pairs of base/limit at stride 8
	RegMMIOBase0    uint16 = 0x080 // F1, pairs of base/limit at stride 8
	RegIOBase0      uint16 = 0x0c0 // F1, pairs of base/limit at stride 8
	RegConfigMap0   uint16 = 0x0e0 // F1, stride 4
	RegDRAMHole     uint16 = 0x0f0 // F1
	RegVGAEnable    uint16 = 0x0f4 // F1
	RegExtAddrIndex uint16 = 0x110 // F1
	RegExtAddrData  uint16 = 0x114 // F1

	RegDctSelLow    uint16 = 0x110 // F2
	RegDctSelOffset uint16 = 0x114 // F2

	RegNBCap uint16 = 0x0e8 // F3
)

// Fixed register table sizes.
const (
	ConfigMapPairs = 4
	MMIOPairs      = 8
	IOPairs        = 4
	DRAMPairs      = 8
)

// Extended address map table sizes (index field width).
const (
	ExtConfigEntries = 256
	ExtIOEntries     = 256
	ExtMMIOEntries   = 64
)

// LinkCap returns the offset of the HT capability block for link. Sublink1
// links (4..7) use the same offsets in function 4.
func LinkCap(link int) uint16 { return 0x80 + uint16(link&3)*0x20 }

// LinkTypeReg returns the link type register offset for link.
func LinkTypeReg(link int) uint16 { return LinkCap(link) + 0x18 }

// LinkBusReg returns the link bus-number register offset for link.
func LinkBusReg(link int) uint16 { return LinkCap(link) + 0x14 }

// LinkExtCtlReg returns the link extended control register for link.
func LinkExtCtlReg(link int) uint16 { return RegLinkExtCtl0 + 4*uint16(link&3) }

// ConfigMapReg returns the offset of fixed config map register i.
func ConfigMapReg(i int) uint16 { return RegConfigMap0 + 4*uint16(i) }

// MMIOBaseReg returns the base register of MMIO pair i; the limit follows at +4.
func MMIOBaseReg(i int) uint16 { return RegMMIOBase0 + 8*uint16(i) }

// IOBaseReg returns the base register of IO pair i; the limit follows at +4.
func IOBaseReg(i int) uint16 { return RegIOBase0 + 8*uint16(i) }

// DRAMBaseReg returns the DRAM base register for range n; the limit follows at +4.
func DRAMBaseReg(n int) uint16 { return RegDRAMBase0 + 8*uint16(n) }

func field(v uint32, hi, lo uint) uint32 {
	return uint32((uint64(v) >> lo) & (1<<(hi-lo+1) - 1))
}

func withField(v uint32, hi, lo uint, x uint32) uint32 {
	mask := uint32((1<<(hi-lo+1) - 1) << lo)
	return v&^mask | (x<<lo)&mask
}

// LinkType is the link type register (F0/F4 LinkCap+0x18).
type LinkType uint32

// Connected reports LinkConnected, bit 0.
func (t LinkType) Connected() bool { return t&(1<<0) != 0 }

// InitComplete reports InitComplete, bit 1.
func (t LinkType) InitComplete() bool { return t&(1<<1) != 0 }

// NonCoherent reports NonCoherent, bit 2. Clear means a node-to-node link.
func (t LinkType) NonCoherent() bool { return t&(1<<2) != 0 }

// ConnectionPending reports ConnectionPending, bit 4.
func (t LinkType) ConnectionPending() bool { return t&(1<<4) != 0 }

// Link type bits for building register values.
const (
	LinkTypeConnected    LinkType = 1 << 0
	LinkTypeInitComplete LinkType = 1 << 1
	LinkTypeNonCoherent  LinkType = 1 << 2
	LinkTypePending      LinkType = 1 << 4
)

// LinkBus is the link bus-number register (F0/F4 LinkCap+0x14).
//
//	[7:0]   primary bus
//	[15:8]  secondary bus
//	[23:16] subordinate bus
type LinkBus uint32

func (b LinkBus) Primary() uint8     { return uint8(field(uint32(b), 7, 0)) }
func (b LinkBus) Secondary() uint8   { return uint8(field(uint32(b), 15, 8)) }
func (b LinkBus) Subordinate() uint8 { return uint8(field(uint32(b), 23, 16)) }

func (b LinkBus) WithSecondary(bus uint8) LinkBus {
	return LinkBus(withField(uint32(b), 15, 8, uint32(bus)))
}

func (b LinkBus) WithSubordinate(bus uint8) LinkBus {
	return LinkBus(withField(uint32(b), 23, 16, uint32(bus)))
}

// LinkExtCtl is the link extended control register. Ganged, bit 0, means
// sublink1 of the link does not exist.
type LinkExtCtl uint32

func (c LinkExtCtl) Ganged() bool { return c&1 != 0 }

// NodeIDReg is the node id register (F0 0x60, and 0x160 for the extension).
// NodeCnt [6:4] holds the node count minus one.
type NodeIDReg uint32

func (r NodeIDReg) NodeCnt() int { return int(field(uint32(r), 6, 4)) }

// UnitIDReg is the unit id register (F0 0x64). SbLink [10:8] names the link
// carrying the south bridge.
type UnitIDReg uint32

func (r UnitIDReg) SbLink() int { return int(field(uint32(r), 10, 8)) }

// HTTC is the HT transaction control register (F0 0x68).
type HTTC uint32

const (
	HTTCRspPassPW     HTTC = 1 << 11
	HTTCApicExtID     HTTC = 1 << 17
	HTTCApicExtBrdCst HTTC = 1 << 18
)

// NBCap is the northbridge capabilities register (F3 0xE8). CmpCap [13:12]
// plus bit 15 encodes the number of cores minus one.
type NBCap uint32

func (c NBCap) Siblings(wide bool) int {
	n := int(field(uint32(c), 13, 12))
	if wide {
		n |= int(field(uint32(c), 15, 15)) << 2
	}
	return n
}

// NewNBCap encodes a sibling count (cores minus one) into CmpCap.
func NewNBCap(siblings int) NBCap {
	v := withField(0, 13, 12, uint32(siblings&3))
	return NBCap(withField(v, 15, 15, uint32(siblings>>2&1)))
}

// ConfigMap is a fixed config-space routing register (F1 0xE0+4*i).
//
//	[0]     RE
//	[1]     WE
//	[7:4]   DstNode[3:0]
//	[10:8]  DstLink
//	[13:12] DstNode[5:4]
//	[23:16] BusNumBase
//	[31:24] BusNumLimit
type ConfigMap uint32

// NewConfigMap builds an enabled routing register. base and limit are
// already shifted by the segment bit count.
func NewConfigMap(node, link int, base, limit uint8) ConfigMap {
	v := uint32(3)
	v = withField(v, 7, 4, uint32(node&0xf))
	v = withField(v, 10, 8, uint32(link&7))
	v = withField(v, 13, 12, uint32(node>>4)&3)
	v = withField(v, 23, 16, uint32(base))
	v = withField(v, 31, 24, uint32(limit))
	return ConfigMap(v)
}

func (c ConfigMap) Enabled() bool { return c&3 != 0 }
func (c ConfigMap) Node() int     { return int(field(uint32(c), 7, 4) | field(uint32(c), 13, 12)<<4) }
func (c ConfigMap) Link() int     { return int(field(uint32(c), 10, 8)) }
func (c ConfigMap) Base() uint8   { return uint8(field(uint32(c), 23, 16)) }
func (c ConfigMap) Limit() uint8  { return uint8(field(uint32(c), 31, 24)) }

// Extended address map table selectors for F1 0x110 [30:28].
const (
	ExtTypeConfig uint32 = 2
	ExtTypeIO     uint32 = 4
	ExtTypeMMIO   uint32 = 6
)

// ExtIndex builds the extended address map index register (F1 0x110).
//
//	[7:0]   entry index
//	[8]     limit half of an io/mmio entry
//	[30:28] table select
func ExtIndex(table uint32, index int, limit bool) uint32 {
	v := withField(0, 7, 0, uint32(index))
	if limit {
		v = withField(v, 8, 8, 1)
	}
	return withField(v, 30, 28, table)
}

// ExtEntry is the extended address map data register (F1 0x114).
//
//	[1:0]   RE/WE
//	[6:4]   DstLink
//	[13:8]  DstNode
//	[31:16] address field (io/mmio entries only)
type ExtEntry uint32

func NewExtEntry(node, link int, addr uint32) ExtEntry {
	v := uint32(3)
	v = withField(v, 6, 4, uint32(link&7))
	v = withField(v, 13, 8, uint32(node&0x3f))
	v = withField(v, 31, 16, addr)
	return ExtEntry(v)
}

func (e ExtEntry) Enabled() bool { return e&3 != 0 }
func (e ExtEntry) Link() int     { return int(field(uint32(e), 6, 4)) }
func (e ExtEntry) Node() int     { return int(field(uint32(e), 13, 8)) }
func (e ExtEntry) Addr() uint32  { return field(uint32(e), 31, 16) }

// Address shifts for the extended io/mmio entry address field.
const (
	ExtIOAddrShift   = 8
	ExtMMIOAddrShift = 24
)

// MMIOBase is a fixed MMIO base register (F1 0x80+8*i).
//
//	[0]    RE
//	[1]    WE
//	[5:4]  DstNode[5:4]
//	[31:8] Base[39:16]
type MMIOBase uint32

// MMIOLimit is a fixed MMIO limit register (F1 0x84+8*i).
//
//	[3:0]  DstNode[3:0]
//	[6:4]  DstLink
//	[7]    NP
//	[31:8] Limit[39:16]
type MMIOLimit uint32

func NewMMIOPair(node, link int, base, limit uint64) (MMIOBase, MMIOLimit) {
	b := uint32(3)
	b = withField(b, 5, 4, uint32(node>>4)&3)
	b = withField(b, 31, 8, uint32(base>>16))
	l := withField(0, 3, 0, uint32(node&0xf))
	l = withField(l, 6, 4, uint32(link&7))
	l = withField(l, 31, 8, uint32(limit>>16))
	return MMIOBase(b), MMIOLimit(l)
}

func (b MMIOBase) Enabled() bool { return b&3 != 0 }
func (b MMIOBase) Base() uint64  { return uint64(field(uint32(b), 31, 8)) << 16 }

// Limit returns the inclusive limit address.
func (l MMIOLimit) Limit() uint64 { return uint64(field(uint32(l), 31, 8))<<16 | 0xffff }
func (l MMIOLimit) Link() int     { return int(field(uint32(l), 6, 4)) }

// MMIONode decodes the destination node split across a base/limit pair.
func MMIONode(b MMIOBase, l MMIOLimit) int {
	return int(field(uint32(l), 3, 0) | field(uint32(b), 5, 4)<<4)
}

// IOBase is a fixed IO base register (F1 0xC0+8*i).
//
//	[0]     RE
//	[1]     WE
//	[4]     VE
//	[5]     ISA
//	[24:12] Base[24:12]
type IOBase uint32

// IOLimit is a fixed IO limit register (F1 0xC4+8*i).
//
//	[3:0]   DstNode[3:0]
//	[6:4]   DstLink
//	[9:8]   DstNode[5:4]
//	[24:12] Limit[24:12]
type IOLimit uint32

func NewIOPair(node, link int, base, limit uint64) (IOBase, IOLimit) {
	b := withField(3, 24, 12, uint32(base>>12))
	l := withField(0, 3, 0, uint32(node&0xf))
	l = withField(l, 6, 4, uint32(link&7))
	l = withField(l, 9, 8, uint32(node>>4)&3)
	l = withField(l, 24, 12, uint32(limit>>12))
	return IOBase(b), IOLimit(l)
}

func (b IOBase) Enabled() bool { return b&3 != 0 }
func (b IOBase) Base() uint64  { return uint64(field(uint32(b), 24, 12)) << 12 }

// Limit returns the inclusive limit address.
func (l IOLimit) Limit() uint64 { return uint64(field(uint32(l), 24, 12))<<12 | 0xfff }
func (l IOLimit) Link() int     { return int(field(uint32(l), 6, 4)) }
func (l IOLimit) Node() int     { return int(field(uint32(l), 3, 0) | field(uint32(l), 9, 8)<<4) }

// VGAEnable is the VGA routing register (F1 0xF4). It routes MMIO
// 0xA0000-0xBFFFF and IO 0x3B0-0x3BB, 0x3C0-0x3DF to one link.
//
//	[0]     enable
//	[9:4]   DstNode
//	[14:12] DstLink
type VGAEnable uint32

func NewVGAEnable(node, link int) VGAEnable {
	v := withField(1, 9, 4, uint32(node&0x3f))
	return VGAEnable(withField(v, 14, 12, uint32(link&7)))
}

// DRAMBase is a DRAM base register (F1 0x40+8*n).
//
//	[0]     RE
//	[1]     WE
//	[10:8]  IntlvEn
//	[31:16] Base[39:24]
type DRAMBase uint32

// DRAMLimit is a DRAM limit register (F1 0x44+8*n). The low 24 bits of the
// limit address are implied ones.
//
//	[2:0]   DstNode
//	[10:8]  IntlvSel
//	[31:16] Limit[39:24]
type DRAMLimit uint32

// DRAMGranularity is the address granularity of the DRAM base/limit pair.
const DRAMGranularity = 1 << 24

// NewDRAMPair encodes the range [base, limit) owned by node. limit is
// exclusive and both ends must be DRAMGranularity aligned.
func NewDRAMPair(node int, base, limit uint64) (DRAMBase, DRAMLimit) {
	b := withField(3, 31, 16, uint32(base>>24))
	l := withField(0, 2, 0, uint32(node&7))
	l = withField(l, 31, 16, uint32((limit-1)>>24))
	return DRAMBase(b), DRAMLimit(l)
}

func (b DRAMBase) Enabled() bool { return b&3 != 0 }
func (b DRAMBase) Base() uint64  { return uint64(field(uint32(b), 31, 16)) << 24 }
func (b DRAMBase) IntlvEn() int  { return int(field(uint32(b), 10, 8)) }

// End returns the exclusive end address of the range.
func (l DRAMLimit) End() uint64 { return (uint64(field(uint32(l), 31, 16)) + 1) << 24 }
func (l DRAMLimit) Node() int   { return int(field(uint32(l), 2, 0)) }

// WithBase moves the range base, keeping the enable and interleave fields.
func (b DRAMBase) WithBase(addr uint64) DRAMBase {
	return DRAMBase(withField(uint32(b), 31, 16, uint32(addr>>24)))
}

// WithEnd moves the exclusive end of the range, keeping the other fields.
func (l DRAMLimit) WithEnd(end uint64) DRAMLimit {
	return DRAMLimit(withField(uint32(l), 31, 16, uint32((end-1)>>24)))
}

// DRAMHole is the DRAM hole address register (F1 0xF0).
//
//	[0]     DramHoleValid
//	[15:7]  DramHoleOffset[31:23]
//	[31:24] DramHoleBase[31:24]
type DRAMHole uint32

func NewDRAMHole(base, offset uint64) DRAMHole {
	v := withField(1, 15, 7, uint32(offset>>23))
	return DRAMHole(withField(v, 31, 24, uint32(base>>24)))
}

func (h DRAMHole) Valid() bool    { return h&1 != 0 }
func (h DRAMHole) Base() uint64   { return uint64(field(uint32(h), 31, 24)) << 24 }
func (h DRAMHole) Offset() uint64 { return uint64(field(uint32(h), 15, 7)) << 23 }

// DctSelLow is the DRAM controller select low register (F2 0x110).
//
//	[0]     DctSelHiRngEn
//	[31:10] DctSelBaseAddr[47:26]
type DctSelLow uint32

func (d DctSelLow) HiRangeEnabled() bool { return d&1 != 0 }
func (d DctSelLow) BaseAddr() uint64     { return uint64(field(uint32(d), 31, 10)) << 26 }

func (d DctSelLow) WithBaseAddr(addr uint64) DctSelLow {
	return DctSelLow(withField(uint32(d), 31, 10, uint32(addr>>26)))
}

// DctSelOffset is the DRAM controller select base offset register (F2 0x114).
//
//	[31:10] DctSelBaseOffset[47:26]
type DctSelOffset uint32

func (d DctSelOffset) Offset() uint64 { return uint64(field(uint32(d), 31, 10)) << 26 }

func (d DctSelLow) WithHiRange(on bool) DctSelLow {
	if on {
		return d | 1
	}
	return d &^ 1
}

func NewDctSelOffset(addr uint64) DctSelOffset {
	return DctSelOffset(withField(0, 31, 10, uint32(addr>>26)))
}
