package busnum

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/topology"
)

const (
	provisionalTop = 0xfe
	maxDevFnBus0   = 0x17<<3 | 7
	maxDevFn       = 0x1f<<3 | 7
)

// Route is one config-space routing bookkeeping entry. Indices below the
// fixed slot count map onto F1 0xE0..0xEC, the rest onto the extended table.
type Route struct {
	Used        bool
	Node        topology.NodeID
	Link        int
	Secondary   uint16
	Subordinate uint16
}

// Allocator numbers the buses behind every non-coherent link.
type Allocator struct {
	space    *regs.Space
	platform *topology.Platform
	prober   ChainProber
	sbLink   int

	routes []Route
	chains int
}

// NewAllocator returns an allocator for a system whose south bridge sits on
// sbLink of node 0.
func NewAllocator(space *regs.Space, p *topology.Platform, prober ChainProber, sbLink int) *Allocator {
	slots := p.ConfigMapSlots
	if p.ExtendedConfig {
		slots = p.ConfigMapExtSlots
	}
	return &Allocator{
		space:    space,
		platform: p,
		prober:   prober,
		sbLink:   sbLink,
		routes:   make([]Route, slots),
	}
}

// Routes returns a copy of the routing bookkeeping table.
func (a *Allocator) Routes() []Route {
	out := make([]Route, len(a.routes))
	copy(out, a.routes)
	return out
}

// Chains returns the number of chains numbered so far.
func (a *Allocator) Chains() int { return a.chains }

// acquireRoute returns the slot already routing id, or the first free one.
func (a *Allocator) acquireRoute(id topology.LinkID) (int, error) {
	for i, r := range a.routes {
		if r.Used && r.Node == id.Node && r.Link == id.Link {
			return i, nil
		}
	}
	for i, r := range a.routes {
		if !r.Used {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %d config map routes in use, cannot route %s",
		topology.ErrResourceExhausted, len(a.routes), id)
}

func (a *Allocator) coarse(bus uint16) uint8 {
	return uint8(bus >> a.platform.SegmentBits)
}

// program writes the routing for [secondary, subordinate] to id.
func (a *Allocator) program(index int, id topology.LinkID, secondary, subordinate uint16) error {
	if index < a.platform.ConfigMapSlots {
		v := regs.NewConfigMap(id.Node.Int(), id.Link, a.coarse(secondary), a.coarse(subordinate))
		return a.space.WriteAddrMap(regs.ConfigMapReg(index), uint32(v))
	}
	entry := regs.NewExtEntry(id.Node.Int(), id.Link, 0)
	for b := int(a.coarse(secondary)); b <= int(a.coarse(subordinate)); b++ {
		if err := a.writeExt(b, uint32(entry)); err != nil {
			return err
		}
	}
	return nil
}

// clearExt drops extended routing entries for the coarse buses from..to.
func (a *Allocator) clearExt(from, to int) error {
	for b := from; b <= to; b++ {
		if err := a.writeExt(b, 0); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) writeExt(index int, value uint32) error {
	if err := a.space.WriteAddrMap(regs.RegExtAddrIndex, regs.ExtIndex(regs.ExtTypeConfig, index, false)); err != nil {
		return err
	}
	return a.space.WriteAddrMap(regs.RegExtAddrData, value)
}

func (a *Allocator) pinned(link *topology.Link) bool {
	return a.platform.SBChainOnBus0 && link.Node == 0 && link.Num == a.sbLink
}

// nextSecondary picks the first bus of the next chain.
func (a *Allocator) nextSecondary(link *topology.Link, maxBus uint16) (uint16, error) {
	if a.pinned(link) {
		return maxBus, nil
	}
	secondary := uint32(maxBus) + 1
	if a.platform.SegmentBits > 0 {
		align := uint32(1) << a.platform.SegmentBits
		secondary = (secondary + align - 1) &^ (align - 1)
	}
	seg := uint32(maxBus) >> 8
	if secondary>>8 != seg || secondary&0xff > provisionalTop {
		seg++
		secondary = seg << 8
		slog.Debug("busnum: advancing to next segment", "segment", seg)
	}
	if seg >= uint32(a.platform.Segments()) {
		return 0, fmt.Errorf("%w: %s needs segment %d of %d", topology.ErrBusExhausted, link.ID(), seg, a.platform.Segments())
	}
	return uint16(secondary), nil
}

func (a *Allocator) writeLinkBus(link *topology.Link, secondary, subordinate uint16) error {
	fn := regs.FuncHT
	if link.Sublink() {
		fn = regs.FuncLink
	}
	return a.space.Modify(link.Node.Int(), fn, regs.LinkBusReg(link.Num), func(v uint32) uint32 {
		return uint32(regs.LinkBus(v).WithSecondary(uint8(secondary)).WithSubordinate(uint8(subordinate)))
	})
}

// AssignBusNumbers numbers the chain behind link starting after maxBus and
// returns the new running maximum.
func (a *Allocator) AssignBusNumbers(link *topology.Link, maxBus uint16, offsetUnitID bool) (uint16, error) {
	id := link.ID()
	if !link.Candidate() {
		return maxBus, nil
	}

	secondary, err := a.nextSecondary(link, maxBus)
	if err != nil {
		return maxBus, err
	}
	seg := secondary >> 8
	subordinate := seg<<8 | provisionalTop

	// The bridge forwards nothing until it knows its secondary bus.
	if err := a.writeLinkBus(link, secondary, subordinate); err != nil {
		return maxBus, err
	}

	index, err := a.acquireRoute(id)
	if err != nil {
		return maxBus, err
	}
	if index >= a.platform.ConfigMapSlots {
		slog.Debug("busnum: using extended config map", "node", id.Node, "link", id.Link, "index", index)
	}
	if err := a.program(index, id, secondary, subordinate); err != nil {
		return maxBus, err
	}

	var unitIDs [MaxChainDevices]uint8
	for i := range unitIDs {
		unitIDs[i] = 0x20
	}
	devFn := uint8(maxDevFn)
	if secondary == 0 {
		devFn = maxDevFnBus0
	}
	newMax, err := a.prober.ProbeChain(link, devFn, secondary, &unitIDs, offsetUnitID)
	if err != nil {
		return maxBus, fmt.Errorf("probe %s: %w", id, err)
	}
	if newMax < secondary || newMax > subordinate {
		return maxBus, fmt.Errorf("%w: chain behind %s ends at bus 0x%x, outside 0x%x-0x%x",
			topology.ErrBusExhausted, id, newMax, secondary, subordinate)
	}

	if index >= a.platform.ConfigMapSlots {
		if err := a.clearExt(int(a.coarse(newMax))+1, int(a.coarse(subordinate))); err != nil {
			return maxBus, err
		}
	}
	if err := a.program(index, id, secondary, newMax); err != nil {
		return maxBus, err
	}
	if err := a.writeLinkBus(link, secondary, newMax); err != nil {
		return maxBus, err
	}

	link.Secondary = secondary
	link.Subordinate = newMax
	link.Segment = int(seg)
	link.ConfigIndex = index
	link.UnitIDBases = unitIDs
	a.routes[index] = Route{Used: true, Node: id.Node, Link: id.Link, Secondary: secondary, Subordinate: newMax}
	a.chains++

	slog.Debug("busnum: chain assigned",
		"node", id.Node, "link", id.Link,
		"secondary", fmt.Sprintf("0x%03x", secondary),
		"subordinate", fmt.Sprintf("0x%03x", newMax),
		"route", index)
	return newMax, nil
}

func (a *Allocator) offsetUnitID(southBridge bool) bool {
	if a.platform.ChainUnitIDBase == 1 && a.platform.ChainEndUnitIDBase == 0x20 {
		return false
	}
	if a.platform.SBUnitIDOffsetOnly {
		return southBridge
	}
	return true
}

// ScanNode numbers every candidate link of node. On node 0 the south bridge
// chain goes first regardless of where it was discovered; the others follow
// in discovery order.
func (a *Allocator) ScanNode(node *topology.Node, maxBus uint16) (uint16, error) {
	var err error
	sb := -1
	if node.ID == 0 {
		for i := range node.Links {
			if node.Links[i].Num == a.sbLink && node.Links[i].Candidate() {
				sb = i
			}
		}
		if sb < 0 {
			return maxBus, fmt.Errorf("%w: node 0 link %d is not a trained I/O link", topology.ErrNoSouthBridge, a.sbLink)
		}
		maxBus, err = a.AssignBusNumbers(&node.Links[sb], maxBus, a.offsetUnitID(true))
		if err != nil {
			return maxBus, err
		}
	}
	for i := range node.Links {
		if i == sb {
			continue
		}
		maxBus, err = a.AssignBusNumbers(&node.Links[i], maxBus, a.offsetUnitID(false))
		if err != nil {
			return maxBus, err
		}
	}
	return maxBus, nil
}

// Unmap clears every routing register so stale ranges left by earlier boot
// stages do not shadow the new numbering.
func (a *Allocator) Unmap() error {
	for i := 0; i < a.platform.ConfigMapSlots; i++ {
		if err := a.space.WriteAddrMap(regs.ConfigMapReg(i), 0); err != nil {
			return err
		}
	}
	if a.platform.ExtendedConfig {
		if err := a.clearExt(0, regs.ExtConfigEntries-1); err != nil {
			return err
		}
	}
	return nil
}

// ScanDomain unmaps all chains, numbers every node's chains and tunes the
// HT transaction control of each node. It returns the highest bus used.
func (a *Allocator) ScanDomain(nodes []topology.Node) (uint16, error) {
	if err := a.Unmap(); err != nil {
		return 0, err
	}

	var maxBus uint16
	var err error
	for i := range nodes {
		if !nodes[i].Enabled {
			continue
		}
		maxBus, err = a.ScanNode(&nodes[i], maxBus)
		if err != nil {
			return maxBus, fmt.Errorf("node %d: %w", nodes[i].ID, err)
		}
	}

	for i := range nodes {
		if !nodes[i].Enabled {
			continue
		}
		err := a.space.Modify(nodes[i].ID.Int(), regs.FuncHT, regs.RegHTTC, func(v uint32) uint32 {
			v &^= uint32(regs.HTTCRspPassPW)
			if !a.platform.DisableRelaxedOrdering {
				v |= uint32(regs.HTTCRspPassPW)
			}
			return v
		})
		if err != nil {
			return maxBus, err
		}
	}
	slog.Debug("busnum: domain scanned", "chains", a.chains, "max", fmt.Sprintf("0x%03x", maxBus))
	return maxBus, nil
}
