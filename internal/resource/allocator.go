package resource

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/topology"
)

type windowKey struct {
	id    topology.LinkID
	class Class
}

// pairSlot tracks the owner of one fixed base/limit register pair.
type pairSlot struct {
	used   bool
	preset bool // programmed before we ran and not yet claimed
	id     topology.LinkID
	class  Class
}

// Allocator hands out address routing windows to links.
type Allocator struct {
	space    *regs.Space
	platform *topology.Platform

	io   []pairSlot
	mmio []pairSlot

	ext      map[windowKey]int
	nextIO   int
	nextMMIO int

	windows map[windowKey]*Window
	order   []*Window
}

func NewAllocator(space *regs.Space, p *topology.Platform) *Allocator {
	return &Allocator{
		space:    space,
		platform: p,
		io:       make([]pairSlot, p.IOPairSlots),
		mmio:     make([]pairSlot, p.MMIOPairSlots),
		ext:      make(map[windowKey]int),
		windows:  make(map[windowKey]*Window),
	}
}

// Windows returns every window in allocation order.
func (a *Allocator) Windows() []*Window {
	out := make([]*Window, len(a.order))
	copy(out, a.order)
	return out
}

// ReserveProgrammed records register pairs that earlier boot stages already
// enabled. A preset pair is handed to the first window requested for the
// same node and link.
func (a *Allocator) ReserveProgrammed() error {
	for i := range a.mmio {
		b, err := a.space.ReadAddrMap(regs.MMIOBaseReg(i))
		if err != nil {
			return err
		}
		l, err := a.space.ReadAddrMap(regs.MMIOBaseReg(i) + 4)
		if err != nil {
			return err
		}
		base, limit := regs.MMIOBase(b), regs.MMIOLimit(l)
		if b == 0xffff_ffff || !base.Enabled() {
			continue
		}
		a.mmio[i] = pairSlot{
			used:   true,
			preset: true,
			id:     topology.LinkID{Node: topology.NodeID(regs.MMIONode(base, limit)), Link: limit.Link()},
		}
		slog.Debug("resource: preset mmio pair", "pair", i, "owner", a.mmio[i].id, "base", fmt.Sprintf("0x%x", base.Base()))
	}
	for i := range a.io {
		b, err := a.space.ReadAddrMap(regs.IOBaseReg(i))
		if err != nil {
			return err
		}
		l, err := a.space.ReadAddrMap(regs.IOBaseReg(i) + 4)
		if err != nil {
			return err
		}
		base, limit := regs.IOBase(b), regs.IOLimit(l)
		if b == 0xffff_ffff || !base.Enabled() {
			continue
		}
		a.io[i] = pairSlot{
			used:   true,
			preset: true,
			id:     topology.LinkID{Node: topology.NodeID(limit.Node()), Link: limit.Link()},
		}
		slog.Debug("resource: preset io pair", "pair", i, "owner", a.io[i].id, "base", fmt.Sprintf("0x%x", base.Base()))
	}
	return nil
}

func (a *Allocator) slots(class Class) []pairSlot {
	if class == ClassIO {
		return a.io
	}
	return a.mmio
}

// findPair returns the fixed pair for key: one already claimed by it, an
// unclaimed preset for the same link, or the last free pair. It returns -1
// when none qualifies.
func (a *Allocator) findPair(key windowKey) int {
	slots := a.slots(key.class)
	free := -1
	for i, s := range slots {
		switch {
		case !s.used:
			free = i
		case s.id != key.id:
			// owned by another link
		case s.preset:
			return i
		case s.class == key.class:
			return i
		}
	}
	return free
}

func (a *Allocator) extIndex(key windowKey) (int, error) {
	if !a.platform.ExtendedConfig {
		return 0, fmt.Errorf("%w: no free %s register pair for %s", topology.ErrResourceExhausted, key.class, key.id)
	}
	if i, ok := a.ext[key]; ok {
		return i, nil
	}
	next, limit := &a.nextMMIO, a.platform.MMIOExtSlots
	if key.class == ClassIO {
		next, limit = &a.nextIO, a.platform.IOExtSlots
	}
	if *next >= limit {
		return 0, fmt.Errorf("%w: %d extended %s entries in use, cannot route %s",
			topology.ErrResourceExhausted, limit, key.class, key.id)
	}
	i := *next
	*next++
	a.ext[key] = i
	return i, nil
}

// AllocateWindow returns the routing window of class for a link, creating it
// on first use. Repeated calls for the same link and class return the same
// window.
func (a *Allocator) AllocateWindow(node topology.NodeID, link int, class Class) (*Window, error) {
	key := windowKey{id: topology.LinkID{Node: node, Link: link}, class: class}
	if w, ok := a.windows[key]; ok {
		return w, nil
	}

	w := &Window{Class: class, Node: node, Link: link, Slot: -1}
	if i := a.findPair(key); i >= 0 {
		slots := a.slots(class)
		slots[i] = pairSlot{used: true, id: key.id, class: class}
		w.Slot = i
	} else {
		idx, err := a.extIndex(key)
		if err != nil {
			return nil, err
		}
		w.Extended = true
		w.ExtIndex = idx
	}
	w.constrain()

	a.windows[key] = w
	a.order = append(a.order, w)
	slog.Debug("resource: window allocated", "window", w.String())
	return w, nil
}

// ReadBridgeWindows allocates the IO, prefetchable and non-prefetchable MMIO
// windows of every link of node that carries a bus range.
func (a *Allocator) ReadBridgeWindows(node *topology.Node) ([]*Window, error) {
	var out []*Window
	for i := range node.Links {
		link := &node.Links[i]
		if !link.HasChildren() {
			continue
		}
		for _, class := range []Class{ClassIO, ClassMMIOPrefetch, ClassMMIO} {
			w, err := a.AllocateWindow(node.ID, link.Num, class)
			if err != nil {
				return out, err
			}
			out = append(out, w)
		}
	}
	return out, nil
}

// Commit programs an assigned window into the address map. Committing a
// window twice is a no-op.
func (a *Allocator) Commit(w *Window) error {
	if !w.Assigned || w.Stored {
		return nil
	}
	end := w.End()
	node := w.Node.Int()

	switch {
	case w.Extended:
		table, shift := regs.ExtTypeMMIO, uint(regs.ExtMMIOAddrShift)
		if w.Class == ClassIO {
			table, shift = regs.ExtTypeIO, uint(regs.ExtIOAddrShift)
		}
		if err := a.writeExt(table, w.ExtIndex, true, regs.NewExtEntry(node, w.Link, uint32(end>>shift))); err != nil {
			return err
		}
		if err := a.writeExt(table, w.ExtIndex, false, regs.NewExtEntry(node, w.Link, uint32(w.Base>>shift))); err != nil {
			return err
		}
	case w.Class == ClassIO:
		base, limit := regs.NewIOPair(node, w.Link, w.Base, end)
		if err := a.space.WriteAddrMap(regs.IOBaseReg(w.Slot)+4, uint32(limit)); err != nil {
			return err
		}
		if err := a.space.WriteAddrMap(regs.IOBaseReg(w.Slot), uint32(base)); err != nil {
			return err
		}
	default:
		base, limit := regs.NewMMIOPair(node, w.Link, w.Base, end)
		if err := a.space.WriteAddrMap(regs.MMIOBaseReg(w.Slot)+4, uint32(limit)); err != nil {
			return err
		}
		if err := a.space.WriteAddrMap(regs.MMIOBaseReg(w.Slot), uint32(base)); err != nil {
			return err
		}
	}
	w.Stored = true
	slog.Debug("resource: window stored", "window", w.String())
	return nil
}

func (a *Allocator) writeExt(table uint32, index int, limit bool, e regs.ExtEntry) error {
	if err := a.space.WriteAddrMap(regs.RegExtAddrIndex, regs.ExtIndex(table, index, limit)); err != nil {
		return err
	}
	return a.space.WriteAddrMap(regs.RegExtAddrData, uint32(e))
}

// CommitAll commits every assigned window in allocation order.
func (a *Allocator) CommitAll() error {
	for _, w := range a.order {
		if err := a.Commit(w); err != nil {
			return fmt.Errorf("commit %s: %w", w, err)
		}
	}
	return nil
}

// EnableVGA routes the legacy VGA ranges to link of node.
func (a *Allocator) EnableVGA(node topology.NodeID, link int) error {
	slog.Debug("resource: vga routed", "node", node, "link", link)
	return a.space.WriteAddrMap(regs.RegVGAEnable, uint32(regs.NewVGAEnable(node.Int(), link)))
}

// TopOfLowMemory returns the lowest base of an assigned memory window below
// 4 GiB, or ceiling when there is none.
func TopOfLowMemory(windows []*Window, ceiling uint64) uint64 {
	tolm := ceiling
	for _, w := range windows {
		if !w.Class.Memory() || !w.Assigned || w.Size == 0 {
			continue
		}
		if w.Base < tolm && w.Base < 1<<32 {
			tolm = w.Base
		}
	}
	return tolm
}
