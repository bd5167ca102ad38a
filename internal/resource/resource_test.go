package resource

import (
	"errors"
	"testing"

	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/topology"
)

func newResourceSpace(nodes int, p *topology.Platform) (*regs.MemBackend, *regs.Space) {
	mem := regs.NewMemBackend()
	space := p.Space(mem, nodes)
	for n := 0; n < nodes; n++ {
		f1 := space.NodeLocus(n, regs.FuncAddrMap)
		mem.AddFunction(f1)
		mem.AddIndirect(f1, regs.RegExtAddrIndex, regs.RegExtAddrData)
	}
	return mem, space
}

func TestAllocateWindowReusesSlot(t *testing.T) {
	p := topology.DefaultPlatform()
	_, space := newResourceSpace(1, &p)
	a := NewAllocator(space, &p)

	w1, err := a.AllocateWindow(0, 1, ClassMMIO)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	w2, err := a.AllocateWindow(0, 1, ClassMMIO)
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if w1 != w2 {
		t.Fatalf("second call returned a different window")
	}
	// The last free pair is taken first.
	if w1.Slot != p.MMIOPairSlots-1 {
		t.Fatalf("slot: got %d want %d", w1.Slot, p.MMIOPairSlots-1)
	}
	pref, err := a.AllocateWindow(0, 1, ClassMMIOPrefetch)
	if err != nil {
		t.Fatalf("allocate prefetch: %v", err)
	}
	if pref.Slot == w1.Slot {
		t.Fatalf("prefetch window shares pair %d with mmio", pref.Slot)
	}
	if len(a.Windows()) != 2 {
		t.Fatalf("windows: got %d want 2", len(a.Windows()))
	}
}

func TestPresetPairClaimedByOwner(t *testing.T) {
	p := topology.DefaultPlatform()
	mem, space := newResourceSpace(1, &p)
	f1 := space.NodeLocus(0, regs.FuncAddrMap)
	b, l := regs.NewMMIOPair(1, 2, 0xe000_0000, 0xe0ff_ffff)
	mem.Set(f1, regs.MMIOBaseReg(2), uint32(b))
	mem.Set(f1, regs.MMIOBaseReg(2)+4, uint32(l))
	iob, iol := regs.NewIOPair(1, 2, 0x2000, 0x2fff)
	mem.Set(f1, regs.IOBaseReg(0), uint32(iob))
	mem.Set(f1, regs.IOBaseReg(0)+4, uint32(iol))

	a := NewAllocator(space, &p)
	if err := a.ReserveProgrammed(); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Another link never gets the preset pair.
	other, err := a.AllocateWindow(0, 0, ClassMMIO)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if other.Slot == 2 {
		t.Fatalf("node 0 link 0 took the preset pair of node 1 link 2")
	}

	tests := []struct {
		class Class
		slot  int
	}{
		{ClassMMIOPrefetch, 2},
		{ClassIO, 0},
	}
	for _, tt := range tests {
		w, err := a.AllocateWindow(1, 2, tt.class)
		if err != nil {
			t.Fatalf("allocate %s: %v", tt.class, err)
		}
		if w.Slot != tt.slot {
			t.Fatalf("%s slot: got %d want %d", tt.class, w.Slot, tt.slot)
		}
	}

	w, err := a.AllocateWindow(1, 2, ClassMMIO)
	if err != nil {
		t.Fatalf("allocate mmio: %v", err)
	}
	if w.Slot == 2 {
		t.Fatalf("preset pair handed out twice")
	}
}

func TestFifthPairGoesExtended(t *testing.T) {
	p := topology.DefaultPlatform()
	_, space := newResourceSpace(1, &p)
	a := NewAllocator(space, &p)

	var ws []*Window
	for link := 0; link < 6; link++ {
		w, err := a.AllocateWindow(0, link, ClassIO)
		if err != nil {
			t.Fatalf("link %d: %v", link, err)
		}
		ws = append(ws, w)
	}
	for i, w := range ws[:4] {
		if w.Extended || w.Align != 12 || w.Gran != 12 {
			t.Fatalf("window %d: %+v", i, w)
		}
	}
	for i, w := range ws[4:] {
		if !w.Extended || w.ExtIndex != i || w.Slot != -1 {
			t.Fatalf("window %d: expected ext index %d, got %+v", i+4, i, w)
		}
		if w.Align != 8 || w.Gran != 8 || w.Limit != 0xffff {
			t.Fatalf("ext io constraints: %+v", w)
		}
	}
	again, err := a.AllocateWindow(0, 5, ClassIO)
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if again != ws[5] {
		t.Fatalf("repeated request got a new window")
	}
}

func TestWindowExhaustion(t *testing.T) {
	tests := []struct {
		name     string
		extended bool
		extSlots int
		links    int
	}{
		{name: "no extended space", extended: false, links: 5},
		{name: "extended full", extended: true, extSlots: 1, links: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := topology.DefaultPlatform()
			p.ExtendedConfig = tt.extended
			if tt.extSlots != 0 {
				p.IOExtSlots = tt.extSlots
			}
			_, space := newResourceSpace(1, &p)
			a := NewAllocator(space, &p)
			var err error
			for link := 0; link < tt.links && err == nil; link++ {
				_, err = a.AllocateWindow(topology.NodeID(link/4), link%4, ClassIO)
			}
			if !errors.Is(err, topology.ErrResourceExhausted) {
				t.Fatalf("expected ErrResourceExhausted, got %v", err)
			}
		})
	}
}

func TestMMIOConstraints(t *testing.T) {
	p := topology.DefaultPlatform()
	p.MMIOPairSlots = 1
	_, space := newResourceSpace(1, &p)
	a := NewAllocator(space, &p)

	fixed, err := a.AllocateWindow(0, 0, ClassMMIO)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if fixed.Align != 20 || fixed.Gran != 20 || fixed.Limit != 0xff_ffff_ffff || fixed.Base != 0 || fixed.Size != 0 {
		t.Fatalf("fixed mmio constraints: %+v", fixed)
	}
	ext, err := a.AllocateWindow(0, 0, ClassMMIOPrefetch)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !ext.Extended || ext.Align != 24 || ext.Gran != 24 {
		t.Fatalf("extended mmio constraints: %+v", ext)
	}
}

func TestCommitIdempotent(t *testing.T) {
	p := topology.DefaultPlatform()
	mem, space := newResourceSpace(2, &p)
	a := NewAllocator(space, &p)
	placer := NewPlacer(&p)

	mmio, _ := a.AllocateWindow(1, 3, ClassMMIO)
	io, _ := a.AllocateWindow(1, 3, ClassIO)
	if err := placer.PlaceAll([]Request{{mmio, 3 << 20}, {io, 0x800}}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := a.CommitAll(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	writes := mem.Writes()
	if writes == 0 {
		t.Fatalf("commit wrote nothing")
	}
	if err := a.CommitAll(); err != nil {
		t.Fatalf("commit again: %v", err)
	}
	if mem.Writes() != writes {
		t.Fatalf("second commit wrote registers: %d -> %d", writes, mem.Writes())
	}

	for n := 0; n < 2; n++ {
		f1 := space.NodeLocus(n, regs.FuncAddrMap)
		b := regs.MMIOBase(mem.Get(f1, regs.MMIOBaseReg(mmio.Slot)))
		l := regs.MMIOLimit(mem.Get(f1, regs.MMIOBaseReg(mmio.Slot)+4))
		if !b.Enabled() || b.Base() != mmio.Base || l.Limit() != mmio.End() {
			t.Fatalf("node %d mmio pair: base 0x%x limit 0x%x want 0x%x-0x%x", n, b.Base(), l.Limit(), mmio.Base, mmio.End())
		}
		if regs.MMIONode(b, l) != 1 || l.Link() != 3 {
			t.Fatalf("node %d mmio pair routes to node %d link %d", n, regs.MMIONode(b, l), l.Link())
		}
		iol := regs.IOLimit(mem.Get(f1, regs.IOBaseReg(io.Slot)+4))
		if iol.Limit() != io.End() || iol.Node() != 1 {
			t.Fatalf("node %d io limit 0x%x want 0x%x", n, iol.Limit(), io.End())
		}
	}
}

func TestCommitExtended(t *testing.T) {
	p := topology.DefaultPlatform()
	p.IOPairSlots = 0
	mem, space := newResourceSpace(1, &p)
	a := NewAllocator(space, &p)

	w, err := a.AllocateWindow(0, 2, ClassIO)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := NewPlacer(&p).Place(w, 0x100); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := a.Commit(w); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f1 := space.NodeLocus(0, regs.FuncAddrMap)
	base := regs.ExtEntry(mem.Indirect(f1, regs.RegExtAddrData, regs.ExtIndex(regs.ExtTypeIO, w.ExtIndex, false)))
	limit := regs.ExtEntry(mem.Indirect(f1, regs.RegExtAddrData, regs.ExtIndex(regs.ExtTypeIO, w.ExtIndex, true)))
	if !base.Enabled() || uint64(base.Addr()) != w.Base>>8 || uint64(limit.Addr()) != w.End()>>8 || limit.Link() != 2 {
		t.Fatalf("ext entries: base 0x%08x limit 0x%08x for %s", uint32(base), uint32(limit), w)
	}
}

func TestPlacerTopDown(t *testing.T) {
	p := topology.DefaultPlatform()
	placer := NewPlacer(&p)
	if err := placer.Reserve(ClassMMIO, "fixed", 0xfb00_0000, 16<<20); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := placer.Reserve(ClassMMIOPrefetch, "clash", 0xfb80_0000, 1<<20); err == nil {
		t.Fatalf("overlapping reserve accepted")
	}

	big := &Window{Class: ClassMMIO, Align: 20, Gran: 20, Limit: mmioLimit}
	small := &Window{Class: ClassMMIOPrefetch, Align: 20, Gran: 20, Limit: mmioLimit}
	io := &Window{Class: ClassIO, Align: 12, Gran: 12, Limit: ioLimit}
	none := &Window{Class: ClassMMIO, Align: 20, Gran: 20, Limit: mmioLimit}
	err := placer.PlaceAll([]Request{
		{small, 0x1234},
		{big, 16 << 20},
		{io, 0x10},
		{none, 0},
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	tests := []struct {
		name string
		w    *Window
		base uint64
		size uint64
	}{
		{"big", big, 0xfa00_0000, 16 << 20},
		{"small", small, 0xf9f0_0000, 1 << 20},
		{"io", io, 0xf000, 0x1000},
	}
	for _, tt := range tests {
		if !tt.w.Assigned || tt.w.Base != tt.base || tt.w.Size != tt.size {
			t.Fatalf("%s: got base 0x%x size 0x%x want 0x%x 0x%x", tt.name, tt.w.Base, tt.w.Size, tt.base, tt.size)
		}
	}
	if none.Assigned {
		t.Fatalf("zero-size window was assigned")
	}
	if got := TopOfLowMemory([]*Window{big, small, io, none}, p.MMIOCeiling); got != 0xf9f0_0000 {
		t.Fatalf("tolm: got 0x%x want 0xf9f00000", got)
	}
	if got := TopOfLowMemory(nil, p.MMIOCeiling); got != p.MMIOCeiling {
		t.Fatalf("empty tolm: got 0x%x", got)
	}
}

func TestPlacerPrefetch64(t *testing.T) {
	p := topology.DefaultPlatform()
	p.Prefetch64 = true
	placer := NewPlacer(&p)
	w := &Window{Class: ClassMMIOPrefetch, Align: 20, Gran: 20, Limit: mmioLimit}
	if err := placer.Place(w, 1<<30); err != nil {
		t.Fatalf("place: %v", err)
	}
	if w.Base < fourGiB || w.End() != mmioLimit {
		t.Fatalf("prefetch window [0x%x-0x%x) not at the top of the 40-bit space", w.Base, w.End())
	}
}

func TestPlacerExhausted(t *testing.T) {
	p := topology.DefaultPlatform()
	placer := NewPlacer(&p)
	w := &Window{Class: ClassIO, Align: 12, Gran: 12, Limit: ioLimit}
	if err := placer.Place(w, 0x10000); !errors.Is(err, topology.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestReadBridgeWindowsAndVGA(t *testing.T) {
	p := topology.DefaultPlatform()
	mem, space := newResourceSpace(1, &p)
	a := NewAllocator(space, &p)

	node := &topology.Node{ID: 0, Enabled: true, Links: []topology.Link{
		{Node: 0, Num: 0, Connected: true, Coherent: true, ConfigIndex: -1},
		{Node: 0, Num: 1, Connected: true, ConfigIndex: 0},
		{Node: 0, Num: 2, Connected: true, ConfigIndex: -1},
	}}
	ws, err := a.ReadBridgeWindows(node)
	if err != nil {
		t.Fatalf("read windows: %v", err)
	}
	if len(ws) != 3 {
		t.Fatalf("windows: got %d want 3", len(ws))
	}
	want := []Class{ClassIO, ClassMMIOPrefetch, ClassMMIO}
	for i, w := range ws {
		if w.Class != want[i] || w.Link != 1 {
			t.Fatalf("window %d: got %s link %d", i, w.Class, w.Link)
		}
	}

	if err := a.EnableVGA(0, 1); err != nil {
		t.Fatalf("vga: %v", err)
	}
	if got := mem.Get(space.NodeLocus(0, regs.FuncAddrMap), regs.RegVGAEnable); got != 1|1<<12 {
		t.Fatalf("vga enable: got 0x%x want 0x1001", got)
	}
}
