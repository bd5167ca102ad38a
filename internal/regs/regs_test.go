package regs

import "testing"

func TestNodeLocusSplitsAcrossBuses(t *testing.T) {
	s := &Space{CBB: 0xff, CDB: 0x18}

	if got := s.NodeLocus(0, FuncAddrMap); got != (Locus{Bus: 0xff, Device: 0x18, Function: 1}) {
		t.Fatalf("node 0 locus: got %s", got)
	}
	if got := s.NodeLocus(7, FuncHT); got != (Locus{Bus: 0xff, Device: 0x1f, Function: 0}) {
		t.Fatalf("node 7 locus: got %s", got)
	}

	// The bus split is by node id, not by device number.
	s = &Space{CBB: 0xff, CDB: 0}
	if got := s.NodeLocus(31, FuncHT); got != (Locus{Bus: 0xff, Device: 0x1f, Function: 0}) {
		t.Fatalf("node 31 locus: got %s", got)
	}
	if got := s.NodeLocus(32, FuncHT); got != (Locus{Bus: 0xfe, Device: 0x00, Function: 0}) {
		t.Fatalf("node 32 locus: got %s", got)
	}
	if got := s.NodeLocus(63, FuncMisc); got != (Locus{Bus: 0xfe, Device: 0x1f, Function: 3}) {
		t.Fatalf("node 63 locus: got %s", got)
	}
}

func TestWriteAddrMapBroadcasts(t *testing.T) {
	mem := NewMemBackend()
	s := &Space{Backend: mem, CDB: 0x18, Nodes: 3}
	for n := 0; n < 3; n++ {
		mem.AddFunction(s.NodeLocus(n, FuncAddrMap))
	}

	if err := s.WriteAddrMap(ConfigMapReg(1), 0x1234_5603); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if mem.Writes() != 3 {
		t.Fatalf("write count: got %d want 3", mem.Writes())
	}
	for n := 0; n < 3; n++ {
		if v := mem.Get(s.NodeLocus(n, FuncAddrMap), ConfigMapReg(1)); v != 0x1234_5603 {
			t.Fatalf("node %d copy: got 0x%08x", n, v)
		}
	}
}

func TestConfigMapEncodesWideNode(t *testing.T) {
	c := NewConfigMap(37, 6, 0x40, 0x7f)
	if !c.Enabled() {
		t.Fatalf("expected RE/WE set, got 0x%08x", uint32(c))
	}
	if c.Node() != 37 || c.Link() != 6 {
		t.Fatalf("node/link: got %d/%d want 37/6", c.Node(), c.Link())
	}
	if c.Base() != 0x40 || c.Limit() != 0x7f {
		t.Fatalf("bus range: got %02x-%02x", c.Base(), c.Limit())
	}
	// DstNode[3:0] at [7:4], DstNode[5:4] at [13:12].
	if uint32(c)&0x30f0 != 0x2050 {
		t.Fatalf("node bits: got 0x%04x want 0x2050", uint32(c)&0x30f0)
	}
}

func TestMMIOPairRoundTrip(t *testing.T) {
	b, l := NewMMIOPair(21, 3, 0xe000_0000, 0xe7ff_ffff)
	if b.Base() != 0xe000_0000 {
		t.Fatalf("base: got 0x%x", b.Base())
	}
	if l.Limit() != 0xe7ff_ffff {
		t.Fatalf("limit: got 0x%x", l.Limit())
	}
	if MMIONode(b, l) != 21 || l.Link() != 3 {
		t.Fatalf("owner: got node %d link %d", MMIONode(b, l), l.Link())
	}
}

func TestMMIOPairHardwareLayout(t *testing.T) {
	// Node 21 link 2: DstNode[5:4] sits in base bits [5:4], the low nibble in
	// limit bits [3:0].
	const node = 21
	b := MMIOBase(3 | node&0x30)
	l := MMIOLimit(node&0xf | 2<<4)
	if got := MMIONode(b, l); got != node {
		t.Fatalf("decoded node: got %d want %d", got, node)
	}
	if l.Link() != 2 {
		t.Fatalf("decoded link: got %d want 2", l.Link())
	}

	nb, nl := NewMMIOPair(node, 2, 0, 0)
	if uint32(nb)&0xff != 3|node&0x30 || uint32(nl)&0xff != node&0xf|2<<4 {
		t.Fatalf("encoded pair: got base 0x%08x limit 0x%08x", uint32(nb), uint32(nl))
	}
}

func TestIOPairRoundTrip(t *testing.T) {
	b, l := NewIOPair(50, 2, 0x2000, 0x2fff)
	if !b.Enabled() || b.Base() != 0x2000 || l.Limit() != 0x2fff {
		t.Fatalf("io pair: base 0x%x limit 0x%x", b.Base(), l.Limit())
	}
	if l.Node() != 50 || l.Link() != 2 {
		t.Fatalf("owner: got node %d link %d", l.Node(), l.Link())
	}
}

func TestDRAMPairAndHole(t *testing.T) {
	b, l := NewDRAMPair(1, 2<<30, 4<<30)
	if b.Base() != 2<<30 || l.End() != 4<<30 || l.Node() != 1 {
		t.Fatalf("dram pair: base 0x%x end 0x%x node %d", b.Base(), l.End(), l.Node())
	}
	h := NewDRAMHole(3<<30, 1<<30)
	if !h.Valid() || h.Base() != 3<<30 || h.Offset() != 1<<30 {
		t.Fatalf("hole: valid %v base 0x%x offset 0x%x", h.Valid(), h.Base(), h.Offset())
	}
}

func TestLinkBusFields(t *testing.T) {
	b := LinkBus(0xffff_ff07).WithSecondary(0x12).WithSubordinate(0x34)
	if b.Primary() != 0x07 || b.Secondary() != 0x12 || b.Subordinate() != 0x34 {
		t.Fatalf("link bus: got 0x%08x", uint32(b))
	}
	if uint32(b)&0xff00_0000 != 0xff00_0000 {
		t.Fatalf("upper bits clobbered: 0x%08x", uint32(b))
	}
}

func TestMemBackendScriptedReads(t *testing.T) {
	mem := NewMemBackend()
	loc := Locus{Device: 0x18}
	mem.AddFunction(loc)
	mem.Set(loc, LinkTypeReg(0), uint32(LinkTypeConnected|LinkTypeInitComplete))
	mem.Script(loc, LinkTypeReg(0), uint32(LinkTypePending), uint32(LinkTypePending))

	var seen []uint32
	for i := 0; i < 3; i++ {
		v, err := mem.Read32(loc, LinkTypeReg(0))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		seen = append(seen, v)
	}
	if seen[0] != uint32(LinkTypePending) || seen[1] != uint32(LinkTypePending) || seen[2] != 3 {
		t.Fatalf("scripted sequence: got %#v", seen)
	}
	if mem.Writes() != 0 {
		t.Fatalf("reads must not count as writes")
	}
}

func TestMemBackendEmptySlotAndReadOnly(t *testing.T) {
	mem := NewMemBackend()
	v, err := mem.Read32(Locus{Bus: 3}, 0)
	if err != nil || v != 0xffff_ffff {
		t.Fatalf("empty slot read: got 0x%x err %v", v, err)
	}
	if err := mem.Write32(Locus{Bus: 3}, 0, 1); err != nil {
		t.Fatalf("empty slot write: %v", err)
	}
	if mem.Writes() != 0 {
		t.Fatalf("write to empty slot counted")
	}

	loc := Locus{Device: 0x18}
	mem.Set(loc, 0x60, 0x20)
	mem.SetReadOnly(loc, 0x60)
	if err := mem.Write32(loc, 0x60, 0); err != nil {
		t.Fatalf("read-only write: %v", err)
	}
	if mem.Get(loc, 0x60) != 0x20 {
		t.Fatalf("read-only register changed")
	}
	if _, err := mem.Read32(loc, 0x61); err == nil {
		t.Fatalf("expected unaligned read to fail")
	}
}

func TestMemBackendIndirectTable(t *testing.T) {
	mem := NewMemBackend()
	loc := Locus{Device: 0x18, Function: 1}
	mem.AddFunction(loc)
	mem.AddIndirect(loc, RegExtAddrIndex, RegExtAddrData)

	idx := ExtIndex(ExtTypeConfig, 9, false)
	if err := mem.Write32(loc, RegExtAddrIndex, idx); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := mem.Write32(loc, RegExtAddrData, uint32(NewExtEntry(2, 1, 0))); err != nil {
		t.Fatalf("data: %v", err)
	}
	e := ExtEntry(mem.Indirect(loc, RegExtAddrData, idx))
	if !e.Enabled() || e.Node() != 2 || e.Link() != 1 {
		t.Fatalf("indirect entry: got 0x%08x", uint32(e))
	}
	if got, _ := mem.Read32(loc, RegExtAddrData); got != uint32(e) {
		t.Fatalf("read through window: got 0x%08x", got)
	}
}
