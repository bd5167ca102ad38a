package board

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/sysconf"
	"github.com/tinyrange/httopo/internal/topology"
)

const dualSocket = `
format: v1.2
name: dual socket
sb_link: 1
access_delay: 1us
platform:
  segment_bits: 1
hints:
  presets: [0x0000fff0, 0x0000fff0]
  vga: {node: 0, link: 1}
nodes:
  - cores: 4
    dram: {base: 0x0, size: 0x80000000}
    links:
      - {num: 0, coherent: true}
      - num: 1
        pending: 2
        init_delay: 1
        chain:
          - {name: sb, unit_ids: 3, buses: 2, io: 0x1000, mmio: 0x2000000}
      - num: 2
        chain:
          - {name: tunnel, buses: 1, mmio: 0x8000000, prefetch: 0x10000000}
  - cores: 2
    dram: {base: 0x80000000, size: 0x80000000}
    links:
      - {num: 0, coherent: true}
      - num: 2
        chain:
          - {name: nic, mmio: 0x100000}
`

func writeBoard(t *testing.T, contents string) (afero.Fs, string) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/boards/test.yaml", []byte(contents), 0o644); err != nil {
		t.Fatalf("write board: %v", err)
	}
	return fs, "/boards/test.yaml"
}

func TestLoadFromMemFs(t *testing.T) {
	fs, path := writeBoard(t, dualSocket)
	b, err := Load(fs, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Name != "dual socket" || len(b.Nodes) != 2 {
		t.Fatalf("board: got %q with %d nodes", b.Name, len(b.Nodes))
	}
	if b.Platform.SegmentBits != 1 {
		t.Fatalf("segment bits override: got %d want 1", b.Platform.SegmentBits)
	}
	// Fields absent from the file keep the stock platform.
	if b.Platform.CDB() != 0x18 || !b.Platform.SBChainOnBus0 || !b.Platform.ExtendedConfig {
		t.Fatalf("platform defaults lost: %+v", b.Platform)
	}
	if time.Duration(b.AccessDelay) != time.Microsecond {
		t.Fatalf("access delay: got %v", time.Duration(b.AccessDelay))
	}
	if got := b.Nodes[0].DRAM.Size; got != 0x8000_0000 {
		t.Fatalf("node 0 dram: got 0x%x", got)
	}
	if got := b.Nodes[0].Links[1].Chain[0].MMIO; got != 0x200_0000 {
		t.Fatalf("sb mmio demand: got 0x%x", got)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		format   bool
	}{
		{"missing format", "name: x\nnodes: [{cores: 1}]\n", true},
		{"not a version", "format: \"1.0\"\nnodes: [{cores: 1}]\n", true},
		{"future major", "format: v2.0\nnodes: [{cores: 1}]\n", true},
		{"unknown field", "format: v1.0\nbogus: 1\nnodes: [{cores: 1}]\n", false},
		{"no nodes", "format: v1.0\n", false},
		{"duplicate link", "format: v1.0\nnodes: [{links: [{num: 1}, {num: 1}]}]\n", false},
		{"unaligned dram", "format: v1.0\nnodes: [{dram: {base: 0x1000, size: 0x1000000}}]\n", false},
		{"bad duration", "format: v1.0\naccess_delay: soon\nnodes: [{cores: 1}]\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, path := writeBoard(t, tt.contents)
			_, err := Load(fs, path)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got := errors.Is(err, ErrFormat); got != tt.format {
				t.Fatalf("ErrFormat: got %v want %v (%v)", got, tt.format, err)
			}
		})
	}
}

func TestLoadKeepsZeroConfigDevBase(t *testing.T) {
	const wide = `
format: v1.0
platform:
  max_nodes: 64
  config_bus_base: 0xff
  config_dev_base: 0
nodes: [{cores: 1}]
`
	b, err := Parse([]byte(wide))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.Platform.CDB() != 0 {
		t.Fatalf("config dev base: got 0x%02x want 0", b.Platform.CDB())
	}

	// The same board without the override cannot address 64 nodes.
	if _, err := Parse([]byte(strings.Replace(wide, "  config_dev_base: 0\n", "", 1))); !errors.Is(err, topology.ErrUnsupportedTopology) {
		t.Fatalf("default cdb with 64 nodes: got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(afero.NewMemMapFs(), "/nope.yaml"); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestBackendDiscovers(t *testing.T) {
	b, err := Parse([]byte(dualSocket))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b.AccessDelay = 0
	_, backend := b.Backend()

	sys, nodes, err := sysconf.Discover(&b.Platform, backend)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if sys.Nodes != 2 || sys.SBLink != 1 {
		t.Fatalf("system: got %d nodes sblink %d", sys.Nodes, sys.SBLink)
	}
	if sys.Siblings[0] != 3 || sys.Siblings[1] != 1 {
		t.Fatalf("siblings: got %v", sys.Siblings)
	}

	tests := []struct {
		node      int
		links     []int
		candidate []bool
	}{
		{0, []int{0, 1, 2}, []bool{false, true, true}},
		{1, []int{0, 2}, []bool{false, true}},
	}
	for _, tt := range tests {
		n := nodes[tt.node]
		if len(n.Links) != len(tt.links) {
			t.Fatalf("node %d links: got %+v", tt.node, n.Links)
		}
		for i, l := range n.Links {
			if l.Num != tt.links[i] || l.Candidate() != tt.candidate[i] {
				t.Fatalf("node %d link %d: got num %d candidate %v", tt.node, i, l.Num, l.Candidate())
			}
		}
	}
}

func TestBackendStuckLinks(t *testing.T) {
	tests := []struct {
		name  string
		stuck int
		fatal bool
	}{
		{"south bridge", 1, true},
		{"second chain", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse([]byte(dualSocket))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			b.AccessDelay = 0
			b.Platform.MaxPollIterations = 5
			for i := range b.Nodes[0].Links {
				if b.Nodes[0].Links[i].Num == tt.stuck {
					b.Nodes[0].Links[i].Stuck = true
				}
			}
			_, backend := b.Backend()

			_, nodes, err := sysconf.Discover(&b.Platform, backend)
			if tt.fatal {
				if !errors.Is(err, topology.ErrLinkTimeout) {
					t.Fatalf("got %v want ErrLinkTimeout", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("discover: %v", err)
			}
			if nodes[0].Link(tt.stuck) != nil {
				t.Fatalf("stuck link %d reported present", tt.stuck)
			}
		})
	}
}

func TestBackendMemoryMap(t *testing.T) {
	b, err := Parse([]byte(dualSocket))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b.Nodes[1].Hoist = &Remap{Base: 0xc000_0000, Offset: 0xc000_0000}
	mem, _ := b.Backend()
	space := b.Platform.Space(mem, 2)

	for n := 0; n < 2; n++ {
		l := regs.DRAMLimit(mem.Get(space.NodeLocus(n, regs.FuncAddrMap), regs.DRAMBaseReg(1)+4))
		if l.End() != 0x1_0000_0000 || l.Node() != 1 {
			t.Fatalf("node %d copy of dram limit 1: end 0x%x node %d", n, l.End(), l.Node())
		}
	}
	h := regs.DRAMHole(mem.Get(space.NodeLocus(1, regs.FuncAddrMap), regs.RegDRAMHole))
	if !h.Valid() || h.Base() != 0xc000_0000 {
		t.Fatalf("hoist: got 0x%08x", uint32(h))
	}
}

func TestSysconfHints(t *testing.T) {
	b, err := Parse([]byte(dualSocket))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	h := b.SysconfHints()
	if len(h.Presets) != 2 || h.Presets[0] != 0xfff0 {
		t.Fatalf("presets: got %#v", h.Presets)
	}
	if h.VGA == nil || *h.VGA != (topology.LinkID{Node: 0, Link: 1}) {
		t.Fatalf("vga: got %v", h.VGA)
	}
	want := map[topology.LinkID]sysconf.Demand{
		{Node: 0, Link: 1}: {IO: 0x1000, MMIO: 0x200_0000},
		{Node: 0, Link: 2}: {MMIO: 0x800_0000, Prefetch: 0x1000_0000},
		{Node: 1, Link: 2}: {MMIO: 0x10_0000},
	}
	if len(h.Demand) != len(want) {
		t.Fatalf("demand: got %v", h.Demand)
	}
	for id, d := range want {
		if h.Demand[id] != d {
			t.Fatalf("%s demand: got %+v want %+v", id, h.Demand[id], d)
		}
	}

	prober := b.Prober()
	if len(prober.Chains[topology.LinkID{Node: 0, Link: 1}]) != 1 {
		t.Fatalf("prober chains: got %v", prober.Chains)
	}
}
