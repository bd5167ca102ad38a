package board

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/httopo/internal/busnum"
	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/sysconf"
	"github.com/tinyrange/httopo/internal/topology"
)

// FormatMajor is the board file major version this package reads.
const FormatMajor = "v1"

// ErrFormat is returned for board files of an unsupported format version.
var ErrFormat = errors.New("unsupported board format")

// Board describes a machine: platform constants, the chain hint table and
// the hardware the simulated register backend emulates.
type Board struct {
	Format string `yaml:"format"`
	Name   string `yaml:"name"`

	Platform topology.Platform `yaml:"platform"`
	Hints    HintTable         `yaml:"hints"`

	// SBLink is what the node 0 unit id register reports.
	SBLink int `yaml:"sb_link"`

	// AccessDelay slows every simulated register access.
	AccessDelay Duration `yaml:"access_delay"`

	Nodes []Node `yaml:"nodes"`
}

// HintTable is the per-board chain table (pci1234 and hcdn).
type HintTable struct {
	Presets     []uint32 `yaml:"presets"`
	UnitIDBases []uint32 `yaml:"unit_id_bases"`
	VGA         *LinkRef `yaml:"vga"`
}

type LinkRef struct {
	Node int `yaml:"node"`
	Link int `yaml:"link"`
}

// Node is one simulated socket.
type Node struct {
	Cores int `yaml:"cores"`

	// Absent leaves the node's misc function unpopulated.
	Absent bool `yaml:"absent"`

	DRAM   *Range `yaml:"dram"`
	Hoist  *Remap `yaml:"hoist"`
	DctSel *Remap `yaml:"dct_sel"`

	Links []Link `yaml:"links"`
}

type Range struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Remap is a base/offset register pair as left by earlier boot stages.
type Remap struct {
	Base   uint64 `yaml:"base"`
	Offset uint64 `yaml:"offset"`
}

// Link is one simulated link and the chain behind it.
type Link struct {
	Num      int  `yaml:"num"`
	Coherent bool `yaml:"coherent"`

	// Pending is the number of reads that report a connection pending, and
	// InitDelay the reads after that before init completes. Stuck links
	// never finish training.
	Pending   int  `yaml:"pending"`
	InitDelay int  `yaml:"init_delay"`
	Stuck     bool `yaml:"stuck"`

	Chain []busnum.ChainDevice `yaml:"chain"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and validates a board file.
func Load(fs afero.Fs, path string) (*Board, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read board file: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("board %s: %w", path, err)
	}
	slog.Debug("board: loaded", "path", path, "name", b.Name, "nodes", len(b.Nodes))
	return b, nil
}

// Parse decodes a board description. Platform fields left out of the file
// keep the stock defaults.
func Parse(data []byte) (*Board, error) {
	b := &Board{Platform: topology.DefaultPlatform()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(b); err != nil {
		return nil, fmt.Errorf("parse board: %w", err)
	}
	if err := checkFormat(b.Format); err != nil {
		return nil, err
	}
	b.Platform.Normalize()
	if err := b.Platform.Validate(); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func checkFormat(format string) error {
	if format == "" {
		return fmt.Errorf("%w: missing format", ErrFormat)
	}
	if !semver.IsValid(format) {
		return fmt.Errorf("%w: %q is not a version", ErrFormat, format)
	}
	if semver.Major(format) != FormatMajor {
		return fmt.Errorf("%w: %s, want %s.x", ErrFormat, format, FormatMajor)
	}
	return nil
}

func (b *Board) validate() error {
	p := &b.Platform
	if len(b.Nodes) == 0 || len(b.Nodes) > p.MaxNodes {
		return fmt.Errorf("%w: %d nodes, platform supports 1..%d", topology.ErrUnsupportedTopology, len(b.Nodes), p.MaxNodes)
	}
	if b.SBLink < 0 || b.SBLink >= p.LinksPerNode {
		return fmt.Errorf("%w: south bridge link %d", topology.ErrUnsupportedTopology, b.SBLink)
	}
	for i, n := range b.Nodes {
		seen := make(map[int]bool)
		for _, l := range n.Links {
			if l.Num < 0 || l.Num >= p.LinksPerNode {
				return fmt.Errorf("node %d: link %d outside 0..%d", i, l.Num, p.LinksPerNode-1)
			}
			if seen[l.Num] {
				return fmt.Errorf("node %d: link %d listed twice", i, l.Num)
			}
			seen[l.Num] = true
			if l.Coherent && len(l.Chain) > 0 {
				return fmt.Errorf("node %d: coherent link %d cannot carry a chain", i, l.Num)
			}
		}
		if d := n.DRAM; d != nil {
			if d.Base%regs.DRAMGranularity != 0 || d.Size%regs.DRAMGranularity != 0 {
				return fmt.Errorf("node %d: dram [0x%x+0x%x] not 16 MiB aligned", i, d.Base, d.Size)
			}
			if i >= regs.DRAMPairs && d.Size > 0 {
				return fmt.Errorf("node %d: only %d dram ranges are decoded", i, regs.DRAMPairs)
			}
		}
	}
	if v := b.Hints.VGA; v != nil && (v.Node < 0 || v.Node >= len(b.Nodes)) {
		return fmt.Errorf("vga routed to missing node %d", v.Node)
	}
	return nil
}

func linkID(node, link int) topology.LinkID {
	return topology.LinkID{Node: topology.NodeID(node), Link: link}
}

// Prober answers chain probes from the described chains.
func (b *Board) Prober() *busnum.HintProber {
	chains := make(map[topology.LinkID][]busnum.ChainDevice)
	for i, n := range b.Nodes {
		for _, l := range n.Links {
			if len(l.Chain) > 0 {
				chains[linkID(i, l.Num)] = l.Chain
			}
		}
	}
	return &busnum.HintProber{
		Chains:        chains,
		UnitIDBase:    b.Platform.ChainUnitIDBase,
		EndUnitIDBase: b.Platform.ChainEndUnitIDBase,
	}
}

// SysconfHints returns the hint table and the address space demand of every
// described chain.
func (b *Board) SysconfHints() sysconf.Hints {
	h := sysconf.Hints{
		Presets:     b.Hints.Presets,
		UnitIDBases: b.Hints.UnitIDBases,
		Demand:      make(map[topology.LinkID]sysconf.Demand),
	}
	for i, n := range b.Nodes {
		for _, l := range n.Links {
			var d sysconf.Demand
			for _, dev := range l.Chain {
				d.IO += dev.IO
				d.MMIO += dev.MMIO
				d.Prefetch += dev.Prefetch
			}
			if d != (sysconf.Demand{}) {
				h.Demand[linkID(i, l.Num)] = d
			}
		}
	}
	if v := b.Hints.VGA; v != nil {
		id := linkID(v.Node, v.Link)
		h.VGA = &id
	}
	return h
}

// Context builds a pipeline context wired to the simulated hardware. The
// returned MemBackend is the register file behind it.
func (b *Board) Context() (*sysconf.Context, *regs.MemBackend) {
	mem, backend := b.Backend()
	return sysconf.New(&b.Platform, backend, b.Prober(), b.SysconfHints()), mem
}
