package sysconf

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/httopo/internal/busnum"
	"github.com/tinyrange/httopo/internal/memhole"
	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/resource"
	"github.com/tinyrange/httopo/internal/topology"
)

// Stages lists the pipeline steps in the order they run.
var Stages = []string{"discover", "busnum", "windows", "place", "commit", "memhole", "busconf"}

// Demand is the address space the devices behind one link need.
type Demand struct {
	IO       uint64
	MMIO     uint64
	Prefetch uint64
}

func (d Demand) size(class resource.Class) uint64 {
	switch class {
	case resource.ClassIO:
		return d.IO
	case resource.ClassMMIOPrefetch:
		return d.Prefetch
	default:
		return d.MMIO
	}
}

// Hints is the board knowledge that cannot be read back from registers.
type Hints struct {
	// Presets holds one pci1234 word per possible chain.
	Presets []uint32

	// UnitIDBases holds one hcdn word per possible chain. Missing entries
	// default to 0x20202020.
	UnitIDBases []uint32

	Demand map[topology.LinkID]Demand

	// VGA names the link the legacy VGA ranges are routed to, if any.
	VGA *topology.LinkID
}

// Topology is the finalized result of the pipeline. It is read-only once
// returned.
type Topology struct {
	System topology.System
	Nodes  []topology.Node
	MaxBus uint16
	Chains int
	Routes []busnum.Route

	// ConfBus and HCDN are indexed by routing slot. ConfBus uses the preset
	// word layout.
	ConfBus [32]uint32
	HCDN    [32]uint32

	Windows []resource.Window
	Memory  *memhole.Result
	RAM     []memhole.Region
	Layout  *memhole.Layout
	Bus     BusConf
}

// Link returns the link of the topology named by id, or nil.
func (t *Topology) Link(id topology.LinkID) *topology.Link {
	for i := range t.Nodes {
		if t.Nodes[i].ID == id.Node {
			return t.Nodes[i].Link(id.Link)
		}
	}
	return nil
}

// Context runs discovery and allocation once per boot. Every caller after
// the first gets the cached result and no register is touched again.
type Context struct {
	platform *topology.Platform
	backend  regs.Backend
	prober   busnum.ChainProber
	hints    Hints

	// OnStage, when set, is called as each pipeline stage starts.
	OnStage func(stage string)

	once sync.Once
	topo *Topology
	err  error
}

// New returns a context for the given platform. The platform must already be
// normalized.
func New(p *topology.Platform, backend regs.Backend, prober busnum.ChainProber, hints Hints) *Context {
	return &Context{
		platform: p,
		backend:  backend,
		prober:   prober,
		hints:    hints,
	}
}

// Topology returns the system topology, running the pipeline on first use.
// A failed run is not retried.
func (c *Context) Topology() (*Topology, error) {
	c.once.Do(func() {
		c.topo, c.err = c.run()
		if c.err != nil {
			c.topo = nil
			slog.Error("sysconf: pipeline failed", "err", c.err)
		}
	})
	return c.topo, c.err
}

func (c *Context) stage(name string) {
	slog.Debug("sysconf: stage", "stage", name)
	if c.OnStage != nil {
		c.OnStage(name)
	}
}

// Discover reads the node count and trains every link without writing any
// register. It backs read-only inspection of a live host.
func Discover(p *topology.Platform, backend regs.Backend) (topology.System, []topology.Node, error) {
	space := p.Space(backend, 1)
	sys, err := topology.ReadSystem(space, p)
	if err != nil {
		return sys, nil, err
	}
	space.Nodes = sys.Nodes

	disc := &topology.Discoverer{Space: space, Platform: p, SBLink: sys.SBLink}
	nodes := make([]topology.Node, 0, sys.Nodes)
	for n := 0; n < sys.Nodes; n++ {
		id, err := topology.NewNodeID(n, sys.Nodes)
		if err != nil {
			return sys, nil, err
		}
		node := topology.Node{ID: id, Enabled: sys.Enabled[n], Siblings: sys.Siblings[n]}
		if node.Enabled {
			node.Links, err = disc.Discover(id)
			if err != nil {
				return sys, nil, err
			}
		}
		nodes = append(nodes, node)
	}
	return sys, nodes, nil
}

func (c *Context) run() (*Topology, error) {
	p := c.platform
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c.stage("discover")
	sys, nodes, err := Discover(p, c.backend)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	space := p.Space(c.backend, sys.Nodes)
	slog.Info("sysconf: nodes discovered", "nodes", sys.Nodes, "sblink", sys.SBLink)

	c.stage("busnum")
	buses := busnum.NewAllocator(space, p, c.prober, sys.SBLink)
	maxBus, err := buses.ScanDomain(nodes)
	if err != nil {
		return nil, fmt.Errorf("bus numbering: %w", err)
	}

	c.stage("windows")
	res := resource.NewAllocator(space, p)
	if err := res.ReserveProgrammed(); err != nil {
		return nil, fmt.Errorf("windows: %w", err)
	}
	var windows []*resource.Window
	for i := range nodes {
		if !nodes[i].Enabled {
			continue
		}
		ws, err := res.ReadBridgeWindows(&nodes[i])
		if err != nil {
			return nil, fmt.Errorf("windows: node %d: %w", nodes[i].ID, err)
		}
		windows = append(windows, ws...)
	}

	c.stage("place")
	placer := resource.NewPlacer(p)
	reqs := make([]resource.Request, 0, len(windows))
	for _, w := range windows {
		d := c.hints.Demand[topology.LinkID{Node: w.Node, Link: w.Link}]
		reqs = append(reqs, resource.Request{Window: w, Size: d.size(w.Class)})
	}
	if err := placer.PlaceAll(reqs); err != nil {
		return nil, fmt.Errorf("place: %w", err)
	}

	c.stage("commit")
	if err := res.CommitAll(); err != nil {
		return nil, err
	}
	if v := c.hints.VGA; v != nil {
		if err := res.EnableVGA(v.Node, v.Link); err != nil {
			return nil, err
		}
	}

	c.stage("memhole")
	mmio := resource.TopOfLowMemory(windows, p.MMIOCeiling)
	mem, err := memhole.Apply(space, sys.Nodes, mmio, p)
	if err != nil {
		return nil, fmt.Errorf("memory hole: %w", err)
	}
	ram := memhole.RAMResources(mem, p)
	layout := memhole.NewLayout(ram)
	for _, w := range windows {
		if !w.Class.Memory() || !w.Assigned {
			continue
		}
		if err := layout.RegisterFixed(fmt.Sprintf("%s node %d link %d", w.Class, w.Node, w.Link), w.Base, w.Size); err != nil {
			return nil, err
		}
	}
	slog.Info("sysconf: memory map", "hole", mem.Hole.String(), "mmio", fmt.Sprintf("0x%x", mem.MMIOBase),
		"visible", fmt.Sprintf("0x%x", mem.VisibleSize()))

	c.stage("busconf")
	t := &Topology{
		System: sys,
		Nodes:  nodes,
		MaxBus: maxBus,
		Chains: buses.Chains(),
		Routes: buses.Routes(),
		Memory: mem,
		RAM:    ram,
		Layout: layout,
	}
	for _, w := range windows {
		t.Windows = append(t.Windows, *w)
	}
	for i := range nodes {
		for j := range nodes[i].Links {
			l := &nodes[i].Links[j]
			if !l.HasChildren() || l.ConfigIndex >= len(t.ConfBus) {
				continue
			}
			t.ConfBus[l.ConfigIndex] = ChainWord(l)
			t.HCDN[l.ConfigIndex] = l.UnitIDWord()
		}
	}
	t.Bus, err = ResolveBusConf(c.hints, nodes, sys.SBLink)
	if err != nil {
		return nil, err
	}
	slog.Info("sysconf: topology ready", "chains", t.Chains, "max_bus", fmt.Sprintf("0x%03x", maxBus),
		"windows", len(t.Windows), "sbdn", fmt.Sprintf("0x%02x", t.Bus.SBDN))
	return t, nil
}

// Candidates returns every link of the topology that carries a bus range,
// ordered by routing slot.
func (t *Topology) Candidates() []*topology.Link {
	var out []*topology.Link
	for i := range t.Nodes {
		for j := range t.Nodes[i].Links {
			if t.Nodes[i].Links[j].HasChildren() {
				out = append(out, &t.Nodes[i].Links[j])
			}
		}
	}
	slices.SortFunc(out, func(a, b *topology.Link) int { return a.ConfigIndex - b.ConfigIndex })
	return out
}
