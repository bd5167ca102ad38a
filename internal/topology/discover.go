package topology

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/httopo/internal/regs"
)

// Poll calls ready until it reports true, at most attempts times. It returns
// ErrLinkTimeout once the cap is reached.
func Poll(attempts int, ready func() (bool, error)) error {
	for i := 0; i < attempts; i++ {
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrLinkTimeout
}

// System is what the node 0 capability registers say about the machine.
type System struct {
	Nodes     int
	SBLink    int
	Siblings  []int
	Enabled   []bool
	ApicExtID bool
}

// ReadSystem reads the node count, south bridge link and per-node core
// counts.
func ReadSystem(space *regs.Space, p *Platform) (System, error) {
	var sys System

	v, err := space.Read(0, regs.FuncHT, regs.RegNodeID)
	if err != nil {
		return sys, err
	}
	if v == 0xffff_ffff {
		return sys, fmt.Errorf("%w: node 0 northbridge not found at %s", ErrUnsupportedTopology, space.NodeLocus(0, regs.FuncHT))
	}
	sys.Nodes = regs.NodeIDReg(v).NodeCnt() + 1
	if p.MaxNodes > 8 {
		ext, err := space.Read(0, regs.FuncHT, regs.RegNodeIDExt)
		if err != nil {
			return sys, err
		}
		if ext != 0xffff_ffff {
			sys.Nodes += regs.NodeIDReg(ext).NodeCnt() << 3
		}
	}
	if sys.Nodes > p.MaxNodes {
		return sys, fmt.Errorf("%w: hardware reports %d nodes, platform supports %d", ErrUnsupportedTopology, sys.Nodes, p.MaxNodes)
	}

	if p.SouthBridge.Link != nil {
		sys.SBLink = *p.SouthBridge.Link
	} else {
		u, err := space.Read(0, regs.FuncHT, regs.RegUnitID)
		if err != nil {
			return sys, err
		}
		sys.SBLink = regs.UnitIDReg(u).SbLink()
	}
	if sys.SBLink >= p.LinksPerNode {
		return sys, fmt.Errorf("%w: south bridge on link %d of %d", ErrUnsupportedTopology, sys.SBLink, p.LinksPerNode)
	}

	httc, err := space.Read(0, regs.FuncHT, regs.RegHTTC)
	if err != nil {
		return sys, err
	}
	sys.ApicExtID = regs.HTTC(httc)&(regs.HTTCApicExtID|regs.HTTCApicExtBrdCst) != 0

	sys.Siblings = make([]int, sys.Nodes)
	sys.Enabled = make([]bool, sys.Nodes)
	for n := 0; n < sys.Nodes; n++ {
		c, err := space.Read(n, regs.FuncMisc, regs.RegNBCap)
		if err != nil {
			return sys, err
		}
		if c == 0xffff_ffff {
			slog.Debug("topology: node misc function absent", "node", n)
			continue
		}
		sys.Enabled[n] = true
		sys.Siblings[n] = regs.NBCap(c).Siblings(p.CoreIDBits > 2)
	}
	return sys, nil
}

// Discoverer polls link training status for each node.
type Discoverer struct {
	Space    *regs.Space
	Platform *Platform

	// SBLink is the node 0 link that must train.
	SBLink int
}

// Discover returns the connected links of node in increasing link order.
// Coherent links are returned with Coherent set so callers can skip them.
func (d *Discoverer) Discover(node NodeID) ([]Link, error) {
	var links []Link
	for num := 0; num < d.Platform.LinksPerNode; num++ {
		link, err := d.discoverLink(node, num)
		if err != nil {
			if errors.Is(err, ErrLinkTimeout) && !d.required(node, num) {
				slog.Warn("topology: link never trained, treating as absent", "node", node, "link", num)
				continue
			}
			return nil, fmt.Errorf("node %d link %d: %w", node, num, err)
		}
		if link == nil {
			slog.Debug("topology: link absent", "node", node, "link", num)
			continue
		}
		slog.Debug("topology: link up", "node", node, "link", num, "coherent", link.Coherent)
		links = append(links, *link)
	}
	return links, nil
}

func (d *Discoverer) required(node NodeID, num int) bool {
	return node == 0 && num == d.SBLink
}

func (d *Discoverer) discoverLink(node NodeID, num int) (*Link, error) {
	fn := regs.FuncHT
	if num > 3 {
		ext, err := d.Space.Read(node.Int(), regs.FuncHT, regs.LinkExtCtlReg(num))
		if err != nil {
			return nil, err
		}
		if regs.LinkExtCtl(ext).Ganged() {
			return nil, nil
		}
		fn = regs.FuncLink
	}

	reg := regs.LinkTypeReg(num)
	var lt regs.LinkType
	read := func() error {
		v, err := d.Space.Read(node.Int(), fn, reg)
		if err != nil {
			return err
		}
		lt = regs.LinkType(v)
		return nil
	}

	err := Poll(d.Platform.MaxPollIterations, func() (bool, error) {
		if err := read(); err != nil {
			return false, err
		}
		// An empty function reads as all ones; it will never train.
		return uint32(lt) == 0xffff_ffff || !lt.ConnectionPending(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("connection pending: %w", err)
	}
	if uint32(lt) == 0xffff_ffff || !lt.Connected() {
		return nil, nil
	}

	err = Poll(d.Platform.MaxPollIterations, func() (bool, error) {
		if err := read(); err != nil {
			return false, err
		}
		return lt.InitComplete(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("init complete: %w", err)
	}

	return &Link{
		Node:        node,
		Num:         num,
		Connected:   true,
		Coherent:    !lt.NonCoherent(),
		ConfigIndex: -1,
	}, nil
}
