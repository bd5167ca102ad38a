package topology

import "fmt"

// NodeID is a validated node index. Construct it with NewNodeID.
type NodeID uint8

// NewNodeID range-checks n against the node count.
func NewNodeID(n, nodes int) (NodeID, error) {
	if n < 0 || n >= nodes || n >= 64 {
		return 0, fmt.Errorf("%w: %d (nodes %d)", ErrInvalidNode, n, nodes)
	}
	return NodeID(n), nil
}

func (n NodeID) Int() int { return int(n) }

// LinkID identifies one link slot of a node.
type LinkID struct {
	Node NodeID
	Link int
}

func (l LinkID) String() string { return fmt.Sprintf("node %d link %d", l.Node, l.Link) }

// Link is one populated point-to-point link of a node.
type Link struct {
	Node      NodeID
	Num       int
	Connected bool
	Coherent  bool

	// Secondary and Subordinate are global bus numbers: segment<<8 | bus.
	Secondary   uint16
	Subordinate uint16
	Segment     int

	// ConfigIndex is the config map slot routing the bus range, or -1.
	ConfigIndex int
	UnitIDBases [4]uint8
}

func (l *Link) ID() LinkID { return LinkID{Node: l.Node, Link: l.Num} }

// Sublink reports whether the link is sublink 1 of a ganged pair.
func (l *Link) Sublink() bool { return l.Num > 3 }

// Candidate reports whether the link leads to a non-coherent I/O chain.
func (l *Link) Candidate() bool { return l.Connected && !l.Coherent }

// HasChildren reports whether the link carries a committed bus range.
func (l *Link) HasChildren() bool { return l.Candidate() && l.ConfigIndex >= 0 }

// UnitIDWord packs the unit id bases one byte per chain device.
func (l *Link) UnitIDWord() uint32 {
	var w uint32
	for i, b := range l.UnitIDBases {
		w |= uint32(b) << (8 * i)
	}
	return w
}

// Node is one CPU socket.
type Node struct {
	ID       NodeID
	Enabled  bool
	Siblings int
	Links    []Link
}

// Link returns the populated link numbered num, or nil.
func (n *Node) Link(num int) *Link {
	for i := range n.Links {
		if n.Links[i].Num == num {
			return &n.Links[i]
		}
	}
	return nil
}
