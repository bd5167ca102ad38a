package regs

import (
	"errors"
	"fmt"
)

// ErrReadOnly is returned by backends that refuse configuration writes.
var ErrReadOnly = errors.New("register backend is read-only")

// Locus identifies a PCI bus/device/function tuple in configuration space.
type Locus struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (l Locus) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Device, l.Function)
}

// Backend performs 32-bit configuration space accesses.
type Backend interface {
	Read32(loc Locus, reg uint16) (uint32, error)
	Write32(loc Locus, reg uint16, value uint32) error
}

// Northbridge functions present on every node.
const (
	FuncHT      uint8 = 0
	FuncAddrMap uint8 = 1
	FuncDRAM    uint8 = 2
	FuncMisc    uint8 = 3
	FuncLink    uint8 = 4
)

// Space addresses the per-node northbridge functions through a Backend.
//
// Nodes 0..31 live on bus CBB at device CDB+node. Nodes 32..63 live one bus
// below CBB at device CDB+node-32.
type Space struct {
	Backend Backend
	CBB     uint8
	CDB     uint8

	// Nodes is the number of nodes that receive broadcast address-map writes.
	// Zero means node 0 only.
	Nodes int
}

// NodeLocus returns the configuration locus for function fn of node.
func (s *Space) NodeLocus(node int, fn uint8) Locus {
	if node < 32 {
		return Locus{Bus: s.CBB, Device: s.CDB + uint8(node), Function: fn}
	}
	return Locus{Bus: s.CBB - 1, Device: uint8(int(s.CDB) + node - 32), Function: fn}
}

// Read reads a register of function fn on node.
func (s *Space) Read(node int, fn uint8, reg uint16) (uint32, error) {
	loc := s.NodeLocus(node, fn)
	v, err := s.Backend.Read32(loc, reg)
	if err != nil {
		return 0, fmt.Errorf("read %s reg 0x%03x: %w", loc, reg, err)
	}
	return v, nil
}

// Write writes a register of function fn on node.
func (s *Space) Write(node int, fn uint8, reg uint16, value uint32) error {
	loc := s.NodeLocus(node, fn)
	if err := s.Backend.Write32(loc, reg, value); err != nil {
		return fmt.Errorf("write %s reg 0x%03x: %w", loc, reg, err)
	}
	return nil
}

// Modify performs a read-modify-write of a register on node.
func (s *Space) Modify(node int, fn uint8, reg uint16, update func(uint32) uint32) error {
	v, err := s.Read(node, fn, reg)
	if err != nil {
		return err
	}
	return s.Write(node, fn, reg, update(v))
}

// ReadAddrMap reads an address-map (function 1) register from node 0. All
// nodes carry identical copies.
func (s *Space) ReadAddrMap(reg uint16) (uint32, error) {
	return s.Read(0, FuncAddrMap, reg)
}

// WriteAddrMap broadcasts an address-map register write to every node.
func (s *Space) WriteAddrMap(reg uint16, value uint32) error {
	nodes := s.Nodes
	if nodes <= 0 {
		nodes = 1
	}
	for node := 0; node < nodes; node++ {
		if err := s.Write(node, FuncAddrMap, reg, value); err != nil {
			return err
		}
	}
	return nil
}
