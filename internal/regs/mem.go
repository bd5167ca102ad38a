package regs

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const configSpaceSize = 4096

// Access is one recorded configuration write.
type Access struct {
	Locus Locus
	Reg   uint16
	Value uint32
}

type regKey struct {
	loc Locus
	reg uint16
}

type indirect struct {
	index uint16
	table map[uint32]uint32
}

// MemBackend is a map-backed configuration space. Unpopulated functions read
// as all ones and ignore writes, the same as an empty slot on a real bus.
//
// Reads can be scripted per register: queued values are returned (and
// consumed) before the stored value, which is how link training sequences are
// simulated. Every write that lands is counted and traced.
type MemBackend struct {
	mu sync.Mutex

	config   map[Locus][]byte
	readOnly map[Locus]map[uint16]struct{}
	scripted map[regKey][]uint32
	indirect map[regKey]*indirect // keyed by data register

	writes int
	trace  []Access
}

// NewMemBackend returns an empty backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		config:   make(map[Locus][]byte),
		readOnly: make(map[Locus]map[uint16]struct{}),
		scripted: make(map[regKey][]uint32),
		indirect: make(map[regKey]*indirect),
	}
}

// AddFunction populates a function at loc with zeroed configuration space.
func (m *MemBackend) AddFunction(loc Locus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.config[loc]; !ok {
		m.config[loc] = make([]byte, configSpaceSize)
	}
}

// Present reports whether loc has been populated.
func (m *MemBackend) Present(loc Locus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.config[loc]
	return ok
}

// Set stores a register value without counting it as a write.
func (m *MemBackend) Set(loc Locus, reg uint16, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.config[loc]
	if !ok {
		cfg = make([]byte, configSpaceSize)
		m.config[loc] = cfg
	}
	binary.LittleEndian.PutUint32(cfg[reg:], value)
}

// Get returns the stored register value, ignoring any scripted reads.
func (m *MemBackend) Get(loc Locus, reg uint16) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.config[loc]
	if !ok {
		return 0xffff_ffff
	}
	return binary.LittleEndian.Uint32(cfg[reg:])
}

// Script queues values returned by subsequent reads of reg before the stored
// value is visible again.
func (m *MemBackend) Script(loc Locus, reg uint16, values ...uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := regKey{loc, reg}
	m.scripted[k] = append(m.scripted[k], values...)
}

// SetReadOnly marks the 32-bit register at reg as ignoring writes.
func (m *MemBackend) SetReadOnly(loc Locus, reg uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly[loc] == nil {
		m.readOnly[loc] = make(map[uint16]struct{})
	}
	m.readOnly[loc][reg] = struct{}{}
}

// AddIndirect turns dataReg into a window onto a table selected by the value
// last written to indexReg.
func (m *MemBackend) AddIndirect(loc Locus, indexReg, dataReg uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indirect[regKey{loc, dataReg}] = &indirect{
		index: indexReg,
		table: make(map[uint32]uint32),
	}
}

// Indirect returns the table entry behind an indirect data register.
func (m *MemBackend) Indirect(loc Locus, dataReg uint16, index uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ind, ok := m.indirect[regKey{loc, dataReg}]
	if !ok {
		return 0
	}
	return ind.table[index]
}

// SetIndirect stores an indirect table entry without counting a write.
func (m *MemBackend) SetIndirect(loc Locus, dataReg uint16, index uint32, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ind, ok := m.indirect[regKey{loc, dataReg}]; ok {
		ind.table[index] = value
	}
}

// Writes returns the number of writes that reached a populated function.
func (m *MemBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Trace returns a copy of the recorded writes.
func (m *MemBackend) Trace() []Access {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Access, len(m.trace))
	copy(out, m.trace)
	return out
}

// Read32 implements Backend.
func (m *MemBackend) Read32(loc Locus, reg uint16) (uint32, error) {
	if err := checkReg(reg); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.config[loc]
	if !ok {
		return 0xffff_ffff, nil
	}
	k := regKey{loc, reg}
	if q := m.scripted[k]; len(q) > 0 {
		m.scripted[k] = q[1:]
		return q[0], nil
	}
	if ind, ok := m.indirect[k]; ok {
		return ind.table[binary.LittleEndian.Uint32(cfg[ind.index:])], nil
	}
	return binary.LittleEndian.Uint32(cfg[reg:]), nil
}

// Write32 implements Backend.
func (m *MemBackend) Write32(loc Locus, reg uint16, value uint32) error {
	if err := checkReg(reg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.config[loc]
	if !ok {
		return nil
	}
	if _, ro := m.readOnly[loc][reg]; ro {
		return nil
	}
	m.writes++
	m.trace = append(m.trace, Access{Locus: loc, Reg: reg, Value: value})
	if ind, ok := m.indirect[regKey{loc, reg}]; ok {
		ind.table[binary.LittleEndian.Uint32(cfg[ind.index:])] = value
		return nil
	}
	binary.LittleEndian.PutUint32(cfg[reg:], value)
	return nil
}

func checkReg(reg uint16) error {
	if reg%4 != 0 || int(reg)+4 > configSpaceSize {
		return fmt.Errorf("config register 0x%x is not a dword inside extended config space", reg)
	}
	return nil
}

var _ Backend = (*MemBackend)(nil)
