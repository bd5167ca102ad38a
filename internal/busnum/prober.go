package busnum

import (
	"fmt"

	"github.com/tinyrange/httopo/internal/topology"
)

// MaxChainDevices is the number of HT devices tracked per chain.
const MaxChainDevices = 4

// ChainProber enumerates the devices on a freshly numbered chain. It is the
// generic HT enumeration collaborator.
type ChainProber interface {
	// ProbeChain walks the chain behind link, whose first bus is maxBus. It
	// records the unit id base of each device in unitIDs and returns the
	// highest bus number in use once nested bridges have been numbered.
	ProbeChain(link *topology.Link, maxDevFn uint8, maxBus uint16, unitIDs *[MaxChainDevices]uint8, offsetUnitID bool) (uint16, error)
}

// ChainDevice describes one device on a simulated chain.
type ChainDevice struct {
	Name string `yaml:"name"`

	// UnitIDs is the number of unit ids the device claims.
	UnitIDs int `yaml:"unit_ids"`

	// Buses is the number of buses consumed by bridges behind the device.
	Buses int `yaml:"buses"`

	// Address space the device's BARs need behind the link.
	IO       uint64 `yaml:"io,omitempty"`
	MMIO     uint64 `yaml:"mmio,omitempty"`
	Prefetch uint64 `yaml:"prefetch,omitempty"`
}

// HintProber answers chain probes from a board description instead of
// hardware.
type HintProber struct {
	Chains        map[topology.LinkID][]ChainDevice
	UnitIDBase    uint8
	EndUnitIDBase uint8
}

// ProbeChain implements ChainProber.
func (h *HintProber) ProbeChain(link *topology.Link, maxDevFn uint8, maxBus uint16, unitIDs *[MaxChainDevices]uint8, offsetUnitID bool) (uint16, error) {
	devices := h.Chains[link.ID()]
	if len(devices) > MaxChainDevices {
		return 0, fmt.Errorf("%w: %s has %d chain devices, at most %d supported",
			topology.ErrUnsupportedTopology, link.ID(), len(devices), MaxChainDevices)
	}

	next := 1
	if offsetUnitID && h.UnitIDBase != 0 {
		next = int(h.UnitIDBase)
	}
	for i, dev := range devices {
		count := dev.UnitIDs
		if count <= 0 {
			count = 1
		}
		id := next
		if offsetUnitID && i == len(devices)-1 && h.EndUnitIDBase != 0 && h.EndUnitIDBase < 0x20 {
			id = int(h.EndUnitIDBase)
		}
		if (id+count-1)<<3 > int(maxDevFn) {
			return 0, fmt.Errorf("%w: %s device %d needs unit id 0x%x past devfn 0x%02x",
				topology.ErrUnsupportedTopology, link.ID(), i, id+count-1, maxDevFn)
		}
		unitIDs[i] = uint8(id)
		next = id + count
		maxBus += uint16(dev.Buses)
	}
	return maxBus, nil
}

var _ ChainProber = (*HintProber)(nil)
