package resource

import (
	"fmt"

	"github.com/tinyrange/httopo/internal/topology"
)

// Class is the address space a bridge window decodes.
type Class int

const (
	ClassIO Class = iota
	ClassMMIO
	ClassMMIOPrefetch
)

func (c Class) String() string {
	switch c {
	case ClassIO:
		return "io"
	case ClassMMIO:
		return "mmio"
	case ClassMMIOPrefetch:
		return "mmio-pref"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Memory reports whether the class lives in memory space.
func (c Class) Memory() bool { return c != ClassIO }

// Alignment constraints as log2 values.
const (
	ioAlign      = 12 // 4 KiB host bridge IO granularity
	ioExtAlign   = 8
	mmioAlign    = 20 // 1 MiB
	mmioExtAlign = 24 // extended entries carry address bits [39:24]

	ioLimit   = 0xffff
	mmioLimit = 0xff_ffff_ffff
)

// Window is one northbridge address routing window for a link.
type Window struct {
	Class Class
	Node  topology.NodeID
	Link  int

	// Slot is the fixed register pair index, or -1 when the window lives in
	// the extended address map at ExtIndex.
	Slot     int
	Extended bool
	ExtIndex int

	Base  uint64
	Size  uint64
	Limit uint64
	Align uint
	Gran  uint

	Assigned bool
	Stored   bool
}

// End returns the inclusive last address of the window.
func (w *Window) End() uint64 {
	if w.Size == 0 {
		return w.Base
	}
	return w.Base + w.Size - 1
}

func (w *Window) String() string {
	where := fmt.Sprintf("pair %d", w.Slot)
	if w.Extended {
		where = fmt.Sprintf("ext %d", w.ExtIndex)
	}
	if !w.Assigned {
		return fmt.Sprintf("%s node %d link %d %s unassigned", w.Class, w.Node, w.Link, where)
	}
	return fmt.Sprintf("%s node %d link %d %s [0x%x-0x%x]", w.Class, w.Node, w.Link, where, w.Base, w.End())
}

func (w *Window) constrain() {
	switch {
	case w.Class == ClassIO && w.Extended:
		w.Align, w.Gran = ioExtAlign, ioExtAlign
	case w.Class == ClassIO:
		w.Align, w.Gran = ioAlign, ioAlign
	case w.Extended:
		w.Align, w.Gran = mmioExtAlign, mmioExtAlign
	default:
		w.Align, w.Gran = mmioAlign, mmioAlign
	}
	w.Limit = mmioLimit
	if w.Class == ClassIO {
		w.Limit = ioLimit
	}
	w.Base, w.Size = 0, 0
}
