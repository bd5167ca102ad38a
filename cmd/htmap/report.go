package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/httopo/internal/sysconf"
	"github.com/tinyrange/httopo/internal/topology"
)

// table collects rows and prints them with columns padded to the widest
// visible cell.
type table struct {
	styled bool
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) bold(s string) string {
	if !t.styled {
		return s
	}
	return ansi.Style{}.Bold().Styled(s)
}

func (t *table) write(w io.Writer) {
	header := make([]string, len(t.header))
	for i, h := range t.header {
		header[i] = t.bold(h)
	}
	all := append([][]string{header}, t.rows...)

	widths := make([]int, len(t.header))
	for _, row := range all {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range all {
		var sb strings.Builder
		for i, cell := range row {
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), " "))
	}
}

func section(w io.Writer, styled bool, title string) {
	if styled {
		title = ansi.Style{}.Underline(true).Styled(title)
	}
	fmt.Fprintf(w, "\n%s\n", title)
}

func printNodes(w io.Writer, styled bool, sys topology.System, nodes []topology.Node) {
	section(w, styled, fmt.Sprintf("nodes (%d, south bridge on link %d)", sys.Nodes, sys.SBLink))
	t := &table{styled: styled, header: []string{"NODE", "CORES", "LINK", "TYPE", "BUSES", "ROUTE", "UNIT IDS"}}
	for _, n := range nodes {
		if !n.Enabled {
			t.add(fmt.Sprint(n.ID), "-", "-", "absent", "", "", "")
			continue
		}
		if len(n.Links) == 0 {
			t.add(fmt.Sprint(n.ID), fmt.Sprint(n.Siblings+1), "-", "", "", "", "")
		}
		for _, l := range n.Links {
			kind := "coherent"
			if !l.Coherent {
				kind = "io"
			}
			buses, route, ids := "", "", ""
			if l.HasChildren() {
				buses = fmt.Sprintf("%03x-%03x", l.Secondary, l.Subordinate)
				route = fmt.Sprint(l.ConfigIndex)
				ids = fmt.Sprintf("%08x", l.UnitIDWord())
			}
			t.add(fmt.Sprint(n.ID), fmt.Sprint(n.Siblings+1), fmt.Sprint(l.Num), kind, buses, route, ids)
		}
	}
	t.write(w)
}

func printTopology(w io.Writer, styled bool, topo *sysconf.Topology) {
	printNodes(w, styled, topo.System, topo.Nodes)

	section(w, styled, "windows")
	t := &table{styled: styled, header: []string{"CLASS", "NODE", "LINK", "SLOT", "BASE", "LIMIT"}}
	for i := range topo.Windows {
		win := &topo.Windows[i]
		slot := fmt.Sprint(win.Slot)
		if win.Extended {
			slot = fmt.Sprintf("ext %d", win.ExtIndex)
		}
		base, limit := "unused", ""
		if win.Assigned {
			base, limit = fmt.Sprintf("%#x", win.Base), fmt.Sprintf("%#x", win.End())
		}
		t.add(win.Class.String(), fmt.Sprint(win.Node), fmt.Sprint(win.Link), slot, base, limit)
	}
	t.write(w)

	section(w, styled, fmt.Sprintf("memory (hole %s, mmio base %#x)", topo.Memory.Hole, topo.Memory.MMIOBase))
	t = &table{styled: styled, header: []string{"KIND", "NODE", "BASE", "END", "SIZE"}}
	for _, r := range topo.RAM {
		t.add(r.Kind.String(), fmt.Sprint(r.Node), fmt.Sprintf("%#x", r.Base), fmt.Sprintf("%#x", r.End()), humanSize(r.Size))
	}
	t.write(w)

	section(w, styled, fmt.Sprintf("bus conf (sbdn %#x, south bridge bus %#x)", topo.Bus.SBDN, topo.Bus.SBBus))
	t = &table{styled: styled, header: []string{"SLOT", "PRESET", "HCDN", "BUSES"}}
	for i, p := range topo.Bus.Presets {
		buses := "not found"
		if sysconf.PresetFound(p) {
			sec, sub := sysconf.PresetBuses(p)
			buses = fmt.Sprintf("%02x-%02x", sec, sub)
		}
		t.add(fmt.Sprint(i), fmt.Sprintf("%08x", p), fmt.Sprintf("%08x", topo.Bus.HCDN[i]), buses)
	}
	t.write(w)
}

func humanSize(n uint64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for n >= 1024 && n%1024 == 0 && i < len(units)-1 {
		n /= 1024
		i++
	}
	return fmt.Sprintf("%d %s", n, units[i])
}
