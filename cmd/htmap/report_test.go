package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/httopo/internal/board"
)

func TestReportExampleBoard(t *testing.T) {
	data, err := os.ReadFile("../../boards/dual-socket.yaml")
	if err != nil {
		t.Fatalf("read board: %v", err)
	}
	b, err := board.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, _ := b.Context()
	topo, err := ctx.Topology()
	if err != nil {
		t.Fatalf("topology: %v", err)
	}

	var buf bytes.Buffer
	printTopology(&buf, false, topo)
	out := buf.String()
	for _, want := range []string{"windows", "bus conf", "000-002", "20202001"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if ansi.Strip(out) != out {
		t.Fatalf("unstyled report contains escapes")
	}
}

func TestTableAlignsColumns(t *testing.T) {
	tb := &table{styled: true, header: []string{"A", "B"}}
	tb.add("long cell", "x")
	tb.add("s", "y")

	var buf bytes.Buffer
	tb.write(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines: got %d want 3", len(lines))
	}
	if got := strings.Index(lines[1], "x"); got != strings.Index(lines[2], "y") {
		t.Fatalf("second column misaligned:\n%s", buf.String())
	}
	// The styled header pads by visible width.
	if !strings.HasPrefix(lines[0], ansi.Style{}.Bold().Styled("A")+strings.Repeat(" ", len("long cell")-1+2)) {
		t.Fatalf("header padding: %q", lines[0])
	}
	if got := ansi.Strip(lines[0]); got != "A"+strings.Repeat(" ", len("long cell")-1+2)+"B" {
		t.Fatalf("stripped header: got %q", got)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1536, "1536 B"},
		{0x10_0000, "1 MiB"},
		{0x1_0000_0000, "4 GiB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Fatalf("humanSize(%d): got %q want %q", tt.in, got, tt.want)
		}
	}
}
