package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/tinyrange/httopo/internal/board"
	"github.com/tinyrange/httopo/internal/debug"
	"github.com/tinyrange/httopo/internal/regs"
	"github.com/tinyrange/httopo/internal/sysconf"
	"github.com/tinyrange/httopo/internal/topology"
)

func run() error {
	boardPath := flag.String("board", "", "board description to simulate")
	inspect := flag.Bool("inspect", false, "discover links on this host, read-only")
	verbose := flag.Bool("v", false, "enable debug logging")
	progress := flag.Bool("progress", false, "show pipeline progress on a terminal")
	traceFile := flag.String("trace", "", "record every register access to FILE")
	showTrace := flag.String("show-trace", "", "print a register trace written by -trace")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `htmap - HyperTransport topology and address map planner

USAGE:
  htmap -board FILE [-progress] [-v]
  htmap -inspect [-board FILE] [-v]
  htmap -show-trace FILE

FLAGS:
  -board FILE  Board description (YAML, format v1). Runs bus numbering, window
               placement and memory hole reconciliation against simulated
               registers and prints the resulting map
  -inspect     Read the northbridge registers of this machine through sysfs
               and print the discovered nodes and links. Nothing is written.
               With -board, the board's platform constants are used
  -progress    Show a progress bar over the pipeline stages (terminals only)
  -trace FILE  Record every register access (binary trace) to FILE
  -show-trace FILE
               Print a trace recorded with -trace
  -v           Debug logging

EXAMPLES:
  htmap -board boards/dual-socket.yaml
  htmap -board boards/dual-socket.yaml -progress
  htmap -board boards/dual-socket.yaml -trace regs.trace
  sudo htmap -inspect
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *showTrace != "" {
		entries, err := debug.ReadFile(*showTrace)
		for _, e := range entries {
			fmt.Println(e)
		}
		return err
	}

	if *boardPath == "" && !*inspect {
		flag.Usage()
		return errors.New("one of -board, -inspect or -show-trace is required")
	}

	if *traceFile != "" {
		if err := debug.OpenFile(*traceFile); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}
	traced := func(inner regs.Backend) regs.Backend {
		if *traceFile == "" {
			return inner
		}
		return debug.TraceBackend(inner)
	}

	var b *board.Board
	if *boardPath != "" {
		var err error
		b, err = board.Load(afero.NewOsFs(), *boardPath)
		if err != nil {
			return err
		}
	}

	styled := term.IsTerminal(int(os.Stdout.Fd()))

	if *inspect {
		p := topology.DefaultPlatform()
		if b != nil {
			p = b.Platform
		}
		backend := regs.NewSysfsBackend(true)
		defer backend.Close()

		sys, nodes, err := sysconf.Discover(&p, traced(backend))
		if err != nil {
			return fmt.Errorf("inspect: %w", err)
		}
		printNodes(os.Stdout, styled, sys, nodes)
		return nil
	}

	mem, backend := b.Backend()
	ctx := sysconf.New(&b.Platform, traced(backend), b.Prober(), b.SysconfHints())
	if *progress && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.NewOptions(len(sysconf.Stages),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("planning"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		started := false
		ctx.OnStage = func(stage string) {
			if started {
				bar.Add(1)
			}
			started = true
			bar.Describe(stage)
		}
		defer bar.Finish()
	}

	topo, err := ctx.Topology()
	if err != nil {
		return err
	}
	printTopology(os.Stdout, styled, topo)
	slog.Debug("htmap: register writes", "count", mem.Writes())
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("htmap failed", "err", err)
		os.Exit(1)
	}
}
