package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"lwkt/hal"
	"lwkt/internal/buildinfo"
	"lwkt/internal/sim"
	"lwkt/kernel"
)

func main() {
	var (
		ncpu        = flag.Int("ncpu", 4, "Number of simulated CPUs.")
		hz          = flag.Int("hz", 100, "Tick rate.")
		syncTimeout = flag.Duration("sync-timeout", 2*time.Second, "Panic when an IPI or barrier wait exceeds this (0 disables).")
		scenario    = flag.String("scenario", "all", "Scenario to run: "+strings.Join(sim.Names(), "|")+"|all.")
		script      = flag.String("script", "", "Run commands from this file instead of -scenario.")
		list        = flag.Bool("list", false, "List scenarios and exit.")
		verbose     = flag.Bool("v", false, "Log kernel diagnostics to stderr.")
		version     = flag.Bool("version", false, "Print the version and exit.")
	)
	flag.Parse()

	if *version {
		fmt.Println("lwktsim", buildinfo.Short())
		return
	}
	if *list {
		for _, name := range sim.Names() {
			fmt.Printf("%s  %s\n", name, sim.Describe(name))
		}
		return
	}
	opts, err := sim.ParseOptions(flag.Args())
	if err != nil {
		fatalf("usage: lwktsim [flags] [key=value ...]: %v", err)
	}

	logger := hal.Discard
	if *verbose {
		logger = hal.NewWriterLogger(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sys, err := kernel.Boot(ctx, kernel.Config{
		NCPU:        *ncpu,
		Hz:          *hz,
		SyncTimeout: *syncTimeout,
		Logger:      logger,
	})
	if err != nil {
		fatalf("boot: %v", err)
	}
	sys.SetPanicHandler(func(info kernel.PanicInfo) {
		_, _ = fmt.Fprintf(os.Stderr, "lwktsim: kernel panic on cpu %d: %v\n", info.CPU, info.Value)
	})

	var reps []sim.Report
	switch {
	case *script != "":
		f, err := os.Open(*script)
		if err != nil {
			fatalf("script: %v", err)
		}
		reps, err = sim.RunScript(ctx, sys, f, func(r sim.Report) { fmt.Println(r) })
		f.Close()
		if err != nil {
			fatalf("script %s: %v", *script, err)
		}
	case *scenario == "all":
		reps = sim.RunAll(ctx, sys, opts)
		printReports(reps)
	default:
		reps = []sim.Report{sim.Run(ctx, sys, *scenario, opts)}
		printReports(reps)
	}

	if err := sys.Shutdown(); err != nil {
		fatalf("shutdown: %v", err)
	}
	if sim.Failed(reps) {
		os.Exit(1)
	}
}

func printReports(reps []sim.Report) {
	for _, r := range reps {
		fmt.Println(r)
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
