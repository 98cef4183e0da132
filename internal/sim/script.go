package sim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"lwkt/kernel"
)

// RunScript executes commands read from r, one per line:
//
//	run <scenario|all> [key=value ...]
//	online <cpu> on|off
//	tick [n]
//
// Lines are split with shell quoting rules and '#' starts a comment.
// emit, if not nil, is called with each report as it completes.
func RunScript(ctx context.Context, sys *kernel.System, r io.Reader, emit func(Report)) ([]Report, error) {
	var reps []Report
	add := func(rep Report) {
		reps = append(reps, rep)
		if emit != nil {
			emit(rep)
		}
	}

	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		args, err := shlex.Split(sc.Text())
		if err != nil {
			return reps, fmt.Errorf("line %d: %w", line, err)
		}
		if len(args) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return reps, err
		}

		switch args[0] {
		case "run":
			if len(args) < 2 {
				return reps, fmt.Errorf("line %d: usage: run <scenario|all> [key=value ...]", line)
			}
			opts, err := ParseOptions(args[2:])
			if err != nil {
				return reps, fmt.Errorf("line %d: %w", line, err)
			}
			if args[1] == "all" {
				for _, name := range Names() {
					add(Run(ctx, sys, name, opts))
				}
				continue
			}
			add(Run(ctx, sys, args[1], opts))
		case "online":
			if len(args) != 3 {
				return reps, fmt.Errorf("line %d: usage: online <cpu> on|off", line)
			}
			id, err := strconv.Atoi(args[1])
			if err != nil || id < 0 || id >= sys.NCPU() {
				return reps, fmt.Errorf("line %d: bad cpu %q", line, args[1])
			}
			switch args[2] {
			case "on":
				sys.SetOnline(id, true)
			case "off":
				if id == 0 {
					return reps, fmt.Errorf("line %d: cpu0 cannot go offline", line)
				}
				sys.SetOnline(id, false)
			default:
				return reps, fmt.Errorf("line %d: bad state %q", line, args[2])
			}
		case "tick":
			n := 1
			if len(args) > 1 {
				if n, err = strconv.Atoi(args[1]); err != nil || n < 0 {
					return reps, fmt.Errorf("line %d: bad tick count %q", line, args[1])
				}
			}
			t := sys.Ticks()
			for i := 0; i < n; i++ {
				t = sys.WaitTick(t)
			}
		default:
			return reps, fmt.Errorf("line %d: unknown command %q", line, args[0])
		}
	}
	return reps, sc.Err()
}

// ParseOptions turns key=value arguments into Options.
func ParseOptions(args []string) (Options, error) {
	opts := Options{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad option %q, want key=value", a)
		}
		opts[k] = v
	}
	return opts, nil
}
