// Package sim runs end-to-end scenarios against a booted kernel.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"lwkt/kernel"
)

// Status is the outcome of a scenario.
type Status uint8

const (
	StatusOK Status = iota
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "FAIL"
	case StatusSkipped:
		return "skip"
	default:
		return "unknown"
	}
}

// Report describes one scenario run.
type Report struct {
	Name    string
	Status  Status
	Detail  string
	Elapsed time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("scenario %s: %s (%s) %s", r.Name, r.Status, r.Elapsed.Round(time.Microsecond), r.Detail)
}

// Options are key=value parameters of a scenario.
type Options map[string]string

// Int returns the integer option key, or def when unset.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// Duration returns the duration option key, or def when unset.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// errSkip is returned by a scenario that cannot run on this configuration.
type errSkip struct{ reason string }

func (e errSkip) Error() string { return e.reason }

type scenario struct {
	desc string
	run  func(ctx context.Context, sys *kernel.System, opts Options) (string, error)
}

var scenarios = map[string]scenario{
	"a": {"sync port completes 100 messages inline", scenarioA},
	"b": {"domsg round trip through a worker thread", scenarioB},
	"c": {"two waiters drained by release_wakeup", scenarioC},
	"d": {"invalidation waits for a slow cpu", scenarioD},
	"e": {"token serializes threads on every cpu", scenarioE},
}

// Names returns the scenario names in order.
func Names() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the one-line description of a scenario.
func Describe(name string) string {
	return scenarios[name].desc
}

const defaultTimeout = 5 * time.Second

// Run executes one scenario. The option "timeout" bounds it.
func Run(ctx context.Context, sys *kernel.System, name string, opts Options) Report {
	rep := Report{Name: name}
	sc, ok := scenarios[strings.ToLower(name)]
	if !ok {
		rep.Status = StatusFailed
		rep.Detail = fmt.Sprintf("unknown scenario (have %s)", strings.Join(Names(), ","))
		return rep
	}
	timeout, err := opts.Duration("timeout", defaultTimeout)
	if err != nil {
		rep.Status = StatusFailed
		rep.Detail = err.Error()
		return rep
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	detail, err := sc.run(ctx, sys, opts)
	rep.Elapsed = time.Since(start)
	switch e := err.(type) {
	case nil:
		rep.Status = StatusOK
		rep.Detail = detail
	case errSkip:
		rep.Status = StatusSkipped
		rep.Detail = e.reason
	default:
		rep.Status = StatusFailed
		rep.Detail = err.Error()
	}
	sys.Logger().WriteLineString(rep.String())
	return rep
}

// RunAll executes every scenario in order.
func RunAll(ctx context.Context, sys *kernel.System, opts Options) []Report {
	var reps []Report
	for _, name := range Names() {
		reps = append(reps, Run(ctx, sys, name, opts))
	}
	return reps
}

// Failed reports whether any report failed.
func Failed(reps []Report) bool {
	for _, r := range reps {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or ctx expires.
func waitFor(ctx context.Context, what string, cond func() bool) error {
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func sleepers(sys *kernel.System, wmesg string) int {
	n := 0
	for _, si := range sys.Sleepers() {
		if si.Wmesg == wmesg {
			n++
		}
	}
	return n
}
