// Package gate provides the admission check that decides whether a worker
// may take on new work given current machine load and memory pressure.
package gate

import (
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot holds one reading of live OS metrics, expressed as percentages.
type Snapshot struct {
	LoadPct   float64
	MemoryPct float64
}

// Gate samples live OS metrics and gates admission against configured
// thresholds. It keeps no state between calls.
type Gate struct {
	logger  *slog.Logger
	numCPU  func() int
	loadAvg func() (*load.AvgStat, error)
	virtual func() (*mem.VirtualMemoryStat, error)
	swap    func() (*mem.SwapMemoryStat, error)
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger for the gate.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithProbes replaces the OS metric probes, for testing.
func WithProbes(
	numCPU func() int,
	loadAvg func() (*load.AvgStat, error),
	virtual func() (*mem.VirtualMemoryStat, error),
	swap func() (*mem.SwapMemoryStat, error),
) Option {
	return func(g *Gate) {
		g.numCPU = numCPU
		g.loadAvg = loadAvg
		g.virtual = virtual
		g.swap = swap
	}
}

// New creates a gate reading live OS metrics.
func New(opts ...Option) *Gate {
	g := &Gate{
		logger:  slog.Default(),
		numCPU:  runtime.NumCPU,
		loadAvg: load.Avg,
		virtual: mem.VirtualMemory,
		swap:    mem.SwapMemory,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Read samples current load and memory usage. Load is the worst of the
// 1/5/15 minute averages normalized by CPU count; memory counts RAM and
// swap together.
func (g *Gate) Read() (Snapshot, error) {
	avg, err := g.loadAvg()
	if err != nil {
		return Snapshot{}, err
	}
	vm, err := g.virtual()
	if err != nil {
		return Snapshot{}, err
	}
	sw, err := g.swap()
	if err != nil {
		return Snapshot{}, err
	}

	worst := max(avg.Load1, avg.Load5, avg.Load15)
	cpus := g.numCPU()
	if cpus < 1 {
		cpus = 1
	}

	snap := Snapshot{
		LoadPct: worst / float64(cpus) * 100,
	}
	if total := vm.Total + sw.Total; total > 0 {
		snap.MemoryPct = float64(vm.Used+sw.Used) / float64(total) * 100
	}
	return snap, nil
}

// Available reports whether both load and memory are strictly below their
// thresholds. On a metric-read failure the gate fails closed, treating
// resources as unavailable, so a monitoring fault cannot cause overload.
func (g *Gate) Available(maxLoadPct, maxMemoryPct float64) bool {
	snap, err := g.Read()
	if err != nil {
		g.logger.Warn("resource probe failed, refusing admission", "error", err)
		return false
	}
	return snap.LoadPct < maxLoadPct && snap.MemoryPct < maxMemoryPct
}
