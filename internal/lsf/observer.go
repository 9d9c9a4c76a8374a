// Package lsf samples load (in-flight requests, live coordinators and host
// pressure) and feeds it to the qrf admission controller.
package lsf

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/qrf"
)

// Config controls the sampling cadence.
type Config struct {
	SampleInterval time.Duration
	// LogInterval rate-limits the debug sample log. Zero disables it.
	LogInterval time.Duration
	// ActiveCoordinators reports live coordinators; nil on participant-only nodes.
	ActiveCoordinators func() int
	// Sampler reads host metrics. Defaults to the gopsutil sampler.
	Sampler Sampler
	Logger  pslog.Logger
}

// HostSample is one reading of host pressure.
type HostSample struct {
	RSSBytes          uint64
	MemoryUsedPercent float64
	CPUPercent        float64
	Load1             float64
}

// Sampler reads host metrics. Fields it cannot read stay zero.
type Sampler interface {
	Sample(ctx context.Context) (HostSample, error)
}

// Observer tracks in-flight admissions and samples host metrics for the
// controller.
type Observer struct {
	cfg     Config
	qrf     *qrf.Controller
	logger  pslog.Logger
	sampler Sampler

	inflight [2]atomic.Int64
	running  atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup

	mu              sync.Mutex
	lastLogTime     time.Time
	loadBaseline    float64
	loadBaselineSet bool
}

// NewObserver constructs an observer feeding controller.
func NewObserver(cfg Config, controller *qrf.Controller) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 200 * time.Millisecond
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "control.lsf")
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = NewHostSampler()
	}
	o := &Observer{
		cfg:     cfg,
		qrf:     controller,
		logger:  logger,
		sampler: sampler,
		stop:    make(chan struct{}),
	}
	registerMetrics(logger, o)
	return o
}

// Start launches the sampling loop when the controller is enabled. Only the
// first call starts it.
func (o *Observer) Start() {
	if !o.qrf.Enabled() || !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run()
	}()
}

// Stop ends the sampling loop and waits for it.
func (o *Observer) Stop() {
	if o.running.CompareAndSwap(true, false) {
		close(o.stop)
	}
	o.wg.Wait()
}

// Admit paces the caller according to the controller, then counts it as in
// flight until the returned function is called.
func (o *Observer) Admit(ctx context.Context, kind qrf.Kind) (func(), error) {
	if err := o.qrf.Wait(ctx, kind); err != nil {
		return nil, err
	}
	counter := o.counter(kind)
	if counter == nil {
		return func() {}, nil
	}
	counter.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { counter.Add(-1) })
	}, nil
}

// Inflight returns how many admissions of kind are running.
func (o *Observer) Inflight(kind qrf.Kind) int64 {
	if c := o.counter(kind); c != nil {
		return c.Load()
	}
	return 0
}

func (o *Observer) counter(kind qrf.Kind) *atomic.Int64 {
	if kind < 0 || int(kind) >= len(o.inflight) {
		return nil
	}
	return &o.inflight[kind]
}

func (o *Observer) run() {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SampleInterval)
			o.Sample(ctx, now)
			cancel()
		}
	}
}

// Sample takes one reading and hands it to the controller.
func (o *Observer) Sample(ctx context.Context, now time.Time) qrf.Snapshot {
	host, err := o.sampler.Sample(ctx)
	if err != nil {
		o.logger.Debug("lsf.sample.partial", "error", err)
	}
	snapshot := qrf.Snapshot{
		CoordinateInflight:      o.Inflight(qrf.KindCoordinate),
		StageInflight:           o.Inflight(qrf.KindStage),
		RSSBytes:                host.RSSBytes,
		SystemMemoryUsedPercent: host.MemoryUsedPercent,
		SystemCPUPercent:        host.CPUPercent,
		SystemLoad1:             host.Load1,
		Load1Multiplier:         o.loadMultiplier(host.Load1),
		Goroutines:              runtime.NumGoroutine(),
		CollectedAt:             now,
	}
	if o.cfg.ActiveCoordinators != nil {
		snapshot.ActiveCoordinators = int64(o.cfg.ActiveCoordinators())
	}
	o.maybeLog(now, snapshot)
	o.qrf.Observe(snapshot)
	return snapshot
}

// loadMultiplier compares load1 against its slow moving average.
func (o *Observer) loadMultiplier(load1 float64) float64 {
	const alpha = 0.05
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.loadBaselineSet {
		o.loadBaseline = load1
		if o.loadBaseline <= 0 {
			o.loadBaseline = 0.1
		}
		o.loadBaselineSet = true
	}
	o.loadBaseline += (load1 - o.loadBaseline) * alpha
	if o.loadBaseline <= 0 {
		return 0
	}
	return load1 / o.loadBaseline
}

func (o *Observer) maybeLog(now time.Time, s qrf.Snapshot) {
	if o.cfg.LogInterval <= 0 {
		return
	}
	o.mu.Lock()
	due := o.lastLogTime.IsZero() || now.Sub(o.lastLogTime) >= o.cfg.LogInterval
	if due {
		o.lastLogTime = now
	}
	o.mu.Unlock()
	if !due {
		return
	}
	o.logger.Debug("lsf.sample",
		"coordinate_inflight", s.CoordinateInflight,
		"stage_inflight", s.StageInflight,
		"active_coordinators", s.ActiveCoordinators,
		"rss_bytes", s.RSSBytes,
		"system_memory_percent", s.SystemMemoryUsedPercent,
		"system_cpu_percent", s.SystemCPUPercent,
		"system_load1", s.SystemLoad1,
		"load1_multiplier", s.Load1Multiplier,
		"goroutines", s.Goroutines,
	)
}

type hostSampler struct {
	proc *process.Process
}

// NewHostSampler reads host metrics through gopsutil.
func NewHostSampler() Sampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &hostSampler{proc: proc}
}

func (h *hostSampler) Sample(ctx context.Context) (HostSample, error) {
	var (
		out      HostSample
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryUsedPercent = vm.UsedPercent
	} else {
		keep(err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.Load1 = avg.Load1
	} else {
		keep(err)
	}
	// Zero interval compares against the previous call.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	} else {
		keep(err)
	}
	if h.proc != nil {
		if info, err := h.proc.MemoryInfoWithContext(ctx); err == nil {
			out.RSSBytes = info.RSS
		} else {
			keep(err)
		}
	} else {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		out.RSSBytes = ms.Sys
	}
	return out, firstErr
}
