// Package qrf decides when to pace new work. It watches in-flight commit
// coordination and staging plus host pressure, and moves between
// disengaged, soft-armed, engaged and recovery postures. Participant
// protocol calls (prepare, commit, abort) are never paced: delaying them
// only keeps decided transactions in doubt for longer.
package qrf

import (
	"context"
	"math"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/loggingutil"
)

// Kind identifies the type of operation under evaluation.
type Kind int

const (
	// KindCoordinate marks coordinateCommit requests.
	KindCoordinate Kind = iota
	// KindStage marks client writes staged on the local participant.
	KindStage

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindCoordinate:
		return "coordinate"
	case KindStage:
		return "stage"
	default:
		return "unknown"
	}
}

// State represents the current posture of the controller.
type State int

const (
	// StateDisengaged lets everything through.
	StateDisengaged State = iota
	// StateSoftArm paces the kinds over their soft limit.
	StateSoftArm
	// StateEngaged paces aggressively.
	StateEngaged
	// StateRecovery eases pacing until metrics settle.
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Config configures controller thresholds and pacing. Zero limits are
// ignored.
type Config struct {
	Enabled bool

	CoordinateSoftLimit int64
	CoordinateHardLimit int64
	StageSoftLimit      int64
	StageHardLimit      int64

	MemorySoftLimitPercent float64
	MemoryHardLimitPercent float64
	MemorySoftLimitBytes   uint64
	MemoryHardLimitBytes   uint64

	CPUPercentSoftLimit float64
	CPUPercentHardLimit float64

	LoadSoftLimitMultiplier float64
	LoadHardLimitMultiplier float64

	// RecoverySamples healthy samples in a row step the posture down.
	RecoverySamples int

	SoftDelay     time.Duration
	EngagedDelay  time.Duration
	RecoveryDelay time.Duration
	// MaxWait is the longest a request is paced before it is refused.
	MaxWait time.Duration

	Logger pslog.Logger
}

// Snapshot captures the metrics sampled by the observer.
type Snapshot struct {
	CoordinateInflight int64
	StageInflight      int64
	// ActiveCoordinators counts live coordinators, including those still
	// delivering a decision after the client got its answer.
	ActiveCoordinators int64

	RSSBytes                uint64
	SystemMemoryUsedPercent float64
	SystemCPUPercent        float64
	SystemLoad1             float64
	Load1Multiplier         float64
	Goroutines              int
	CollectedAt             time.Time
}

func (s Snapshot) inflight(kind Kind) int64 {
	switch kind {
	case KindCoordinate:
		return max(s.CoordinateInflight, s.ActiveCoordinators)
	case KindStage:
		return s.StageInflight
	default:
		return 0
	}
}

// Status reports the current controller state and snapshot.
type Status struct {
	State    State
	Reason   string
	Snapshot Snapshot
}

// Decision reports whether an operation should be paced.
type Decision struct {
	Throttle bool
	Delay    time.Duration
	State    State
	Reason   string
}

// WaitError is returned when the pacing delay exceeds the configured max wait.
type WaitError struct {
	Delay  time.Duration
	Reason string
}

func (e *WaitError) Error() string {
	return "throttled: " + e.Reason
}

// Controller manages the posture state machine.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	metrics *qrfMetrics

	mu                 sync.RWMutex
	state              State
	lastReason         string
	lastSnapshot       Snapshot
	consecutiveHealthy int
}

// NewController constructs a controller using the supplied configuration.
func NewController(cfg Config) *Controller {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = 1
	}
	c := &Controller{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "control.qrf"),
		state:  StateDisengaged,
	}
	c.metrics = newQRFMetrics(c.logger, c)
	return c
}

// Enabled reports whether pacing is configured at all.
func (c *Controller) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Observe ingests a new snapshot and updates the posture.
func (c *Controller) Observe(snapshot Snapshot) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSnapshot = snapshot

	prev := c.state
	next := prev
	hard, hardReason := c.breach(snapshot, true)
	soft, softReason := c.breach(snapshot, false)
	healthy := c.isHealthy(snapshot)

	switch {
	case hard:
		next = StateEngaged
		c.consecutiveHealthy = 0
		c.lastReason = hardReason
	case soft:
		// An engaged controller stays engaged until metrics are healthy.
		if prev != StateEngaged {
			next = StateSoftArm
			c.lastReason = softReason
		}
		c.consecutiveHealthy = 0
	default:
		if healthy {
			c.consecutiveHealthy++
		} else {
			c.consecutiveHealthy = 0
		}
		if healthy && c.consecutiveHealthy >= c.cfg.RecoverySamples {
			switch prev {
			case StateEngaged:
				next = StateRecovery
				c.lastReason = "metrics recovering"
			case StateRecovery, StateSoftArm:
				next = StateDisengaged
				c.lastReason = "metrics stabilised"
			}
			if next != prev {
				c.consecutiveHealthy = 0
			}
		}
	}

	if next != prev {
		c.state = next
		c.logTransition(prev, next, c.lastReason, snapshot)
		c.metrics.recordTransition(context.Background(), prev, next, c.lastReason)
	}
}

// Decide reports whether an operation of the given kind should be paced.
func (c *Controller) Decide(kind Kind) Decision {
	if !c.Enabled() {
		return Decision{State: StateDisengaged}
	}
	c.mu.RLock()
	state := c.state
	reason := c.lastReason
	snapshot := c.lastSnapshot
	c.mu.RUnlock()

	if state == StateDisengaged {
		return c.recordDecision(kind, Decision{State: state})
	}
	value := float64(snapshot.inflight(kind))
	soft, hard := c.limits(kind)
	switch {
	case hard > 0 && value >= hard:
		reason = kind.String() + "_inflight_hard"
	case soft > 0 && value >= soft:
		reason = kind.String() + "_inflight_soft"
	case c.globalPressure(snapshot):
	default:
		return c.recordDecision(kind, Decision{State: state})
	}
	return c.recordDecision(kind, Decision{
		Throttle: true,
		State:    state,
		Delay:    baseDelayForState(c.cfg, state),
		Reason:   reason,
	})
}

// Wait paces the caller when pressure is detected. It returns a WaitError
// when the computed delay exceeds MaxWait, after waiting MaxWait.
func (c *Controller) Wait(ctx context.Context, kind Kind) error {
	if !c.Enabled() {
		return nil
	}
	decision := c.Decide(kind)
	if !decision.Throttle {
		return nil
	}
	delay := c.delayForDecision(decision)
	if delay <= 0 {
		return nil
	}
	if c.cfg.MaxWait <= 0 {
		return &WaitError{Delay: delay, Reason: decision.Reason}
	}
	waitFor := min(delay, c.cfg.MaxWait)
	deadlineSoon := false
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		if remaining < delay {
			deadlineSoon = true
		}
		waitFor = min(waitFor, remaining)
	}
	if err := sleepWithContext(ctx, waitFor); err != nil {
		return err
	}
	if deadlineSoon {
		return context.DeadlineExceeded
	}
	if delay > c.cfg.MaxWait {
		return &WaitError{Delay: delay, Reason: decision.Reason}
	}
	return nil
}

// State returns the current posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns the current state, reason and snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Reason: c.lastReason, Snapshot: c.lastSnapshot}
}

func (c *Controller) recordDecision(kind Kind, decision Decision) Decision {
	c.metrics.recordDecision(context.Background(), kind, decision)
	return decision
}

func (c *Controller) limits(kind Kind) (float64, float64) {
	switch kind {
	case KindCoordinate:
		return float64(c.cfg.CoordinateSoftLimit), float64(c.cfg.CoordinateHardLimit)
	case KindStage:
		return float64(c.cfg.StageSoftLimit), float64(c.cfg.StageHardLimit)
	default:
		return 0, 0
	}
}

// breach reports the first exceeded limit, hard limits when hard is set.
func (c *Controller) breach(s Snapshot, hard bool) (bool, string) {
	suffix := "_soft"
	if hard {
		suffix = "_hard"
	}
	pick := func(soft, hardLimit float64) float64 {
		if hard {
			return hardLimit
		}
		return soft
	}
	for kind := Kind(0); kind < kindCount; kind++ {
		soft, hardLimit := c.limits(kind)
		if limit := pick(soft, hardLimit); limit > 0 && float64(s.inflight(kind)) >= limit {
			return true, kind.String() + "_inflight" + suffix
		}
	}
	if limit := pick(c.cfg.MemorySoftLimitPercent, c.cfg.MemoryHardLimitPercent); limit > 0 && s.SystemMemoryUsedPercent >= limit {
		return true, "memory" + suffix
	}
	if limit := pick(float64(c.cfg.MemorySoftLimitBytes), float64(c.cfg.MemoryHardLimitBytes)); limit > 0 && float64(s.RSSBytes) >= limit {
		return true, "memory" + suffix
	}
	if limit := pick(c.cfg.CPUPercentSoftLimit, c.cfg.CPUPercentHardLimit); limit > 0 && s.SystemCPUPercent >= limit {
		return true, "cpu" + suffix
	}
	if limit := pick(c.cfg.LoadSoftLimitMultiplier, c.cfg.LoadHardLimitMultiplier); limit > 0 && s.Load1Multiplier >= limit {
		return true, "load" + suffix
	}
	return false, ""
}

func (c *Controller) globalPressure(s Snapshot) bool {
	cfg := c.cfg
	switch {
	case cfg.MemorySoftLimitPercent > 0 && s.SystemMemoryUsedPercent >= cfg.MemorySoftLimitPercent:
	case cfg.MemorySoftLimitBytes > 0 && s.RSSBytes >= cfg.MemorySoftLimitBytes:
	case cfg.CPUPercentSoftLimit > 0 && s.SystemCPUPercent >= cfg.CPUPercentSoftLimit:
	case cfg.LoadSoftLimitMultiplier > 0 && s.Load1Multiplier >= cfg.LoadSoftLimitMultiplier:
	default:
		return false
	}
	return true
}

func (c *Controller) isHealthy(s Snapshot) bool {
	cfg := c.cfg
	for kind := Kind(0); kind < kindCount; kind++ {
		soft, _ := c.limits(kind)
		if soft > 0 && float64(s.inflight(kind)) > math.Max(1, soft/2) {
			return false
		}
	}
	if cfg.MemorySoftLimitPercent > 0 && s.SystemMemoryUsedPercent > percentRecoveryTarget(cfg.MemorySoftLimitPercent) {
		return false
	}
	if cfg.MemorySoftLimitBytes > 0 && s.RSSBytes > cfg.MemorySoftLimitBytes/2 {
		return false
	}
	if cfg.CPUPercentSoftLimit > 0 && s.SystemCPUPercent > percentRecoveryTarget(cfg.CPUPercentSoftLimit) {
		return false
	}
	if cfg.LoadSoftLimitMultiplier > 0 && s.Load1Multiplier > multiplierRecoveryTarget(cfg.LoadSoftLimitMultiplier) {
		return false
	}
	return true
}

func (c *Controller) logTransition(prev, next State, reason string, s Snapshot) {
	fields := []any{
		"previous_state", prev.String(),
		"reason", reason,
		"coordinate_inflight", s.CoordinateInflight,
		"stage_inflight", s.StageInflight,
		"active_coordinators", s.ActiveCoordinators,
		"rss_bytes", s.RSSBytes,
		"system_memory_percent", s.SystemMemoryUsedPercent,
		"system_cpu_percent", s.SystemCPUPercent,
		"system_load1", s.SystemLoad1,
		"load1_multiplier", s.Load1Multiplier,
		"goroutines", s.Goroutines,
	}
	switch next {
	case StateEngaged:
		c.logger.Warn("qrf.engaged", fields...)
	default:
		c.logger.Info("qrf."+next.String(), fields...)
	}
}

func baseDelayForState(cfg Config, state State) time.Duration {
	switch state {
	case StateSoftArm:
		return nonZero(cfg.SoftDelay, 50*time.Millisecond)
	case StateEngaged:
		return nonZero(cfg.EngagedDelay, 500*time.Millisecond)
	case StateRecovery:
		return nonZero(cfg.RecoveryDelay, 200*time.Millisecond)
	default:
		return 0
	}
}

// delayForDecision scales the base delay by how far past its soft limit the
// triggering metric is.
func (c *Controller) delayForDecision(decision Decision) time.Duration {
	base := decision.Delay
	if base <= 0 {
		base = baseDelayForState(c.cfg, decision.State)
	}
	if base <= 0 {
		return 0
	}
	pressure := math.Min(1, math.Max(0.1, c.pressureForReason(decision.Reason)))
	scaled := time.Duration(float64(base) * pressure)
	return min(base, max(scaled, minDelayForState(decision.State, base)))
}

func minDelayForState(state State, base time.Duration) time.Duration {
	floor := 2 * time.Millisecond
	switch state {
	case StateEngaged:
		floor = 10 * time.Millisecond
	case StateRecovery:
		floor = 5 * time.Millisecond
	}
	return min(base, max(base/10, floor))
}

func (c *Controller) pressureForReason(reason string) float64 {
	s := c.Status().Snapshot
	cfg := c.cfg
	switch reason {
	case "coordinate_inflight_soft", "coordinate_inflight_hard":
		return ratio(float64(s.inflight(KindCoordinate)), float64(cfg.CoordinateSoftLimit), float64(cfg.CoordinateHardLimit))
	case "stage_inflight_soft", "stage_inflight_hard":
		return ratio(float64(s.StageInflight), float64(cfg.StageSoftLimit), float64(cfg.StageHardLimit))
	case "memory_soft", "memory_hard":
		if cfg.MemorySoftLimitPercent > 0 || cfg.MemoryHardLimitPercent > 0 {
			return ratio(s.SystemMemoryUsedPercent, cfg.MemorySoftLimitPercent, cfg.MemoryHardLimitPercent)
		}
		return ratio(float64(s.RSSBytes), float64(cfg.MemorySoftLimitBytes), float64(cfg.MemoryHardLimitBytes))
	case "cpu_soft", "cpu_hard":
		return ratio(s.SystemCPUPercent, cfg.CPUPercentSoftLimit, cfg.CPUPercentHardLimit)
	case "load_soft", "load_hard":
		return ratio(s.Load1Multiplier, cfg.LoadSoftLimitMultiplier, cfg.LoadHardLimitMultiplier)
	default:
		return 1
	}
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func percentRecoveryTarget(limit float64) float64 {
	return math.Max(0, limit-10)
}

func multiplierRecoveryTarget(limit float64) float64 {
	if limit <= 1 {
		return 1
	}
	return math.Max(1, limit*0.5)
}

func ratio(value, soft, hard float64) float64 {
	if soft <= 0 && hard <= 0 {
		return 1
	}
	if soft <= 0 {
		soft = hard / 2
	}
	if hard <= soft {
		hard = soft * 2
	}
	if value <= soft {
		return 0
	}
	return math.Max(0, math.Min(1, (value-soft)/(hard-soft)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
