package qrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func newTestController(cfg Config) *Controller {
	cfg.Enabled = true
	cfg.Logger = pslog.NoopLogger()
	if cfg.CoordinateSoftLimit == 0 {
		cfg.CoordinateSoftLimit = 10
		cfg.CoordinateHardLimit = 20
	}
	return NewController(cfg)
}

func TestControllerEngageAndRecover(t *testing.T) {
	ctrl := newTestController(Config{RecoverySamples: 2})
	steps := []struct {
		inflight int64
		want     State
	}{
		{20, StateEngaged},
		{4, StateEngaged},
		{3, StateRecovery},
		{2, StateRecovery},
		{1, StateDisengaged},
	}
	for i, step := range steps {
		ctrl.Observe(Snapshot{CoordinateInflight: step.inflight, CollectedAt: time.Now()})
		if got := ctrl.State(); got != step.want {
			t.Fatalf("step %d (inflight %d): expected %s, got %s", i, step.inflight, step.want, got)
		}
	}
}

func TestControllerSoftLimitStaysEngaged(t *testing.T) {
	ctrl := newTestController(Config{RecoverySamples: 1})
	ctrl.Observe(Snapshot{CoordinateInflight: 25})
	ctrl.Observe(Snapshot{CoordinateInflight: 12})
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("soft breach must not relax an engaged controller, got %s", got)
	}
}

func TestActiveCoordinatorsCountTowardCoordinateLimit(t *testing.T) {
	ctrl := newTestController(Config{})
	ctrl.Observe(Snapshot{CoordinateInflight: 1, ActiveCoordinators: 15})
	if got := ctrl.State(); got != StateSoftArm {
		t.Fatalf("expected soft arm from live coordinators, got %s", got)
	}
	if status := ctrl.Status(); status.Reason != "coordinate_inflight_soft" {
		t.Fatalf("unexpected reason %q", status.Reason)
	}
}

func TestDecidePacesOnlyTheBreachingKind(t *testing.T) {
	ctrl := newTestController(Config{SoftDelay: 40 * time.Millisecond})
	ctrl.Observe(Snapshot{CoordinateInflight: 12})
	d := ctrl.Decide(KindCoordinate)
	if !d.Throttle || d.Reason != "coordinate_inflight_soft" || d.Delay != 40*time.Millisecond || d.State != StateSoftArm {
		t.Fatalf("unexpected coordinate decision %+v", d)
	}
	if d := ctrl.Decide(KindStage); d.Throttle {
		t.Fatalf("stage must not be paced, got %+v", d)
	}
}

func TestHostPressurePacesEveryKind(t *testing.T) {
	ctrl := newTestController(Config{MemorySoftLimitPercent: 75, MemoryHardLimitPercent: 90})
	ctrl.Observe(Snapshot{SystemMemoryUsedPercent: 80})
	if got := ctrl.State(); got != StateSoftArm {
		t.Fatalf("expected soft arm, got %s", got)
	}
	for _, kind := range []Kind{KindCoordinate, KindStage} {
		if d := ctrl.Decide(kind); !d.Throttle || d.Reason != "memory_soft" {
			t.Fatalf("expected %s to be paced for memory, got %+v", kind, d)
		}
	}
	ctrl.Observe(Snapshot{SystemMemoryUsedPercent: 95})
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("expected engaged, got %s", got)
	}
}

func TestWaitRefusesBeyondMaxWait(t *testing.T) {
	ctrl := newTestController(Config{EngagedDelay: 200 * time.Millisecond, MaxWait: 10 * time.Millisecond})
	ctrl.Observe(Snapshot{CoordinateInflight: 20})
	start := time.Now()
	err := ctrl.Wait(context.Background(), KindCoordinate)
	var waitErr *WaitError
	if !errors.As(err, &waitErr) {
		t.Fatalf("expected WaitError, got %v", err)
	}
	if waitErr.Delay != 200*time.Millisecond || waitErr.Reason != "coordinate_inflight_hard" {
		t.Fatalf("unexpected wait error %+v", waitErr)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("waited %s, longer than max wait allows", elapsed)
	}
}

func TestWaitPacesWithinMaxWait(t *testing.T) {
	ctrl := newTestController(Config{SoftDelay: 20 * time.Millisecond, MaxWait: time.Second})
	ctrl.Observe(Snapshot{CoordinateInflight: 12})
	if err := ctrl.Wait(context.Background(), KindCoordinate); err != nil {
		t.Fatalf("expected paced admission, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ctrl := newTestController(Config{EngagedDelay: time.Second, MaxWait: time.Second})
	ctrl.Observe(Snapshot{CoordinateInflight: 20})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ctrl.Wait(ctx, KindCoordinate); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDisabledControllerNeverPaces(t *testing.T) {
	ctrl := NewController(Config{CoordinateSoftLimit: 1, CoordinateHardLimit: 2})
	ctrl.Observe(Snapshot{CoordinateInflight: 100})
	if got := ctrl.State(); got != StateDisengaged {
		t.Fatalf("expected disengaged, got %s", got)
	}
	if err := ctrl.Wait(context.Background(), KindCoordinate); err != nil {
		t.Fatalf("disabled controller paced: %v", err)
	}
	var nilCtrl *Controller
	if nilCtrl.Enabled() {
		t.Fatal("nil controller reports enabled")
	}
}

func TestRatio(t *testing.T) {
	cases := []struct {
		value, soft, hard, want float64
	}{
		{5, 10, 20, 0},
		{15, 10, 20, 0.5},
		{30, 10, 20, 1},
		{1, 0, 0, 1},
	}
	for _, tc := range cases {
		if got := ratio(tc.value, tc.soft, tc.hard); got != tc.want {
			t.Fatalf("ratio(%v,%v,%v) = %v, want %v", tc.value, tc.soft, tc.hard, got, tc.want)
		}
	}
}
