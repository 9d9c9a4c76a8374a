package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	logger := WithSubsystem(base, "coordinator.txn.")
	logger.Info("txn.coord.started", "txn_id", "abc:1")
	out := buf.String()
	if !strings.Contains(out, `"coordinator.txn"`) {
		t.Fatalf("expected subsystem field, got %q", out)
	}
	if !strings.Contains(out, "txn.coord.started") {
		t.Fatalf("expected message, got %q", out)
	}
}

func TestEnsureLoggerFallsBackToNoop(t *testing.T) {
	if EnsureLogger(nil) != NoopLogger() {
		t.Fatal("expected noop logger for nil input")
	}
	NoopLogger().Info("discarded")
}

func TestFromContextPrefersContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctxLogger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	ctx := pslog.ContextWithLogger(context.Background(), ctxLogger)
	FromContext(ctx, nil).Info("from.ctx")
	if !strings.Contains(buf.String(), "from.ctx") {
		t.Fatalf("expected context logger to receive entry, got %q", buf.String())
	}
}

func TestLevelSwitchAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel})
	sw := NewLevelSwitch(base, pslog.InfoLevel)
	logger := WithSubsystem(sw.Logger(), "server")
	logger.Debug("hidden.debug")
	logger.Info("visible.info")
	sw.SetLevel(pslog.DebugLevel)
	if sw.Level() != pslog.DebugLevel {
		t.Fatalf("unexpected level %v", sw.Level())
	}
	logger.Debug("visible.debug")
	out := buf.String()
	if strings.Contains(out, "hidden.debug") {
		t.Fatalf("debug entry leaked before level change: %q", out)
	}
	if !strings.Contains(out, "visible.info") || !strings.Contains(out, "visible.debug") {
		t.Fatalf("expected entries after level change, got %q", out)
	}
	if !strings.Contains(out, `"server"`) {
		t.Fatalf("expected subsystem to survive the switch, got %q", out)
	}
}
