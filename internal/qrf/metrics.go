package qrf

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type qrfMetrics struct {
	state       metric.Int64ObservableGauge
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

func newQRFMetrics(logger pslog.Logger, controller *Controller) *qrfMetrics {
	meter := otel.Meter("pkt.systems/tpcd/qrf")
	m := &qrfMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge("tpcd.qrf.state", metric.WithDescription("Current admission posture"))
	logMetricInitError(logger, "tpcd.qrf.state", err)
	m.decisions, err = meter.Int64Counter("tpcd.qrf.decision", metric.WithDescription("Admission decisions"))
	logMetricInitError(logger, "tpcd.qrf.decision", err)
	m.transitions, err = meter.Int64Counter("tpcd.qrf.transition", metric.WithDescription("Admission posture transitions"))
	logMetricInitError(logger, "tpcd.qrf.transition", err)

	if m.state != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(controller.State()))
			return nil
		}, m.state); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "tpcd.qrf.state", "error", err)
		}
	}
	return m
}

func (m *qrfMetrics) recordDecision(ctx context.Context, kind Kind, decision Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tpcd.qrf.kind", kind.String()),
		attribute.String("tpcd.qrf.state", decision.State.String()),
		attribute.Bool("tpcd.qrf.throttle", decision.Throttle),
	))
}

func (m *qrfMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tpcd.qrf.from", from.String()),
		attribute.String("tpcd.qrf.to", to.String()),
		attribute.String("tpcd.qrf.reason", reason),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}
