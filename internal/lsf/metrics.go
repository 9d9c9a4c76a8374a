package lsf

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/qrf"
)

func registerMetrics(logger pslog.Logger, o *Observer) {
	meter := otel.Meter("pkt.systems/tpcd/lsf")
	gauge, err := meter.Int64ObservableGauge("tpcd.lsf.inflight", metric.WithDescription("Admitted requests in flight"))
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "tpcd.lsf.inflight", "error", err)
		return
	}
	kinds := []qrf.Kind{qrf.KindCoordinate, qrf.KindStage}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for _, kind := range kinds {
			obs.ObserveInt64(gauge, o.Inflight(kind), metric.WithAttributes(attribute.String("tpcd.lsf.kind", kind.String())))
		}
		return nil
	}, gauge); err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "tpcd.lsf.inflight", "error", err)
	}
}
