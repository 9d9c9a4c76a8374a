package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Metrics records coordinator telemetry. A nil *Metrics records nothing.
type Metrics struct {
	coordinateDuration metric.Int64Histogram
	decisions          metric.Int64Counter
	votes              metric.Int64Counter
	recovered          metric.Int64Counter
	rpcRetries         metric.Int64Counter
	heuristic          metric.Int64Counter
}

// NewMetrics registers the coordinator instruments on the global meter
// provider.
func NewMetrics(logger pslog.Logger) *Metrics {
	return newMetrics(otel.Meter("pkt.systems/tpcd/coordinator"), logger)
}

func newMetrics(meter metric.Meter, logger pslog.Logger) *Metrics {
	m := &Metrics{}
	var err error

	m.coordinateDuration, err = meter.Int64Histogram(
		"tpcd.txn.coordinate.duration",
		metric.WithDescription("Time from coordinator start until the decision is durable"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tpcd.txn.coordinate.duration", err)

	m.decisions, err = meter.Int64Counter(
		"tpcd.txn.decisions",
		metric.WithDescription("Durable coordinator decisions"),
	)
	logMetricInitError(logger, "tpcd.txn.decisions", err)

	m.votes, err = meter.Int64Counter(
		"tpcd.txn.prepare.votes",
		metric.WithDescription("Prepare votes received from participants"),
	)
	logMetricInitError(logger, "tpcd.txn.prepare.votes", err)

	m.recovered, err = meter.Int64Counter(
		"tpcd.txn.recovered",
		metric.WithDescription("Coordinators rebuilt from the durable log"),
	)
	logMetricInitError(logger, "tpcd.txn.recovered", err)

	m.rpcRetries, err = meter.Int64Counter(
		"tpcd.participant.rpc.retries",
		metric.WithDescription("Participant RPC attempts retried after a transient failure"),
	)
	logMetricInitError(logger, "tpcd.participant.rpc.retries", err)

	m.heuristic, err = meter.Int64Counter(
		"tpcd.txn.heuristic_outcomes",
		metric.WithDescription("Participants that definitively refused a durable decision"),
	)
	logMetricInitError(logger, "tpcd.txn.heuristic_outcomes", err)

	return m
}

func (m *Metrics) recordCoordinate(ctx context.Context, decision string, duration time.Duration) {
	if m == nil || m.coordinateDuration == nil {
		return
	}
	m.coordinateDuration.Record(metricContext(ctx), duration.Milliseconds(),
		metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) recordDecision(ctx context.Context, decision string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) recordVote(ctx context.Context, vote string) {
	if m == nil || m.votes == nil {
		return
	}
	m.votes.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("vote", vote)))
}

func (m *Metrics) recordRecovered(ctx context.Context, stage string) {
	if m == nil || m.recovered == nil {
		return
	}
	m.recovered.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) recordHeuristic(ctx context.Context, decision, code string) {
	if m == nil || m.heuristic == nil {
		return
	}
	m.heuristic.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("code", code),
	))
}

// RecordRPCRetry counts one retried participant RPC. It matches the
// participant client's OnRetry hook.
func (m *Metrics) RecordRPCRetry(op string) {
	if m == nil || m.rpcRetries == nil {
		return
	}
	m.rpcRetries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
