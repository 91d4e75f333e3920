package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "stablefi/relay"

// deliveryMetrics counts relay outcomes per destination chain. Undelivered
// messages are refunded by the source bridge.
type deliveryMetrics struct {
	delivered   metric.Int64Counter
	retried     metric.Int64Counter
	undelivered metric.Int64Counter
}

func newDeliveryMetrics(provider metric.MeterProvider) *deliveryMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m, err := buildDeliveryMetrics(meter)
	if err != nil {
		m, _ = buildDeliveryMetrics(noop.NewMeterProvider().Meter(meterName))
	}
	return m
}

func buildDeliveryMetrics(meter metric.Meter) (*deliveryMetrics, error) {
	delivered, err := meter.Int64Counter("stablefi.relay.delivered",
		metric.WithDescription("Bridge messages accepted by the peer gateway."))
	if err != nil {
		return nil, err
	}
	retried, err := meter.Int64Counter("stablefi.relay.retried",
		metric.WithDescription("Delivery attempts repeated after a retryable failure."))
	if err != nil {
		return nil, err
	}
	undelivered, err := meter.Int64Counter("stablefi.relay.undelivered",
		metric.WithDescription("Bridge messages given up on and refunded at the source."))
	if err != nil {
		return nil, err
	}
	return &deliveryMetrics{delivered: delivered, retried: retried, undelivered: undelivered}, nil
}

func chainAttr(chain uint64) metric.AddOption {
	return metric.WithAttributes(attribute.Int64("dest_chain", int64(chain)))
}

func (m *deliveryMetrics) recordDelivered(ctx context.Context, chain uint64) {
	m.delivered.Add(ctx, 1, chainAttr(chain))
}

func (m *deliveryMetrics) recordRetry(ctx context.Context, chain uint64) {
	m.retried.Add(ctx, 1, chainAttr(chain))
}

func (m *deliveryMetrics) recordUndelivered(ctx context.Context, chain uint64) {
	m.undelivered.Add(ctx, 1, chainAttr(chain))
}
