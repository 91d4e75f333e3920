package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"stablefi/core/events"
)

func TestEventMetricsCountByModule(t *testing.T) {
	m := newEventMetrics(prometheus.NewRegistry())
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	m.Emit(events.AccountFrozen{})
	m.Emit(events.AccountFrozen{})
	m.Emit(events.BridgeTransfer{Received: true})
	m.Emit(nil)

	if got := testutil.ToFloat64(m.emitted.WithLabelValues("account", events.TypeAccountFrozen)); got != 2 {
		t.Fatalf("account.frozen count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("bridge", events.TypeBridgeReceived)); got != 1 {
		t.Fatalf("bridge.received count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.last.WithLabelValues("bridge")); got != 1_700_000_000 {
		t.Fatalf("last timestamp = %v", got)
	}
}
