package observability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stablefi/native/common"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	collateralOnce     sync.Once
	collateralRegistry *CollateralMetrics

	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics

	recoveryOnce     sync.Once
	recoveryRegistry *RecoveryMetrics

	bridgeOnce     sync.Once
	bridgeRegistry *BridgeMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record gateway
// request activity per module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablefi",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// outcomeOf maps an operation error to a stable label value.
func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	var kinded common.Kinded
	if errors.As(err, &kinded) {
		return strings.ToLower(kinded.Kind().String())
	}
	return "error"
}

// CollateralMetrics captures engine activity.
type CollateralMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations *prometheus.CounterVec
	supply       prometheus.Gauge
}

// Collateral returns the singleton registry for the collateral engine.
func Collateral() *CollateralMetrics {
	collateralOnce.Do(func() {
		collateralRegistry = &CollateralMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "collateral",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablefi",
				Subsystem: "collateral",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "collateral",
				Name:      "liquidations_total",
				Help:      "Count of liquidations segmented by asset and whether the bonus fell short.",
			}, []string{"asset", "shortfall"}),
			supply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stablefi",
				Subsystem: "collateral",
				Name:      "stable_supply",
				Help:      "Outstanding stable supply in whole tokens.",
			}),
		}
		prometheus.MustRegister(
			collateralRegistry.operations,
			collateralRegistry.latency,
			collateralRegistry.liquidations,
			collateralRegistry.supply,
		)
	})
	return collateralRegistry
}

// Observe records the execution metrics for an engine operation.
func (m *CollateralMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op, outcomeOf(err)).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordLiquidation increments the liquidation counter.
func (m *CollateralMetrics) RecordLiquidation(asset string, shortfall bool) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(strings.ToUpper(asset), fmt.Sprintf("%t", shortfall)).Inc()
}

// SetSupply records the stable supply expressed in whole tokens.
func (m *CollateralMetrics) SetSupply(tokens float64) {
	if m == nil {
		return
	}
	m.supply.Set(tokens)
}

// VaultMetrics tracks vault automation.
type VaultMetrics struct {
	operations *prometheus.CounterVec
	upkeeps    *prometheus.CounterVec
	topUps     *prometheus.CounterVec
}

// Vault returns the singleton registry for vault accounts.
func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			upkeeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "vault",
				Name:      "upkeeps_total",
				Help:      "Count of upkeep runs segmented by whether work was performed.",
			}, []string{"performed"}),
			topUps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "vault",
				Name:      "top_ups_total",
				Help:      "Count of automatic top-ups segmented by completeness.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(vaultRegistry.operations, vaultRegistry.upkeeps, vaultRegistry.topUps)
	})
	return vaultRegistry
}

// Observe records a vault operation outcome.
func (m *VaultMetrics) Observe(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcomeOf(err)).Inc()
}

// RecordUpkeep records one upkeep pass.
func (m *VaultMetrics) RecordUpkeep(performed bool) {
	if m == nil {
		return
	}
	m.upkeeps.WithLabelValues(fmt.Sprintf("%t", performed)).Inc()
}

// RecordTopUp records an automatic top-up. Partial top-ups could not restore
// the target ratio.
func (m *VaultMetrics) RecordTopUp(partial bool) {
	if m == nil {
		return
	}
	result := "full"
	if partial {
		result = "partial"
	}
	m.topUps.WithLabelValues(result).Inc()
}

// RecoveryMetrics counts recovery state transitions.
type RecoveryMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

// Recovery returns the singleton registry for social recovery.
func Recovery() *RecoveryMetrics {
	recoveryOnce.Do(func() {
		recoveryRegistry = &RecoveryMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "recovery",
				Name:      "transitions_total",
				Help:      "Count of recovery state transitions segmented by target state.",
			}, []string{"state"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "recovery",
				Name:      "rejections_total",
				Help:      "Count of rejected recovery calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
		}
		prometheus.MustRegister(recoveryRegistry.transitions, recoveryRegistry.rejections)
	})
	return recoveryRegistry
}

// RecordTransition increments the counter for the new state.
func (m *RecoveryMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordRejection counts a failed recovery call.
func (m *RecoveryMetrics) RecordRejection(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.rejections.WithLabelValues(operation, outcomeOf(err)).Inc()
}

// BridgeMetrics tracks cross-network transfers.
type BridgeMetrics struct {
	messages *prometheus.CounterVec
}

// Bridge returns the singleton registry for the bridge module.
func Bridge() *BridgeMetrics {
	bridgeOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablefi",
				Subsystem: "bridge",
				Name:      "messages_total",
				Help:      "Count of bridge messages segmented by direction and outcome.",
			}, []string{"direction", "outcome"}),
		}
		prometheus.MustRegister(bridgeRegistry.messages)
	})
	return bridgeRegistry
}

// Observe records a bridge message outcome.
func (m *BridgeMetrics) Observe(direction string, err error) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, outcomeOf(err)).Inc()
}
