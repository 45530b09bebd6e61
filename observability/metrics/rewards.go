package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type RewardsMetrics struct {
	currentEpoch       prometheus.Gauge
	epochsFinalized    prometheus.Counter
	rewardsAllocated   *prometheus.GaugeVec
	subsidiesAllocated *prometheus.GaugeVec
	claimsSettled      *prometheus.CounterVec
	sweeps             *prometheus.CounterVec
	webhookFailures    *prometheus.CounterVec
	exportRuns         *prometheus.CounterVec
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mrd_rewards_current_epoch",
				Help: "Identifier of the epoch currently open for voting.",
			}),
			epochsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mrd_rewards_epochs_finalized_total",
				Help: "Count of epochs that reached a terminal status.",
			}),
			rewardsAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "mrd_rewards_allocated",
				Help: "Reward allocation recorded per finalized epoch.",
			}, []string{"epoch"}),
			subsidiesAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "mrd_rewards_subsidies_allocated",
				Help: "Subsidy allocation recorded per finalized epoch.",
			}, []string{"epoch"}),
			claimsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mrd_rewards_claims_settled_total",
				Help: "Count of settled claims by kind.",
			}, []string{"kind"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mrd_rewards_sweeps_total",
				Help: "Count of treasury sweep executions by category.",
			}, []string{"category"}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mrd_rewards_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
			exportRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mrd_rewards_export_runs_total",
				Help: "Count of settlement export runs by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			rewardsRegistry.currentEpoch,
			rewardsRegistry.epochsFinalized,
			rewardsRegistry.rewardsAllocated,
			rewardsRegistry.subsidiesAllocated,
			rewardsRegistry.claimsSettled,
			rewardsRegistry.sweeps,
			rewardsRegistry.webhookFailures,
			rewardsRegistry.exportRuns,
		)
	})
	return rewardsRegistry
}

func (m *RewardsMetrics) SetCurrentEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.currentEpoch.Set(float64(epoch))
}

func (m *RewardsMetrics) ObserveEpochFinalized(epoch uint64, rewards, subsidies float64) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("%d", epoch)
	m.epochsFinalized.Inc()
	m.rewardsAllocated.WithLabelValues(label).Set(rewards)
	m.subsidiesAllocated.WithLabelValues(label).Set(subsidies)
}

func (m *RewardsMetrics) ObserveClaim(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.claimsSettled.WithLabelValues(kind).Inc()
}

func (m *RewardsMetrics) ObserveSweep(category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "unknown"
	}
	m.sweeps.WithLabelValues(category).Inc()
}

func (m *RewardsMetrics) IncWebhookFailure(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

func (m *RewardsMetrics) ObserveExportRun(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.exportRuns.WithLabelValues(outcome).Inc()
}
