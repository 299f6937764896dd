// ABOUTME: Prometheus collectors for billing, settlement, and engine state.
// ABOUTME: Registered on the default registry and served from the operator /metrics endpoint.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts completed billing scheduler ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rookery_billing_ticks_total",
		Help: "Completed billing scheduler ticks.",
	})

	// ChargesTotal counts subscription charge attempts by result.
	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rookery_charges_total",
		Help: "Subscription charge attempts by result.",
	}, []string{"result"})

	// SettlementCallsTotal counts external ledger calls by operation and result.
	SettlementCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rookery_settlement_calls_total",
		Help: "External settlement calls by operation and result.",
	}, []string{"op", "result"})

	// DepositsCreditedTotal counts token units credited from verified deposits.
	DepositsCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rookery_deposits_credited_total",
		Help: "Token units credited from verified external deposits.",
	})

	// WithdrawalsTotal counts withdrawal attempts by result.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rookery_withdrawals_total",
		Help: "Withdrawal attempts by result.",
	}, []string{"result"})

	// TreasuryBalance tracks the current treasury balance.
	TreasuryBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rookery_treasury_balance",
		Help: "Current platform treasury balance in token units.",
	})

	// SubscriptionsByStatus tracks subscription counts per lifecycle status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rookery_subscriptions",
		Help: "Subscriptions by lifecycle status.",
	}, []string{"status"})
)
