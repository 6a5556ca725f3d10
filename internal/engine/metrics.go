package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	purchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stars_purchases_total",
			Help: "Purchase attempts by result (sent, username, seller).",
		},
		[]string{"result"},
	)

	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stars_refunds_total",
			Help: "Refund attempts by trigger (auto, manual) and result (ok, error).",
		},
		[]string{"trigger", "result"},
	)

	promptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stars_prompts_total",
			Help: "Buyer-facing messages by template key.",
		},
		[]string{"template"},
	)

	deactivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stars_deactivations_total",
			Help: "Bulk lot deactivations by cause.",
		},
		[]string{"cause"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stars_queued_orders",
			Help: "Orders currently held in chat queues.",
		},
	)
)

func init() {
	prometheus.MustRegister(purchasesTotal, refundsTotal, promptsTotal, deactivationsTotal, queueDepth)
}
