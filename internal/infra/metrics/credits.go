package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		creditsGrantedTotal,
		creditsSpentTotal,
		creditsExpiredTotal,
		insufficientCreditsTotal,
	)
}

var (
	creditsGrantedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Credits granted to users by grant type.",
		},
		[]string{"credits_type"},
	)

	creditsSpentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_spent_total",
			Help: "Credits deducted from user balances.",
		},
	)

	creditsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_expired_total",
			Help: "Credits written off by the expiry auditor.",
		},
	)

	insufficientCreditsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_insufficient_total",
			Help: "Spend attempts rejected for insufficient balance.",
		},
	)
)

func AddCreditsGranted(creditsType string, amount int64) {
	creditsGrantedTotal.WithLabelValues(norm(creditsType)).Add(float64(amount))
}

func AddCreditsSpent(amount int64)   { creditsSpentTotal.Add(float64(amount)) }
func AddCreditsExpired(amount int64) { creditsExpiredTotal.Add(float64(amount)) }
func IncInsufficientCredits()        { insufficientCreditsTotal.Inc() }
