package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		paymentsTotal,
		paymentsRevenueTotal,
		checkoutSessionsTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payment records created from webhooks by type and status.",
		},
		[]string{"type", "status"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_revenue_total",
			Help: "The total monetary value of successful payments, labeled by currency.",
		},
		[]string{"currency"},
	)

	// result: ok|error
	checkoutSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_checkout_sessions_total",
			Help: "Checkout sessions created at the provider by result.",
		},
		[]string{"provider", "result"},
	)
)

func IncPayment(paymentType, status string) {
	paymentsTotal.WithLabelValues(norm(paymentType), norm(status)).Inc()
}

func AddPaymentRevenue(currency string, amount int64) {
	paymentsRevenueTotal.WithLabelValues(norm(currency)).Add(float64(amount))
}

func IncCheckoutSession(provider, result string) {
	checkoutSessionsTotal.WithLabelValues(norm(provider), norm(result)).Inc()
}
