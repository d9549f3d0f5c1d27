package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aex",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total execution requests by route and status.",
	}, []string{"route", "status", "stream"})
)

func init() {
	prometheus.MustRegister(gatewayRequests)
}

func observeRequest(route string, status int, stream bool) {
	gatewayRequests.WithLabelValues(route, strconv.Itoa(status), strconv.FormatBool(stream)).Inc()
}
