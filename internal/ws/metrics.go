package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "routerwatch_ws_clients",
		Help: "Connected event stream clients.",
	})
	wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "routerwatch_ws_dropped_messages_total",
		Help: "Event stream messages dropped because a client buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(wsClients, wsDropped)
}
