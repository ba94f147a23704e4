package telemetry

import "github.com/prometheus/client_golang/prometheus"

const meshNamespace string = "meshvoice"

var (
	promSessionState   *prometheus.GaugeVec
	promPeersConnected prometheus.Gauge
	promJoinsTotal     *prometheus.CounterVec
	promRetriesTotal   prometheus.Counter
	promSignalsTotal   *prometheus.CounterVec
	promTalkers        prometheus.Gauge
)

var sessionStates = []string{"OFFLINE", "STARTING", "CONNECTED"}

func init() {
	promSessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: meshNamespace,
		Subsystem: "session",
		Name:      "state",
		Help:      "1 for the current session state, 0 otherwise.",
	}, []string{"state"})

	promPeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: meshNamespace,
		Subsystem: "mesh",
		Name:      "peers_connected",
	})

	promJoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: meshNamespace,
		Subsystem: "session",
		Name:      "joins_total",
	}, []string{"result", "error_code"})

	promRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: meshNamespace,
		Subsystem: "session",
		Name:      "retries_total",
	})

	promSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: meshNamespace,
		Subsystem: "signal",
		Name:      "messages_total",
	}, []string{"direction", "type", "status"})

	promTalkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: meshNamespace,
		Subsystem: "activity",
		Name:      "talkers",
	})

	prometheus.MustRegister(promSessionState)
	prometheus.MustRegister(promPeersConnected)
	prometheus.MustRegister(promJoinsTotal)
	prometheus.MustRegister(promRetriesTotal)
	prometheus.MustRegister(promSignalsTotal)
	prometheus.MustRegister(promTalkers)
}

func SessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		promSessionState.WithLabelValues(s).Set(v)
	}
}

func JoinSucceeded() {
	promJoinsTotal.WithLabelValues("ok", "").Inc()
}

func JoinFailed(code string) {
	promJoinsTotal.WithLabelValues("error", code).Inc()
}

func RetryScheduled() {
	promRetriesTotal.Inc()
}

func PeersConnected(n int) {
	promPeersConnected.Set(float64(n))
}

func SignalSent(msgType string) {
	promSignalsTotal.WithLabelValues("out", msgType, "ok").Inc()
}

func SignalReceived(msgType string) {
	promSignalsTotal.WithLabelValues("in", msgType, "ok").Inc()
}

// SignalDropped counts malformed or out-of-order messages.
func SignalDropped(direction, msgType string) {
	promSignalsTotal.WithLabelValues(direction, msgType, "dropped").Inc()
}

func Talkers(n int) {
	promTalkers.Set(float64(n))
}
