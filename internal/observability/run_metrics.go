package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunCollector exposes the progress of disposition checks.
type RunCollector struct {
	gatherer prometheus.Gatherer

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	Dispositions     *prometheus.CounterVec
	Perturbations    *prometheus.CounterVec
	ControlReplies   *prometheus.CounterVec
	Phase            prometheus.Gauge
	DispositionGap   prometheus.Gauge
	TroubleDuration  prometheus.Histogram
	Result           prometheus.Gauge
}

// NewRunCollector registers run metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	reg, gatherer := gathererFor(reg)

	sent, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispocheck_messages_sent_total",
		Help: "Messages sent by the checker.",
	}), "dispocheck_messages_sent_total")
	if err != nil {
		return nil, err
	}
	received, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispocheck_messages_received_total",
		Help: "Messages delivered to the checker's receiver.",
	}), "dispocheck_messages_received_total")
	if err != nil {
		return nil, err
	}
	dispositions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispocheck_dispositions_total",
		Help: "Terminal dispositions of sent messages, labeled by outcome.",
	}, []string{"outcome"}), "dispocheck_dispositions_total")
	if err != nil {
		return nil, err
	}
	perturbations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispocheck_perturbations_total",
		Help: "Connector removals, labeled by stage (issued or confirmed).",
	}, []string{"stage"}), "dispocheck_perturbations_total")
	if err != nil {
		return nil, err
	}
	replies, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispocheck_control_replies_total",
		Help: "Management replies, labeled by node, request kind and status code.",
	}, []string{"node", "kind", "code"}), "dispocheck_control_replies_total")
	if err != nil {
		return nil, err
	}
	phase, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispocheck_phase",
		Help: "Current test phase as its ordinal (0 starting .. 6 bailing).",
	}), "dispocheck_phase")
	if err != nil {
		return nil, err
	}
	gap, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispocheck_disposition_gap",
		Help: "Sent messages still awaiting a terminal disposition.",
	}), "dispocheck_disposition_gap")
	if err != nil {
		return nil, err
	}
	trouble, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispocheck_trouble_duration_seconds",
		Help:    "Length of episodes where the disposition gap stayed at or above the burst size.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 60},
	}), "dispocheck_trouble_duration_seconds")
	if err != nil {
		return nil, err
	}
	result, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispocheck_result",
		Help: "Outcome of the last run: 1 passed, 0 failed, -1 running.",
	}), "dispocheck_result")
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		gatherer:         gatherer,
		MessagesSent:     sent,
		MessagesReceived: received,
		Dispositions:     dispositions,
		Perturbations:    perturbations,
		ControlReplies:   replies,
		Phase:            phase,
		DispositionGap:   gap,
		TroubleDuration:  trouble,
		Result:           result,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RunCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RunCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

func (c *RunCollector) IncSent() {
	if c == nil || c.MessagesSent == nil {
		return
	}
	c.MessagesSent.Inc()
}

func (c *RunCollector) IncReceived() {
	if c == nil || c.MessagesReceived == nil {
		return
	}
	c.MessagesReceived.Inc()
}

// ObserveDisposition counts one terminal outcome.
func (c *RunCollector) ObserveDisposition(outcome string) {
	if c == nil || c.Dispositions == nil {
		return
	}
	c.Dispositions.WithLabelValues(outcome).Inc()
}

// ObservePerturbation counts a removal at stage "issued" or "confirmed".
func (c *RunCollector) ObservePerturbation(stage string) {
	if c == nil || c.Perturbations == nil {
		return
	}
	c.Perturbations.WithLabelValues(stage).Inc()
}

func (c *RunCollector) ObserveControlReply(node, kind, code string) {
	if c == nil || c.ControlReplies == nil {
		return
	}
	c.ControlReplies.WithLabelValues(node, kind, code).Inc()
}

func (c *RunCollector) SetPhase(ordinal int) {
	if c == nil || c.Phase == nil {
		return
	}
	c.Phase.Set(float64(ordinal))
}

func (c *RunCollector) SetGap(gap int) {
	if c == nil || c.DispositionGap == nil {
		return
	}
	c.DispositionGap.Set(float64(gap))
}

// ObserveTrouble records a finished trouble episode.
func (c *RunCollector) ObserveTrouble(d time.Duration) {
	if c == nil || c.TroubleDuration == nil {
		return
	}
	c.TroubleDuration.Observe(d.Seconds())
}

// SetRunning marks a run in progress.
func (c *RunCollector) SetRunning() {
	if c == nil || c.Result == nil {
		return
	}
	c.Result.Set(-1)
}

// SetResult records the final verdict.
func (c *RunCollector) SetResult(passed bool) {
	if c == nil || c.Result == nil {
		return
	}
	if passed {
		c.Result.Set(1)
		return
	}
	c.Result.Set(0)
}
