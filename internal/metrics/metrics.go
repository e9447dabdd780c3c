// Package metrics exposes the bridge's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richardliu001/ledger-bridge/internal/breaker"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
	"github.com/richardliu001/ledger-bridge/internal/repo"
	"github.com/richardliu001/ledger-bridge/internal/submitter"
)

const namespace = "ledger_bridge"

// Collector owns a private registry and every bridge metric.
type Collector struct {
	registry *prometheus.Registry

	queueDepth      *prometheus.GaugeVec
	commands        *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	breakerChanges  *prometheus.CounterVec
	eventsApplied   *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	deadLetterQueue *prometheus.GaugeVec
	lastBlock       *prometheus.GaugeVec
	lag             *prometheus.GaugeVec
	halted          *prometheus.GaugeVec
}

// New registers every metric on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "command_queue_depth", Help: "Commands per status.",
		}, []string{"status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_processed_total", Help: "Command attempts by identity and outcome.",
		}, []string{"identity", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state", Help: "Circuit breaker state per identity: 0 closed, 1 half-open, 2 open.",
		}, []string{"identity"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_transitions_total", Help: "Circuit breaker transitions.",
		}, []string{"identity", "to"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_applied_total", Help: "Ledger events applied to read models.",
		}, []string{"tenant", "channel", "event"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dead_lettered_total", Help: "Ledger events sent to the dead-letter sink.",
		}, []string{"tenant", "channel", "reason"}),
		deadLetterQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dead_letters_unresolved", Help: "Unresolved dead letters.",
		}, []string{"tenant", "channel", "reason"}),
		lastBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "projection_last_block", Help: "Block of the last projected event.",
		}, []string{"tenant", "projector", "channel"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "projection_lag_seconds", Help: "Age of the last projected event.",
		}, []string{"tenant", "projector", "channel"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "projection_halted", Help: "1 when the channel stopped on a checkpoint anomaly.",
		}, []string{"tenant", "projector", "channel"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.queueDepth, c.commands, c.breakerState, c.breakerChanges,
		c.eventsApplied, c.deadLettered, c.deadLetterQueue,
		c.lastBlock, c.lag, c.halted,
	)
	return c
}

// Registry returns the registry for scraping and tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// CommandProcessed implements submitter.Observer.
func (c *Collector) CommandProcessed(identity string, out submitter.Outcome) {
	c.commands.WithLabelValues(identity, out.String()).Inc()
}

// BreakerChanged is a ledger.WithStateObserver callback.
func (c *Collector) BreakerChanged(identity string, _, to breaker.State) {
	c.breakerState.WithLabelValues(identity).Set(breakerValue(to))
	c.breakerChanges.WithLabelValues(identity, to.String()).Inc()
}

// Applied implements projector.PostCommit.
func (c *Collector) Applied(_ context.Context, rec model.EventRecord, _ projector.Effects) {
	c.eventsApplied.WithLabelValues(rec.TenantID, rec.Channel, rec.EventName).Inc()
}

// DeadLettered implements projector.PostCommit.
func (c *Collector) DeadLettered(_ context.Context, dl model.DeadLetter) {
	c.deadLettered.WithLabelValues(dl.TenantID, dl.Channel, dl.Reason).Inc()
}

// SetQueueDepth replaces the per-status queue gauges.
func (c *Collector) SetQueueDepth(depth map[model.CommandStatus]int64) {
	for status, n := range depth {
		c.queueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetDeadLetters replaces the unresolved dead-letter gauges.
func (c *Collector) SetDeadLetters(counts []repo.DeadLetterCount) {
	c.deadLetterQueue.Reset()
	for _, dc := range counts {
		c.deadLetterQueue.WithLabelValues(dc.TenantID, dc.Channel, dc.Reason).Set(float64(dc.N))
	}
}

// SetBreakers replaces the breaker state gauges.
func (c *Collector) SetBreakers(states map[string]breaker.State) {
	for id, s := range states {
		c.breakerState.WithLabelValues(id).Set(breakerValue(s))
	}
}

// SetProjection records the status of one projector's channels.
func (c *Collector) SetProjection(tenant, name string, channels []projector.ChannelStatus) {
	for _, ch := range channels {
		c.lastBlock.WithLabelValues(tenant, name, ch.Channel).Set(float64(ch.LastBlock))
		c.lag.WithLabelValues(tenant, name, ch.Channel).Set(ch.Lag)
		h := 0.0
		if ch.Halted {
			h = 1
		}
		c.halted.WithLabelValues(tenant, name, ch.Channel).Set(h)
	}
}

func breakerValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
