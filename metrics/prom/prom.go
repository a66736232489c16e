// Package prom exports memcache client metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/memcache"
)

// Adapter implements memcache.Metrics. All Prometheus metric types are
// goroutine-safe, so one Adapter can serve every client of a process.
type Adapter struct {
	commands *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	retries  *prometheus.CounterVec
	dead     *prometheus.CounterVec
	hits     prometheus.Counter
	misses   prometheus.Counter
}

// New constructs the adapter and registers its collectors.
//   - reg:          registry to register with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		commands: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "command_duration_seconds",
				Help:        "Round-trip time of commands by node and command",
				ConstLabels: constLabels,
				Buckets:     []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
			},
			[]string{"node", "command"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "command_errors_total",
				Help:        "Failed commands by node, command and error kind",
				ConstLabels: constLabels,
			},
			[]string{"node", "command", "kind"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "retries_total",
				Help:        "Writes resent after a transport failure",
				ConstLabels: constLabels,
			},
			[]string{"node", "command"},
		),
		dead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "node_dead_total",
				Help:        "Times a node was marked dead",
				ConstLabels: constLabels,
			},
			[]string{"node"},
		),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Keys found by reads",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Keys missing on reads",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.commands, a.errors, a.retries, a.dead, a.hits, a.misses)
	return a
}

// Command observes one round trip.
func (a *Adapter) Command(node, op string, elapsed time.Duration, err error) {
	a.commands.WithLabelValues(node, op).Observe(elapsed.Seconds())
	if err != nil {
		a.errors.WithLabelValues(node, op, kind(err)).Inc()
	}
}

func (a *Adapter) Retry(node, op string) { a.retries.WithLabelValues(node, op).Inc() }

func (a *Adapter) NodeDead(node string) { a.dead.WithLabelValues(node).Inc() }

// Lookup adds the outcome of one read.
func (a *Adapter) Lookup(hits, misses int) {
	if hits > 0 {
		a.hits.Add(float64(hits))
	}
	if misses > 0 {
		a.misses.Add(float64(misses))
	}
}

// kind maps an error to a stable label value.
func kind(err error) string {
	switch err.(type) {
	case *memcache.ServerError:
		return "server"
	case *memcache.ClientError:
		return "client"
	case *memcache.ProtocolError:
		return "protocol"
	default:
		return "transport"
	}
}

// Compile-time check: ensure Adapter implements memcache.Metrics.
var _ memcache.Metrics = (*Adapter)(nil)
