package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manolodd/opensimmpls-sub003/core"
	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// SimulationCollector bundles the Prometheus metrics of a simulation run.
// It consumes the event stream as an events.Handler, observes routing
// queries as a core.RoutingObserver and follows the clock through
// ObserveTick.
type SimulationCollector struct {
	gatherer prometheus.Gatherer

	Events          *prometheus.CounterVec
	LinkTransitions *prometheus.CounterVec
	LSPSetups       *prometheus.CounterVec
	NodeCongestion  *prometheus.GaugeVec

	RoutingDuration *prometheus.HistogramVec

	Ticks            prometheus.Counter
	SimulatedSeconds prometheus.Gauge
	DroppedEvents    prometheus.Gauge
	RunWallSeconds   prometheus.Gauge
}

// NewSimulationCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimulationCollector(reg prometheus.Registerer) (*SimulationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	evs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mplssim_events_total",
		Help: "Simulation events, labeled by event kind and emitting element.",
	}, []string{"kind", "element"}), "mplssim_events_total")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mplssim_link_transitions_total",
		Help: "Link state changes, labeled by link and new state.",
	}, []string{"link", "state"}), "mplssim_link_transitions_total")
	if err != nil {
		return nil, err
	}
	lsps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mplssim_lsp_setups_total",
		Help: "LSP setup attempts, labeled by switch, result and whether the LSP is a backup.",
	}, []string{"node", "result", "backup"}), "mplssim_lsp_setups_total")
	if err != nil {
		return nil, err
	}
	congestion, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mplssim_node_congestion_percent",
		Help: "Last reported buffer occupancy of each switch, in percent.",
	}, []string{"node"}), "mplssim_node_congestion_percent")
	if err != nil {
		return nil, err
	}

	routing, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mplssim_routing_query_duration_seconds",
		Help:    "Wall-clock duration of next-hop queries, labeled by routing policy.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"policy"}), "mplssim_routing_query_duration_seconds")
	if err != nil {
		return nil, err
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mplssim_ticks_total",
		Help: "Clock tics dispatched.",
	}), "mplssim_ticks_total")
	if err != nil {
		return nil, err
	}
	simulated, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mplssim_simulated_seconds",
		Help: "Simulated time reached by the clock.",
	}), "mplssim_simulated_seconds")
	if err != nil {
		return nil, err
	}
	dropped, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mplssim_dropped_events",
		Help: "Events skipped because no identifier could be assigned.",
	}), "mplssim_dropped_events")
	if err != nil {
		return nil, err
	}
	wall, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mplssim_run_wall_seconds",
		Help: "Wall-clock duration of the last finished run.",
	}), "mplssim_run_wall_seconds")
	if err != nil {
		return nil, err
	}

	return &SimulationCollector{
		gatherer:         gatherer,
		Events:           evs,
		LinkTransitions:  transitions,
		LSPSetups:        lsps,
		NodeCongestion:   congestion,
		RoutingDuration:  routing,
		Ticks:            ticks,
		SimulatedSeconds: simulated,
		DroppedEvents:    dropped,
		RunWallSeconds:   wall,
	}, nil
}

// Handle records one simulation event.
func (c *SimulationCollector) Handle(ev events.Event) {
	if c == nil {
		return
	}
	element := ev.Source.Name
	if element == "" {
		element = ev.Source.Kind.String() + "-" + strconv.Itoa(ev.Source.ID)
	}
	c.Events.WithLabelValues(ev.Kind.String(), element).Inc()

	switch ev.Kind {
	case events.LinkBroken:
		c.LinkTransitions.WithLabelValues(element, "broken").Inc()
	case events.LinkRecovered:
		c.LinkTransitions.WithLabelValues(element, "recovered").Inc()
	case events.LSPEstablished:
		c.LSPSetups.WithLabelValues(element, "established", strconv.FormatBool(ev.Backup)).Inc()
	case events.LSPNotEstablished:
		c.LSPSetups.WithLabelValues(element, "not_established", strconv.FormatBool(ev.Backup)).Inc()
	case events.NodeCongested:
		c.NodeCongestion.WithLabelValues(element).Set(ev.Congestion)
	}
}

// ObserveRoutingQuery satisfies core.RoutingObserver.
func (c *SimulationCollector) ObserveRoutingQuery(policy string, d time.Duration) {
	if c == nil || c.RoutingDuration == nil {
		return
	}
	c.RoutingDuration.WithLabelValues(policy).Observe(d.Seconds())
}

// ObserveTick follows the clock; register it with the engine's tick hook.
func (c *SimulationCollector) ObserveTick(t timectrl.Tick) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.SimulatedSeconds.Set(float64(t.UpperBound) / 1e9)
}

// ObserveSummary records the totals of a finished run.
func (c *SimulationCollector) ObserveSummary(s core.RunSummary) {
	if c == nil {
		return
	}
	c.DroppedEvents.Set(float64(s.DroppedEvents))
	c.RunWallSeconds.Set(s.Wall.Seconds())
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimulationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimulationCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
