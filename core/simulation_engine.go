package core

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

const tracerName = "github.com/manolodd/opensimmpls-sub003/core"

// SimulationEngine runs a topology: it funnels every element's events into
// one stream feeding the registered handlers, drives the clock until its
// limit or until cancelled, and summarises the run.
type SimulationEngine struct {
	Topology *Topology

	handlers     []events.Handler
	streamBuffer int
	log          logging.Logger
}

// EngineOption customises a SimulationEngine.
type EngineOption func(*SimulationEngine)

// WithHandlers adds event handlers, called in order for every event.
func WithHandlers(h ...events.Handler) EngineOption {
	return func(se *SimulationEngine) { se.handlers = append(se.handlers, h...) }
}

// WithStreamBuffer sets the event stream capacity.
func WithStreamBuffer(n int) EngineOption {
	return func(se *SimulationEngine) { se.streamBuffer = n }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l logging.Logger) EngineOption {
	return func(se *SimulationEngine) {
		if l != nil {
			se.log = l
		}
	}
}

func NewSimulationEngine(topo *Topology, opts ...EngineOption) *SimulationEngine {
	se := &SimulationEngine{
		Topology: topo,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(se)
	}
	return se
}

// RegisterTickListener calls fn after every tic has been dispatched.
func (se *SimulationEngine) RegisterTickListener(fn func(timectrl.Tick)) {
	se.Topology.Clock().OnTick(fn)
}

// NodeSummary is the final state of one node.
type NodeSummary struct {
	ID    int       `json:"id" yaml:"id"`
	Name  string    `json:"name" yaml:"name"`
	Kind  string    `json:"kind" yaml:"kind"`
	Stats NodeStats `json:"stats" yaml:"stats"`
}

// RunSummary describes a finished run.
type RunSummary struct {
	Ticks         uint64        `json:"ticks" yaml:"ticks"`
	SimulatedNs   uint64        `json:"simulated_ns" yaml:"simulated_ns"`
	Events        uint64        `json:"events" yaml:"events"`
	DroppedEvents uint64        `json:"dropped_events" yaml:"dropped_events"`
	Wall          time.Duration `json:"wall" yaml:"wall"`
	Nodes         []NodeSummary `json:"nodes" yaml:"nodes"`
}

// Run subscribes the stream to every element, runs the clock and waits for
// every event to reach the handlers. It fails only if an element already
// has another collector attached.
func (se *SimulationEngine) Run(ctx context.Context) (RunSummary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "simulation.run")
	defer span.End()

	topo := se.Topology
	clock := topo.Clock()
	started := time.Now()
	startNs := clock.Now()

	var count atomic.Uint64
	handlers := append([]events.Handler{events.HandlerFunc(func(events.Event) { count.Add(1) })}, se.handlers...)
	stream := events.NewStream(se.streamBuffer, handlers...)
	if err := topo.Subscribe(stream); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunSummary{}, err
	}
	defer topo.Unsubscribe()
	go stream.Run(context.Background())

	se.log.Info(ctx, "simulation started",
		logging.Int("nodes", topo.NodeCount()),
		logging.Uint64("tick_ns", clock.TickDuration()),
		logging.Uint64("limit_ns", clock.Limit()),
	)

	<-clock.Start(ctx)
	clock.Wait()
	stream.Close()
	<-stream.Done()

	summary := RunSummary{
		SimulatedNs:   clock.Now() - startNs,
		Events:        count.Load(),
		DroppedEvents: topo.DroppedEvents(),
		Wall:          time.Since(started),
	}
	if tick := clock.TickDuration(); tick > 0 {
		summary.Ticks = summary.SimulatedNs / tick
	}
	for _, n := range topo.Nodes() {
		summary.Nodes = append(summary.Nodes, NodeSummary{
			ID:    n.ID(),
			Name:  n.Name(),
			Kind:  n.Kind().String(),
			Stats: n.Stats(),
		})
	}

	span.SetAttributes(
		attribute.Int64("simulation.ticks", int64(summary.Ticks)),
		attribute.Int64("simulation.events", int64(summary.Events)),
	)
	se.log.Info(ctx, "simulation finished",
		logging.Uint64("ticks", summary.Ticks),
		logging.Uint64("events", summary.Events),
		logging.Uint64("dropped_events", summary.DroppedEvents),
		logging.String("wall", summary.Wall.String()),
	)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
	}
	return summary, nil
}
