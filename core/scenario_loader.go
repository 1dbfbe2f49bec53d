package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// ErrInvalidScenario wraps every structural or validation failure found
// while loading a scenario.
var ErrInvalidScenario = errors.New("invalid scenario")

// Format is the encoding of a scenario document.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatFromPath picks the format from the file extension; anything other
// than .json is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// SimulationSettings are the run parameters stored with a scenario.
type SimulationSettings struct {
	TickNs     uint64
	DurationNs uint64
	Mode       timectrl.Mode
	RABAN      bool
	Lockstep   bool
}

// Scenario is a loaded, validated topology with its run parameters.
type Scenario struct {
	Title       string
	Author      string
	Description string
	Simulation  SimulationSettings
	Topology    *Topology
}

// internal document shapes, shared by the YAML and JSON encodings.
type scenarioDoc struct {
	Title       string        `yaml:"title" json:"title"`
	Author      string        `yaml:"author" json:"author"`
	Description string        `yaml:"description" json:"description"`
	Simulation  simulationDoc `yaml:"simulation" json:"simulation"`
	Nodes       []nodeDoc     `yaml:"nodes" json:"nodes"`
	Links       []linkDoc     `yaml:"links" json:"links"`
}

type simulationDoc struct {
	TickNs     uint64 `yaml:"tick_ns" json:"tick_ns"`
	DurationNs uint64 `yaml:"duration_ns" json:"duration_ns"`
	Mode       string `yaml:"mode" json:"mode"`
	RABAN      bool   `yaml:"raban" json:"raban"`
	Lockstep   bool   `yaml:"lockstep" json:"lockstep"`
}

type nodeDoc struct {
	ID       int            `yaml:"id" json:"id"`
	Kind     string         `yaml:"kind" json:"kind"`
	Name     string         `yaml:"name" json:"name"`
	Address  string         `yaml:"address" json:"address"`
	Position model.Position `yaml:"position" json:"position"`
	Ports    int            `yaml:"ports" json:"ports"`

	Destination     string `yaml:"destination" json:"destination"`
	RateMbps        int    `yaml:"rate_mbps" json:"rate_mbps"`
	ConstantPayload bool   `yaml:"constant_payload" json:"constant_payload"`
	PayloadOctets   int    `yaml:"payload_octets" json:"payload_octets"`
	GoS             int    `yaml:"gos" json:"gos"`
	BackupLSP       bool   `yaml:"backup_lsp" json:"backup_lsp"`

	SwitchingMbps int `yaml:"switching_mbps" json:"switching_mbps"`
	BufferMB      int `yaml:"buffer_mb" json:"buffer_mb"`
}

type linkDoc struct {
	ID       int    `yaml:"id" json:"id"`
	Kind     string `yaml:"kind" json:"kind"`
	Name     string `yaml:"name" json:"name"`
	End1     string `yaml:"end1" json:"end1"` // node name
	End1Port int    `yaml:"end1_port" json:"end1_port"`
	End2     string `yaml:"end2" json:"end2"` // node name
	End2Port int    `yaml:"end2_port" json:"end2_port"`
	DelayNs  uint64 `yaml:"delay_ns" json:"delay_ns"`
}

// LoaderOption customises scenario loading.
type LoaderOption func(*loaderConfig)

type loaderConfig struct {
	log      logging.Logger
	lockstep bool
	topoOpts []TopologyOption
}

// WithLoaderLogger sets the logger handed to the clock and topology.
func WithLoaderLogger(l logging.Logger) LoaderOption {
	return func(c *loaderConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithLoaderLockstep forces a lock-step clock regardless of the document.
func WithLoaderLockstep(on bool) LoaderOption {
	return func(c *loaderConfig) { c.lockstep = c.lockstep || on }
}

// WithLoaderTopologyOptions passes extra options to the topology.
func WithLoaderTopologyOptions(opts ...TopologyOption) LoaderOption {
	return func(c *loaderConfig) { c.topoOpts = append(c.topoOpts, opts...) }
}

// LoadScenarioFile opens path and loads it in the format its extension
// names.
func LoadScenarioFile(ctx context.Context, path string, opts ...LoaderOption) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScenarioFile: %w", err)
	}
	defer f.Close()
	return LoadScenario(ctx, f, FormatFromPath(path), opts...)
}

// LoadScenario decodes a scenario document, builds its topology and
// validates every node and link. Links name their end nodes by node name.
func LoadScenario(ctx context.Context, r io.Reader, format Format, opts ...LoaderOption) (*Scenario, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "scenario.load")
	defer span.End()

	cfg := loaderConfig{log: logging.Noop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var doc scenarioDoc
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode failed: %w", ErrInvalidScenario, err)
		}
	default:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode failed: %w", ErrInvalidScenario, err)
		}
	}

	mode, err := timectrl.ParseMode(doc.Simulation.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	settings := SimulationSettings{
		TickNs:     doc.Simulation.TickNs,
		DurationNs: doc.Simulation.DurationNs,
		Mode:       mode,
		RABAN:      doc.Simulation.RABAN,
		Lockstep:   doc.Simulation.Lockstep || cfg.lockstep,
	}
	if settings.TickNs == 0 {
		settings.TickNs = timectrl.DefaultTick
	}

	clock := timectrl.New(settings.TickNs,
		timectrl.WithMode(settings.Mode),
		timectrl.WithLimit(settings.DurationNs),
		timectrl.WithLockstep(settings.Lockstep),
		timectrl.WithLogger(cfg.log),
	)
	topo := NewTopology(clock, cfg.log, append(cfg.topoOpts, WithRABAN(settings.RABAN))...)

	// 1) Nodes. Senders are validated once every receiver exists.
	for _, nd := range doc.Nodes {
		kind, err := model.ParseNodeKind(nd.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: node %q: %w", ErrInvalidScenario, nd.Name, err)
		}
		if _, err := topo.CreateNode(nodeConfigFromDoc(nd, kind)); err != nil {
			return nil, fmt.Errorf("%w: node %q: %w", ErrInvalidScenario, nd.Name, err)
		}
	}
	for _, n := range topo.Nodes() {
		if code := n.Validate(topo, true); !code.OK() {
			return nil, fmt.Errorf("%w: node %q: %w", ErrInvalidScenario, n.Name(), code)
		}
	}

	// 2) Links
	for _, ld := range doc.Links {
		kind, err := model.ParseLinkKind(ld.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: link %q: %w", ErrInvalidScenario, ld.Name, err)
		}
		end1 := topo.FirstNodeByName(ld.End1)
		if end1 == nil {
			return nil, fmt.Errorf("%w: link %q: %w", ErrInvalidScenario, ld.Name, model.MissingEnd1)
		}
		end2 := topo.FirstNodeByName(ld.End2)
		if end2 == nil {
			return nil, fmt.Errorf("%w: link %q: %w", ErrInvalidScenario, ld.Name, model.MissingEnd2)
		}
		lc := model.LinkConfig{
			ID:       ld.ID,
			Kind:     kind,
			Name:     ld.Name,
			End1:     end1.ID(),
			End1Port: ld.End1Port,
			End2:     end2.ID(),
			End2Port: ld.End2Port,
			DelayNs:  ld.DelayNs,
		}
		if code := topo.ValidateLink(lc, false); !code.OK() {
			return nil, fmt.Errorf("%w: link %q: %w", ErrInvalidScenario, ld.Name, code)
		}
		if _, err := topo.CreateLink(lc); err != nil {
			return nil, fmt.Errorf("%w: link %q: %w", ErrInvalidScenario, ld.Name, err)
		}
	}

	span.SetAttributes(
		attribute.String("scenario.title", doc.Title),
		attribute.Int("scenario.nodes", len(doc.Nodes)),
		attribute.Int("scenario.links", len(doc.Links)),
	)
	cfg.log.Info(ctx, "scenario loaded",
		logging.String("title", doc.Title),
		logging.Int("nodes", len(doc.Nodes)),
		logging.Int("links", len(doc.Links)),
		logging.Bool("raban", settings.RABAN),
	)

	return &Scenario{
		Title:       doc.Title,
		Author:      doc.Author,
		Description: doc.Description,
		Simulation:  settings,
		Topology:    topo,
	}, nil
}

func nodeConfigFromDoc(nd nodeDoc, kind model.NodeKind) model.NodeConfig {
	return model.NodeConfig{
		ID:              nd.ID,
		Kind:            kind,
		Name:            nd.Name,
		Address:         nd.Address,
		Position:        nd.Position,
		Ports:           nd.Ports,
		Destination:     nd.Destination,
		RateMbps:        nd.RateMbps,
		ConstantPayload: nd.ConstantPayload,
		PayloadOctets:   nd.PayloadOctets,
		GoS:             model.GoSLevel(nd.GoS),
		BackupLSP:       nd.BackupLSP,
		SwitchingMbps:   nd.SwitchingMbps,
		BufferMB:        nd.BufferMB,
	}
}
