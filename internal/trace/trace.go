// Package trace records what happened during a simulation run for post-run
// analysis: a structured event log written as YAML or JSON, and a pcap
// capture of the packets that reached their receiver.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/manolodd/opensimmpls-sub003/core"
	"github.com/manolodd/opensimmpls-sub003/events"
)

// Name is an entry of the element dictionary saved with a trace.
type Name struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`
}

// Record is one event as saved in a trace file.
type Record struct {
	ID         uint64  `json:"id" yaml:"id"`
	InstantNs  uint64  `json:"instant_ns" yaml:"instant_ns"`
	Kind       string  `json:"kind" yaml:"kind"`
	Element    int     `json:"element" yaml:"element"`
	PacketID   uint64  `json:"packet_id,omitempty" yaml:"packet_id,omitempty"`
	PacketType string  `json:"packet_type,omitempty" yaml:"packet_type,omitempty"`
	Size       int     `json:"size,omitempty" yaml:"size,omitempty"`
	Labels     int     `json:"labels,omitempty" yaml:"labels,omitempty"`
	GoS        int     `json:"gos,omitempty" yaml:"gos,omitempty"`
	Port       int     `json:"port,omitempty" yaml:"port,omitempty"`
	Percentage float64 `json:"percentage,omitempty" yaml:"percentage,omitempty"`
	Congestion float64 `json:"congestion,omitempty" yaml:"congestion,omitempty"`
	LinkID     int     `json:"link_id,omitempty" yaml:"link_id,omitempty"`
	Backup     bool    `json:"backup,omitempty" yaml:"backup,omitempty"`
}

// Manager gathers the events of one experiment. It is an events.Handler.
// On-fly progress events are frequent and are left out unless asked for.
type Manager struct {
	mu sync.Mutex

	Experiment string           `json:"experiment" yaml:"experiment"`
	Names      map[int]Name     `json:"names" yaml:"names"`
	Records    []Record         `json:"records" yaml:"records"`
	Summary    *core.RunSummary `json:"summary,omitempty" yaml:"summary,omitempty"`

	withOnFly bool
}

// NewManager creates an empty trace for the named experiment.
func NewManager(experiment string, withOnFly bool) *Manager {
	return &Manager{
		Experiment: experiment,
		Names:      make(map[int]Name),
		withOnFly:  withOnFly,
	}
}

// AddName adds an element to the id -> (name, kind) dictionary.
func (m *Manager) AddName(id int, name, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, present := m.Names[id]; present {
		return fmt.Errorf("trace: duplicated element id %d", id)
	}
	m.Names[id] = Name{Name: name, Kind: kind}
	return nil
}

// AddTopology names every node and link of topo.
func (m *Manager) AddTopology(topo *core.Topology) error {
	for _, n := range topo.Nodes() {
		if err := m.AddName(n.ID(), n.Name(), n.Kind().String()); err != nil {
			return err
		}
	}
	for _, l := range topo.Links() {
		if err := m.AddName(l.ID(), l.Name(), l.Kind().String()+"-link"); err != nil {
			return err
		}
	}
	return nil
}

// Handle appends ev to the trace.
func (m *Manager) Handle(ev events.Event) {
	if ev.Kind == events.PacketOnFly && !m.withOnFly {
		return
	}
	r := Record{
		ID:         ev.ID,
		InstantNs:  ev.Instant,
		Kind:       ev.Kind.String(),
		Element:    ev.Source.ID,
		Port:       ev.Port,
		Percentage: ev.Percentage,
		Congestion: ev.Congestion,
		LinkID:     ev.LinkID,
		Backup:     ev.Backup,
	}
	if p := ev.Packet; p.ID != 0 || p.Payload != 0 {
		r.PacketID = p.ID
		r.PacketType = p.Type.String()
		r.Size = p.Size()
		r.Labels = p.Labels
		r.GoS = int(p.GoS)
	}
	m.mu.Lock()
	m.Records = append(m.Records, r)
	m.mu.Unlock()
}

// SetSummary attaches the run summary saved with the trace.
func (m *Manager) SetSummary(s core.RunSummary) {
	m.mu.Lock()
	m.Summary = &s
	m.mu.Unlock()
}

// Len returns the number of records gathered.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Records)
}

// Format is a trace file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath selects the encoding from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("trace: cannot tell format of %q; use .yaml, .yml or .json", path)
}

// Write serialises the trace to w.
func (m *Manager) Write(w io.Writer, format Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(m)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("trace: unknown format %q", format)
}

// WriteToFile stores the trace in path; serialization to JSON or YAML is
// selected by the extension.
func (m *Manager) WriteToFile(path string) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if err := m.Write(f, format); err != nil {
		f.Close()
		return fmt.Errorf("trace: write %s: %w", path, err)
	}
	return f.Close()
}
