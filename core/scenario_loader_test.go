package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

const lineScenarioYAML = `
title: line
author: test
simulation:
  tick_ns: 100000
  duration_ns: 5000000
  mode: accelerated
  raban: true
nodes:
  - {kind: sender, name: S, destination: R, rate_mbps: 10, constant_payload: true, payload_octets: 500, gos: 1}
  - {kind: ler, name: LER1}
  - {kind: lsr, name: LSR, switching_mbps: 500, buffer_mb: 2}
  - {kind: ler, name: LER2}
  - {kind: receiver, name: R}
links:
  - {kind: external, name: s-ler1, end1: S, end1_port: 0, end2: LER1, end2_port: 0, delay_ns: 1000}
  - {kind: internal, name: ler1-lsr, end1: LER1, end1_port: 1, end2: LSR, end2_port: 0, delay_ns: 1000}
  - {kind: internal, name: lsr-ler2, end1: LSR, end1_port: 1, end2: LER2, end2_port: 0, delay_ns: 1000}
  - {kind: external, name: ler2-r, end1: LER2, end1_port: 1, end2: R, end2_port: 0, delay_ns: 1000}
`

const pairScenarioJSON = `{
  "title": "pair",
  "simulation": {"tick_ns": 1000000, "duration_ns": 10000000},
  "nodes": [
    {"kind": "sender", "name": "S", "destination": "R", "rate_mbps": 10},
    {"kind": "receiver", "name": "R"}
  ],
  "links": [
    {"kind": "internal", "name": "s-r", "end1": "S", "end2": "R", "delay_ns": 5}
  ]
}`

func TestLoadScenarioYAML(t *testing.T) {
	sc, err := LoadScenario(context.Background(), strings.NewReader(lineScenarioYAML), FormatYAML)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Title != "line" || sc.Author != "test" {
		t.Fatalf("header = %q by %q", sc.Title, sc.Author)
	}
	want := SimulationSettings{TickNs: 100_000, DurationNs: 5_000_000, Mode: timectrl.Accelerated, RABAN: true}
	if sc.Simulation != want {
		t.Fatalf("Simulation = %+v, want %+v", sc.Simulation, want)
	}
	topo := sc.Topology
	if got := topo.NodeCount(); got != 5 {
		t.Fatalf("NodeCount() = %d, want 5", got)
	}
	if got := len(topo.Links()); got != 4 {
		t.Fatalf("%d links, want 4", got)
	}
	if !topo.RABAN() {
		t.Fatal("RABAN() = false")
	}
	if got := topo.Clock().Limit(); got != 5_000_000 {
		t.Fatalf("clock limit = %d, want 5000000", got)
	}

	s := topo.FirstNodeByName("S")
	if cfg := s.Config(); cfg.GoS != model.GoSLevel1 || cfg.PayloadOctets != 500 || !cfg.ConstantPayload {
		t.Fatalf("sender config = %+v", cfg)
	}
	lsr := topo.FirstNodeByName("LSR")
	if cfg := lsr.Config(); cfg.SwitchingMbps != 500 || cfg.BufferMB != 2 || cfg.Ports != DefaultSwitchPorts {
		t.Fatalf("LSR config = %+v", cfg)
	}
	if got := topo.Route(s.ID(), topo.FirstNodeByName("R").ID()); len(got) != 5 {
		t.Fatalf("Route(S, R) = %v, want 5 nodes", got)
	}
}

func TestLoadScenarioFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pair.json")
	if err := os.WriteFile(path, []byte(pairScenarioJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := LoadScenarioFile(context.Background(), path, WithLoaderLockstep(true))
	if err != nil {
		t.Fatalf("LoadScenarioFile: %v", err)
	}
	if !sc.Simulation.Lockstep {
		t.Fatal("lockstep option ignored")
	}
	if sc.Topology.RABAN() {
		t.Fatal("RABAN() = true without raban in the document")
	}
	l := sc.Topology.Links()[0]
	if l.Delay() != 5 || l.Kind() != model.LinkInternal {
		t.Fatalf("link = delay %d kind %v", l.Delay(), l.Kind())
	}
}

func TestLoadScenarioErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want error
	}{
		{"unknown field", "title: x\ncolour: red\n", nil},
		{"bad mode", "simulation: {mode: warp}\n", nil},
		{"bad node kind", "nodes: [{kind: router, name: X}]\n", nil},
		{"sender without receiver", "nodes: [{kind: sender, name: S, destination: R, rate_mbps: 1}]\n", model.NoTarget},
		{"duplicate node names", "nodes: [{kind: lsr, name: A}, {kind: lsr, name: A}]\n", model.NameAlreadyExists},
		{"unknown link end", "nodes: [{kind: lsr, name: A}]\nlinks: [{kind: internal, name: l, end1: A, end2: B, delay_ns: 1}]\n", model.MissingEnd2},
		{"zero delay", "nodes: [{kind: lsr, name: A}, {kind: lsr, name: B}]\nlinks: [{kind: internal, name: l, end1: A, end2: B}]\n", model.InvalidDelay},
		{"external to LSR", "nodes: [{kind: receiver, name: R}, {kind: lsr, name: B}]\nlinks: [{kind: external, name: l, end1: R, end2: B, delay_ns: 1}]\n", model.LinkTypeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadScenario(context.Background(), strings.NewReader(tc.doc), FormatYAML)
			if !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("err = %v, want ErrInvalidScenario", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	if FormatFromPath("a/b.JSON") != FormatJSON {
		t.Fatal("FormatFromPath(.JSON) != FormatJSON")
	}
	if FormatFromPath("a/b.yml") != FormatYAML {
		t.Fatal("FormatFromPath(.yml) != FormatYAML")
	}
}
