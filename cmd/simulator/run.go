package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/manolodd/opensimmpls-sub003/core"
	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/internal/observability"
	"github.com/manolodd/opensimmpls-sub003/internal/trace"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario until its duration elapses or the process is interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScenario(cmd, v)
		},
	}

	f := cmd.Flags()
	f.Duration("tick", 0, "tic length; overrides the scenario")
	f.Duration("duration", 0, "simulated time to run; overrides the scenario")
	f.String("mode", "", "accelerated or realtime; overrides the scenario")
	f.Bool("lockstep", false, "dispatch each tic only once the previous one finished")
	f.Bool("raban", false, "route with the load-aware policy regardless of the scenario")
	f.String("output", "yaml", "summary format: yaml or json")
	f.String("metrics-addr", "", "HTTP address serving Prometheus /metrics during the run")
	f.String("trace-out", "", "write the event trace to this .yaml or .json file")
	f.Bool("trace-on-fly", false, "include packet on-fly progress in the trace")
	f.String("pcap-out", "", "capture received packets into this pcap file")
	f.Bool("tracing", false, "export OpenTelemetry spans")
	f.String("tracing-exporter", "stdout", "span exporter: stdout or otlp")
	f.String("tracing-service-name", "mplssim", "service.name on exported spans")
	f.Float64("tracing-sample-ratio", 1, "fraction of traces kept, between 0 and 1")
	f.String("otlp-endpoint", "", "OTLP gRPC collector endpoint")
	return cmd
}

func runScenario(cmd *cobra.Command, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	log, err := newLogger(cmd, v)
	if err != nil {
		return err
	}
	path, err := scenarioPath(v)
	if err != nil {
		return err
	}

	collector, err := observability.NewSimulationCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	sc, err := core.LoadScenarioFile(ctx, path,
		core.WithLoaderLogger(log),
		core.WithLoaderLockstep(v.GetBool("lockstep")),
		core.WithLoaderTopologyOptions(core.WithRoutingObserver(collector)),
	)
	if err != nil {
		return err
	}
	topo := sc.Topology
	if tick := v.GetDuration("tick"); tick > 0 {
		topo.Clock().SetTickDuration(uint64(tick))
	}
	if d := v.GetDuration("duration"); d > 0 {
		topo.Clock().SetLimit(uint64(d))
	}
	if m := v.GetString("mode"); m != "" {
		mode, err := timectrl.ParseMode(m)
		if err != nil {
			return err
		}
		topo.Clock().SetMode(mode)
	}
	if v.GetBool("raban") {
		topo.SetRABAN(true)
	}

	shutdownTracing, err := observability.InitTracing(ctx, tracingConfig(v, sc, cmd.ErrOrStderr()), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	handlers := []events.Handler{collector}

	var tr *trace.Manager
	if out := v.GetString("trace-out"); out != "" {
		if _, err := trace.FormatFromPath(out); err != nil {
			return err
		}
		tr = trace.NewManager(sc.Title, v.GetBool("trace-on-fly"))
		if err := tr.AddTopology(topo); err != nil {
			return err
		}
		handlers = append(handlers, tr)
	}

	var pcap *trace.PcapWriter
	if out := v.GetString("pcap-out"); out != "" {
		pcap, err = trace.CreatePcap(out)
		if err != nil {
			return err
		}
		defer pcap.Close()
		handlers = append(handlers, pcap)
	}

	if addr := v.GetString("metrics-addr"); addr != "" {
		srv := serveMetrics(addr, collector, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engine := core.NewSimulationEngine(topo,
		core.WithHandlers(handlers...),
		core.WithEngineLogger(log),
	)
	engine.RegisterTickListener(collector.ObserveTick)

	summary, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	collector.ObserveSummary(summary)
	log.Info(ctx, "simulation finished",
		logging.Uint64("ticks", summary.Ticks),
		logging.Uint64("events", summary.Events),
		logging.String("wall", summary.Wall.String()),
	)

	if tr != nil {
		tr.SetSummary(summary)
		if err := tr.WriteToFile(v.GetString("trace-out")); err != nil {
			return err
		}
	}
	if pcap != nil {
		if err := pcap.Close(); err != nil {
			return err
		}
		log.Info(ctx, "pcap written",
			logging.String("path", v.GetString("pcap-out")),
			logging.Int("packets", pcap.Written()),
		)
	}

	return writeSummary(cmd.OutOrStdout(), v.GetString("output"), summary)
}

// tracingConfig describes the loaded run; stdout spans go to w.
func tracingConfig(v *viper.Viper, sc *core.Scenario, w io.Writer) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     v.GetBool("tracing"),
		Exporter:    v.GetString("tracing-exporter"),
		Endpoint:    v.GetString("otlp-endpoint"),
		ServiceName: v.GetString("tracing-service-name"),
		SampleRatio: v.GetFloat64("tracing-sample-ratio"),
		Writer:      w,
		Run:         observability.RunAttributesOf(sc.Title, sc.Topology),
	}
}

func writeSummary(w io.Writer, format string, s core.RunSummary) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", format)
}

func serveMetrics(addr string, collector *observability.SimulationCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
