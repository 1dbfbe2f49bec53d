// Command simulator loads an MPLS scenario, runs it on the tic clock and
// reports what happened: a run summary on stdout, optionally a trace file,
// a pcap capture and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manolodd/opensimmpls-sub003/internal/logging"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MPLSSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "mplssim",
		Short:        "Discrete-event MPLS network simulator",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", path, err)
				}
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "optional YAML file with flag defaults")
	pf.StringP("scenario", "s", "", "scenario file (.yaml, .yml or .json)")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("log-format", "pretty", "json, text or pretty")
	pf.String("log-file", "", "file that receives a JSON copy of every log record")

	root.AddCommand(newRunCmd(v), newValidateCmd(v))
	return root
}

func newLogger(cmd *cobra.Command, v *viper.Viper) (logging.Logger, error) {
	return logging.New(logging.Config{
		Level:  v.GetString("log-level"),
		Format: v.GetString("log-format"),
		File:   v.GetString("log-file"),
		Output: cmd.ErrOrStderr(),
	})
}

func scenarioPath(v *viper.Viper) (string, error) {
	path := v.GetString("scenario")
	if path == "" {
		return "", fmt.Errorf("no scenario given; use --scenario or MPLSSIM_SCENARIO")
	}
	return path, nil
}
