package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manolodd/opensimmpls-sub003/core"
)

// errUnreachable is returned by a strict validation that found senders
// with no path to their destination.
var errUnreachable = errors.New("scenario has unreachable destinations")

func newValidateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a scenario and report senders whose destination cannot be reached",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(cmd, v)
			if err != nil {
				return err
			}
			path, err := scenarioPath(v)
			if err != nil {
				return err
			}
			sc, err := core.LoadScenarioFile(cmd.Context(), path, core.WithLoaderLogger(log))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			topo := sc.Topology
			fmt.Fprintf(out, "scenario %q: %d nodes, %d links\n", sc.Title, topo.NodeCount(), len(topo.Links()))
			missing := topo.Unreachable()
			for _, p := range missing {
				fmt.Fprintf(out, "unreachable: %s (%d) -> %s\n", p.SenderName, p.Sender, p.Destination)
			}
			if len(missing) > 0 && v.GetBool("strict") {
				return errUnreachable
			}
			return nil
		},
	}
	cmd.Flags().Bool("strict", false, "fail when a sender cannot reach its destination")
	return cmd
}
