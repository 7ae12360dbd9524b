package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cvmfsreplica/internal/app"
	logx "cvmfsreplica/pkg/logx"
)

const defaultConfigPath = "/etc/cvmfsreplica/cvmfsreplica.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	run := func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		return a.Run(cmd.Context())
	}

	root := &cobra.Command{
		Use:           "cvmfsreplica",
		Short:         "Schedule CVMFS stratum-1 snapshots",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to the service config (YAML or JSON)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the replica daemon (default)",
		Args:  cobra.NoArgs,
		RunE:  run,
	})
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the resolved repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Check(cfgPath, cmd.OutOrStdout(), logx.NewConsole("WARNING"))
		},
	})
	root.SetContext(context.Background())
	return root
}
