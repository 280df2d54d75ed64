// Command gatewayd runs the AI orchestration gateway and its operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/infra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "gatewayd",
		Short:         "Policy-enforcing gateway in front of local and remote AI backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml or ./configs/config.yaml)")

	load := func() (*infra.Config, *zap.Logger, error) {
		cfg, err := infra.LoadConfig(configFile)
		if err != nil {
			return nil, nil, err
		}
		logger, err := infra.NewLogger(cfg.Logger)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newRulesCmd(load),
		newClassifyCmd(load),
		newPasswdCmd(load),
	)
	return root
}

type loader func() (*infra.Config, *zap.Logger, error)
