// Package main provides the entry point for the PBFT consensus daemon.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/crypto"
	"github.com/ahwlsqja/pbft-remediation/logging"
	"github.com/ahwlsqja/pbft-remediation/node"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pbftd",
		Short:         "PBFT consensus for incident remediation agents",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newStartCmd(), newKeygenCmd(), newSimulateCmd())
	return root
}

func newStartCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := node.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logCfg := cfg.Log
			logCfg.NodeID = cfg.NodeID
			logger, closeLog, err := logging.New(logCfg)
			if err != nil {
				return err
			}
			defer closeLog()

			n, err := node.New(cfg, logger)
			if err != nil {
				logger.Error("failed to build node", zap.Error(err))
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				logger.Error("failed to start node", zap.Error(err))
				n.Stop()
				return err
			}
			<-ctx.Done()
			logger.Info("shutting down")
			return n.Stop()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (YAML, TOML or JSON)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var nodeID, out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a replica key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := crypto.GenerateKeyPair()
			if err := crypto.SaveKeyFile(out, nodeID, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node_id:    %s\naddress:    %s\npublic_key: %s\nkey_file:   %s\n",
				nodeID, key.Address(), hex.EncodeToString(key.PublicKey), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "replica id the key belongs to")
	cmd.Flags().StringVar(&out, "out", "", "key file to write")
	cmd.MarkFlagRequired("node-id")
	cmd.MarkFlagRequired("out")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	opts := defaultSimulation()
	var verbose bool
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process cluster with injected faults",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				var closeLog func()
				var err error
				logger, closeLog, err = logging.New(logging.Config{Level: "debug", Format: "console"})
				if err != nil {
					return err
				}
				defer closeLog()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, opts, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().IntVar(&opts.Nodes, "nodes", opts.Nodes, "cluster size")
	cmd.Flags().StringSliceVar(&opts.Silent, "silent", nil, "nodes that neither send nor receive")
	cmd.Flags().IntVar(&opts.Proposals, "proposals", opts.Proposals, "proposals to submit")
	cmd.Flags().Float64Var(&opts.DropRate, "drop-rate", 0, "probability of dropping each delivery")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "fault injection seed")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", opts.Timeout, "base protocol timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log protocol activity")
	return cmd
}
