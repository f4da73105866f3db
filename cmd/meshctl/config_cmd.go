package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danmuck/peermesh/internal/config"
	"github.com/danmuck/peermesh/internal/transport/libp2p"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect node configuration",
	}

	var (
		bootstrap []string
		force     bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a node config with a fresh identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			key, peerID, err := libp2p.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := config.WriteTemplate(path, key, bootstrap, force); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (peer id %s)\n", path, peerID)
			return err
		},
	}
	initCmd.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "Bootstrap /p2p/ multiaddrs")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "identity",
		Short: "Generate a libp2p identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, peerID, err := libp2p.GenerateIdentity()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "peer_id = %q\nprivate_key = %q\n", peerID, key)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Transport.PrivateKeyBase64 != "" {
				cfg.Transport.PrivateKeyBase64 = "<redacted>"
			}
			if cfg.StatusToken != "" {
				cfg.StatusToken = "<redacted>"
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}
