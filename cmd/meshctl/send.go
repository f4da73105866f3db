package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/peermesh/internal/config"
	"github.com/danmuck/peermesh/internal/mesh"
)

func newSendCmd() *cobra.Command {
	var (
		streamID string
		fixed    bool
	)
	cmd := &cobra.Command{
		Use:   "send <peer-id> <file>",
		Short: "Stream a file to a peer from a temporary node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			n, err := startNode(cmd.Context(), ephemeral(cfg))
			if err != nil {
				return err
			}
			defer n.Close()

			var opts []mesh.TransferOption
			if streamID != "" {
				opts = append(opts, mesh.WithStreamID(streamID))
			}
			var plan mesh.Transfer
			if fixed {
				plan, err = n.mesh.Send(cmd.Context(), args[0], data, opts...)
			} else {
				plan, err = n.mesh.SendAdaptive(cmd.Context(), args[0], data, opts...)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stream %s: %d bytes in %d chunks of %d (window %d, pacing %v)\n",
				plan.StreamID, plan.Bytes, plan.Total, plan.ChunkSize, plan.Window, plan.Pacing)
			return err
		},
	}
	cmd.Flags().StringVar(&streamID, "stream-id", "", "Stream id (random by default)")
	cmd.Flags().BoolVar(&fixed, "fixed", false, "Use fixed-size chunks instead of adaptive planning")
	return cmd
}
