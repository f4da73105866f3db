package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/peermesh/internal/config"
	"github.com/danmuck/peermesh/internal/mesh"
)

func newCallCmd() *cobra.Command {
	var (
		wait    time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <service-id|name> [json-request]",
		Short: "Call a service on the mesh from a temporary node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			var request json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("request is not valid JSON: %s", args[1])
				}
				request = json.RawMessage(args[1])
			}

			n, err := startNode(cmd.Context(), ephemeral(cfg))
			if err != nil {
				return err
			}
			defer n.Close()

			ad, err := waitForService(cmd.Context(), n.mesh, args[0], wait)
			if err != nil {
				return err
			}
			out, err := n.mesh.Call(cmd.Context(), ad.ServiceID, request, mesh.WithTimeout(timeout))
			if err != nil {
				return err
			}
			if len(out) == 0 {
				out = json.RawMessage("null")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for the service to be advertised")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Call timeout (defaults to mesh.call_timeout)")
	return cmd
}

// waitForService resolves target as a service id, then as a name, until
// an advertisement arrives or wait elapses.
func waitForService(ctx context.Context, m *mesh.Mesh, target string, wait time.Duration) (mesh.ServiceAdvertisement, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if ad, ok := m.Lookup(target); ok {
			return ad, nil
		}
		if ad, ok := m.ResolveByName(target); ok {
			return ad, nil
		}
		select {
		case <-ctx.Done():
			return mesh.ServiceAdvertisement{}, ctx.Err()
		case <-deadline.C:
			return mesh.ServiceAdvertisement{}, fmt.Errorf("%w: %s", mesh.ErrNoRoute, target)
		case <-tick.C:
		}
	}
}
