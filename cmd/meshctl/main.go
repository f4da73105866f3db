package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/danmuck/peermesh/internal/logging"
)

var version = "dev"

func main() {
	// A missing .env is normal; only a malformed one is reported.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "meshctl: load .env: %v\n", err)
	}
	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshctl",
		Short:         "Peer-to-peer service mesh node",
		Long:          "Run a peermesh node, call services on the mesh, and manage node configuration.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", envDefault("PEERMESH_CONFIG", "peermesh.toml"), "Node config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newCallCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the meshctl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
