// Package commands implements the flockstore command line: the server
// process and a thin client for a running server.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sanonone/flockstore/pkg/client"
)

var (
	serverURL string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "flockstore",
	Short: "Sharded adjacency-list edge store",
	Long: `flockstore stores directed edges (source, graph, destination) and answers
forward, backward and point queries over them.

Run "flockstore serve" to start a server; the other commands talk to one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FLOCKSTORE_URL", "http://localhost:7915"), "Base URL of the flockstore server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout for client commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd, removeCmd, getCmd, countCmd, metaCmd, archiveCmd, unarchiveCmd, convergeCmd, saveCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// withClient builds a client and a request context bounded by --timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, client.NewWithURL(serverURL))
}
