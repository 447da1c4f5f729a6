// Command peerctl is the operator CLI for a running peerstream server.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	server  string
	timeout time.Duration
}

func NewPeerctlCommand(out io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "peerctl",
		Short: "Watch, search, stream and manage content on a peerstream server",
		Example: `  peerctl watch urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a
  peerctl search "big buck bunny"
  peerctl fetch urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a -o movie.mp4
  peerctl remove urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a`,
		SilenceUsage: true,
	}
	cmd.SetOut(out)

	defaultServer := os.Getenv("PEERSTREAM_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer,
		"Base URL of the peerstream server")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second,
		"Timeout for connecting and for single request/reply exchanges")

	cmd.AddCommand(
		newWatchCommand(opts),
		newStatusCommand(opts),
		newSearchCommand(opts),
		newFetchCommand(opts),
	)
	cmd.AddCommand(newControlCommands(opts)...)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := NewPeerctlCommand(os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
