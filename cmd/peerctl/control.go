package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"peerstream/internal/api"
)

// controlAction is one REST call that changes a download's lifecycle.
type controlAction struct {
	use    string
	short  string
	method string
	suffix string
	done   string
}

var controlActions = []controlAction{
	{use: "pause", short: "Pause an active download", method: http.MethodPost, suffix: "/pause", done: "paused"},
	{use: "resume", short: "Resume a paused download", method: http.MethodPost, suffix: "/resume", done: "resumed"},
	{use: "remove", short: "Remove a download from the engine, keeping its data", method: http.MethodDelete, done: "removed"},
}

func newControlCommands(opts *options) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(controlActions))
	for _, action := range controlActions {
		cmds = append(cmds, &cobra.Command{
			Use:   action.use + " <contentId>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := control(cmd.Context(), opts, action, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", action.done, args[0])
				return nil
			},
		})
	}
	return cmds
}

func control(ctx context.Context, opts *options, action controlAction, contentID string) error {
	u, err := endpoint(opts.server, "/api/downloads/"+contentID+action.suffix)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, action.method, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s %s: %w", action.use, contentID, api.DecodeErrorBody(resp))
	}
	return nil
}
