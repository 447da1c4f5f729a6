package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"peerstream/internal/api"
	"peerstream/internal/journal"
	"peerstream/internal/models"
	"peerstream/internal/relay"
)

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <channel>...",
		Short: "Print every message published on the given content or query channels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := dialPush(ctx, opts)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			for _, channel := range args {
				requestID, err := client.send(api.Command{Type: api.CommandSubscribe, Channel: channel})
				if err != nil {
					return err
				}
				if _, err := client.await(requestID, func(e journal.Entry) error { return printEntry(out, e) }); err != nil {
					return fmt.Errorf("subscribe %s: %w", channel, err)
				}
			}

			stop := client.watchUntil(ctx)
			defer stop()
			for {
				entry, err := client.next(time.Time{})
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := printEntry(out, entry); err != nil {
					return err
				}
			}
		},
	}
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <contentId>",
		Short: "Print the current record of a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialPush(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer client.Close()

			requestID, err := client.send(api.Command{Type: api.CommandStatus, ContentID: args[0]})
			if err != nil {
				return err
			}
			reply, err := client.await(requestID, nil)
			if err != nil {
				return err
			}
			return printEntry(cmd.OutOrStdout(), reply)
		},
	}
}

func newSearchCommand(opts *options) *cobra.Command {
	var (
		wait  time.Duration
		limit int
		keep  bool
	)
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Run a search and print its results as they arrive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := dialPush(ctx, opts)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			requestID, err := client.send(api.Command{Type: api.CommandSearch, Text: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			reply, err := client.await(requestID, nil)
			if err != nil {
				return err
			}
			var ack models.QueryAck
			if err := reply.Decode(&ack); err != nil {
				return err
			}
			fmt.Fprintf(out, "query\t%s\t%s\n", ack.QueryID, ack.Text)

			received, err := collectResults(ctx, client, ack.QueryID, wait, limit, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d results\n", received)

			if keep {
				return nil
			}
			stopID, err := client.send(api.Command{Type: api.CommandStop, QueryID: ack.QueryID})
			if err != nil {
				return err
			}
			_, err = client.await(stopID, nil)
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to collect results")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many results (0 means no limit)")
	cmd.Flags().BoolVar(&keep, "keep", false, "Leave the query running on the server")
	return cmd
}

func collectResults(ctx context.Context, client *pushClient, queryID string, wait time.Duration, limit int, out io.Writer) (int, error) {
	deadline := time.Now().Add(wait)
	stop := client.watchUntil(ctx)
	defer stop()
	received := 0
	for limit <= 0 || received < limit {
		entry, err := client.next(deadline)
		if err != nil {
			if ctx.Err() != nil || isTimeout(err) {
				return received, nil
			}
			return received, err
		}
		if entry.Channel != queryID || entry.Type != relay.MessageTypeResult {
			continue
		}
		if err := printEntry(out, entry); err != nil {
			return received, err
		}
		received++
	}
	return received, nil
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func newFetchCommand(opts *options) *cobra.Command {
	var (
		queryID string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "fetch <contentId>",
		Short: "Stream content to a file while it downloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dst io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			n, err := fetch(cmd.Context(), opts, args[0], queryID, dst, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "fetched %s\n", formatBytes(n))
			return nil
		},
	}
	cmd.Flags().StringVar(&queryID, "query", "", "Query id the content was found by")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default stdout)")
	return cmd
}

func fetch(ctx context.Context, opts *options, contentID, queryID string, dst, progress io.Writer) (int64, error) {
	u, err := endpoint(opts.server, "/api/stream/"+contentID)
	if err != nil {
		return 0, err
	}
	if queryID != "" {
		q := u.Query()
		q.Set("queryId", queryID)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%s: content not found", contentID)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s: unexpected status %s", contentID, resp.Status)
	}

	pw := &progressWriter{dst: dst, out: progress, total: resp.ContentLength, every: time.Second}
	n, err := io.Copy(pw, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy stream: %w", err)
	}
	if resp.ContentLength > 0 && n < resp.ContentLength {
		return n, fmt.Errorf("stream ended after %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

// progressWriter reports throughput at most once per interval.
type progressWriter struct {
	dst     io.Writer
	out     io.Writer
	total   int64
	written int64
	every   time.Duration
	last    time.Time
	lastN   int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.dst.Write(b)
	p.written += int64(n)
	now := time.Now()
	if p.last.IsZero() {
		p.last = now
	}
	if elapsed := now.Sub(p.last); elapsed >= p.every {
		rate := int64(float64(p.written-p.lastN) / elapsed.Seconds())
		if p.total > 0 {
			fmt.Fprintf(p.out, "%s / %s (%s/s)\n", formatBytes(p.written), formatBytes(p.total), formatBytes(rate))
		} else {
			fmt.Fprintf(p.out, "%s (%s/s)\n", formatBytes(p.written), formatBytes(rate))
		}
		p.last, p.lastN = now, p.written
	}
	return n, err
}
